package memory

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds memory manager OpenTelemetry metric instruments.
type Metrics struct {
	usedBytes            metric.Int64Gauge
	trackedResources     metric.Int64Gauge
	leakWarningsTotal    metric.Int64Counter
	cleanupsTotal        metric.Int64Counter
	cleanupReleasedTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	usedBytes, err := meter.Int64Gauge(
		"offline_cache_memory_used_bytes",
		metric.WithDescription("Last sampled process memory usage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	trackedResources, err := meter.Int64Gauge(
		"offline_cache_memory_tracked_resources",
		metric.WithDescription("Current number of tracked session resources"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	leakWarningsTotal, err := meter.Int64Counter(
		"offline_cache_memory_leak_warnings_total",
		metric.WithDescription("Total number of advisory sustained-growth warnings"),
		metric.WithUnit("{warning}"),
	)
	if err != nil {
		return nil, err
	}

	cleanupsTotal, err := meter.Int64Counter(
		"offline_cache_memory_cleanups_total",
		metric.WithDescription("Total number of automatic cleanup runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	cleanupReleasedTotal, err := meter.Int64Counter(
		"offline_cache_memory_cleanup_released_total",
		metric.WithDescription("Total number of resources released by automatic cleanup"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usedBytes:            usedBytes,
		trackedResources:     trackedResources,
		leakWarningsTotal:    leakWarningsTotal,
		cleanupsTotal:        cleanupsTotal,
		cleanupReleasedTotal: cleanupReleasedTotal,
	}, nil
}
