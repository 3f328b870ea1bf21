package blob

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds blob store OpenTelemetry metric instruments.
type Metrics struct {
	putsTotal          metric.Int64Counter
	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	cacheBytes         metric.Int64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	putsTotal, err := meter.Int64Counter(
		"offline_cache_blob_puts_total",
		metric.WithDescription("Total number of payloads admitted to the cache"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	evictionsTotal, err := meter.Int64Counter(
		"offline_cache_blob_evictions_total",
		metric.WithDescription("Total number of payloads evicted by LRU policy"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"offline_cache_blob_eviction_bytes_total",
		metric.WithDescription("Total bytes reclaimed by LRU eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	cacheBytes, err := meter.Int64Gauge(
		"offline_cache_blob_bytes",
		metric.WithDescription("Current total size of indexed payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		putsTotal:          putsTotal,
		evictionsTotal:     evictionsTotal,
		evictionBytesTotal: evictionBytesTotal,
		cacheBytes:         cacheBytes,
	}, nil
}
