package content

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds content cache OpenTelemetry metric instruments.
type Metrics struct {
	filesCachedTotal   metric.Int64Counter
	fileBytesTotal     metric.Int64Counter
	fetchFailuresTotal metric.Int64Counter
	quotaRejectedTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	filesCachedTotal, err := meter.Int64Counter(
		"offline_cache_files_cached_total",
		metric.WithDescription("Total number of remote files mirrored for offline playback"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	fileBytesTotal, err := meter.Int64Counter(
		"offline_cache_file_bytes_total",
		metric.WithDescription("Total bytes downloaded into the offline cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	fetchFailuresTotal, err := meter.Int64Counter(
		"offline_cache_fetch_failures_total",
		metric.WithDescription("Total number of per-item file caching failures"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	quotaRejectedTotal, err := meter.Int64Counter(
		"offline_cache_quota_rejected_total",
		metric.WithDescription("Total number of files rejected for exceeding the per-object ceiling"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		filesCachedTotal:   filesCachedTotal,
		fileBytesTotal:     fileBytesTotal,
		fetchFailuresTotal: fetchFailuresTotal,
		quotaRejectedTotal: quotaRejectedTotal,
	}, nil
}
