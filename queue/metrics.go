package queue

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds mutation queue OpenTelemetry metric instruments.
type Metrics struct {
	enqueuedTotal       metric.Int64Counter
	replayedTotal       metric.Int64Counter
	replayFailuresTotal metric.Int64Counter
	drainsTotal         metric.Int64Counter
	depth               metric.Int64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	enqueuedTotal, err := meter.Int64Counter(
		"offline_cache_queue_enqueued_total",
		metric.WithDescription("Total number of mutations enqueued while offline"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	replayedTotal, err := meter.Int64Counter(
		"offline_cache_queue_replayed_total",
		metric.WithDescription("Total number of mutations successfully replayed"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	replayFailuresTotal, err := meter.Int64Counter(
		"offline_cache_queue_replay_failures_total",
		metric.WithDescription("Total number of failed replay attempts"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	drainsTotal, err := meter.Int64Counter(
		"offline_cache_queue_drains_total",
		metric.WithDescription("Total number of completed drain passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	depth, err := meter.Int64Gauge(
		"offline_cache_queue_depth",
		metric.WithDescription("Current number of queued mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		enqueuedTotal:       enqueuedTotal,
		replayedTotal:       replayedTotal,
		replayFailuresTotal: replayFailuresTotal,
		drainsTotal:         drainsTotal,
		depth:               depth,
	}, nil
}
