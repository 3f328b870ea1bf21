package offlinecache

import "time"

// Limits holds the externally configurable tunables for the subsystem.
type Limits struct {
	// MaxCacheBytes is the byte budget for the quota-bounded file cache.
	// It also serves as the per-object admission ceiling.
	MaxCacheBytes int64

	// ImageCacheLimit is the maximum number of decoded images held by the
	// memory manager before LRU slot eviction.
	ImageCacheLimit int

	// BlobCacheLimit is the cumulative byte budget for tracked session blobs.
	BlobCacheLimit int64

	// MonitoringInterval is how often the memory manager samples memory.
	MonitoringInterval time.Duration

	// GCTriggerBytes is the sampled memory level that triggers automatic
	// cleanup.
	GCTriggerBytes int64

	// LeakDetectionSamples is the number of consecutive non-decreasing
	// samples that signals sustained growth.
	LeakDetectionSamples int

	// CleanupBatchSize is the maximum number of resources released per
	// automatic cleanup run.
	CleanupBatchSize int
}

// DefaultLimits returns the default tunables.
func DefaultLimits() Limits {
	return Limits{
		MaxCacheBytes:        50 * 1024 * 1024,
		ImageCacheLimit:      20,
		BlobCacheLimit:       50 * 1024 * 1024,
		MonitoringInterval:   30 * time.Second,
		GCTriggerBytes:       80 * 1024 * 1024,
		LeakDetectionSamples: 5,
		CleanupBatchSize:     10,
	}
}
