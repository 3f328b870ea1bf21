package memory

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/content"
)

// sampleHistory is the bounded length of the rolling sample history.
const sampleHistory = 10

// Trend classifies recent memory movement.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Stats is a point-in-time view of the manager.
type Stats struct {
	Current          Sample
	Trend            Trend
	TrackedResources int
	LeakCandidates   []Resource
}

// Config configures a Manager.
type Config struct {
	// Limits holds the tunables. The zero value uses DefaultLimits.
	Limits offlinecache.Limits

	// LeakAge and LeakIdle are the age and idle thresholds beyond which a
	// resource becomes a leak candidate. Default 1 hour each.
	LeakAge  time.Duration
	LeakIdle time.Duration

	// CleanupIdle is the shorter idle threshold used by automatic cleanup.
	// Default 30 minutes.
	CleanupIdle time.Duration

	// Sampler measures memory. Nil uses DefaultSampler.
	Sampler Sampler

	// Images fetches image bytes for LoadImage. Nil disables fetching;
	// LoadImage then only serves already-cached images.
	Images content.Fetcher

	// Notifier receives advisory leak warnings. Nil discards them.
	Notifier offlinecache.Notifier

	// Logger for sampling and cleanup events.
	Logger *slog.Logger

	// Metrics instruments; nil disables metrics.
	Metrics *Metrics
}

// Manager registers ephemeral session resources, samples memory on a
// periodic timer, detects leak candidates and reclaims idle resources.
// It is an explicit per-session object: create, start, stop, dispose.
type Manager struct {
	limits      offlinecache.Limits
	leakAge     time.Duration
	leakIdle    time.Duration
	cleanupIdle time.Duration
	sampler     Sampler
	images      content.Fetcher
	notifier    offlinecache.Notifier
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	mu           sync.Mutex
	resources    map[string]*Resource
	samples      []Sample
	growthStreak int
	growthWarned bool
	hooks        []func()

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a memory manager. It does not start monitoring.
func New(cfg Config) *Manager {
	if cfg.Limits == (offlinecache.Limits{}) {
		cfg.Limits = offlinecache.DefaultLimits()
	}
	if cfg.LeakAge == 0 {
		cfg.LeakAge = time.Hour
	}
	if cfg.LeakIdle == 0 {
		cfg.LeakIdle = time.Hour
	}
	if cfg.CleanupIdle == 0 {
		cfg.CleanupIdle = 30 * time.Minute
	}
	if cfg.Sampler == nil {
		cfg.Sampler = DefaultSampler()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = offlinecache.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		limits:      cfg.Limits,
		leakAge:     cfg.LeakAge,
		leakIdle:    cfg.LeakIdle,
		cleanupIdle: cfg.CleanupIdle,
		sampler:     cfg.Sampler,
		images:      cfg.Images,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         time.Now,
		resources:   make(map[string]*Resource),
	}
}

// StartMonitoring starts the periodic memory sampler. Calling it while
// monitoring is already running is a no-op.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.monitor(stopCh, doneCh)
}

// StopMonitoring stops the periodic sampler and waits for it to exit.
// Calling it while monitoring is not running is a no-op.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Manager) monitor(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.limits.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sampleOnce(context.Background())
		}
	}
}

// sampleOnce records one memory sample, updates the leak streak and
// triggers automatic cleanup past the GC threshold. Sampling failures
// degrade silently: unsupported hosts simply produce no history.
func (m *Manager) sampleOnce(ctx context.Context) {
	sample, err := m.sampler.Sample()
	if err != nil {
		m.logger.Debug("memory sampling unavailable", "error", err)
		return
	}
	sample.Timestamp = m.now()

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > sampleHistory {
		m.samples = m.samples[len(m.samples)-sampleHistory:]
	}

	// Sustained-growth heuristic: N consecutive non-decreasing samples.
	if n := len(m.samples); n >= 2 && m.samples[n-1].UsedBytes >= m.samples[n-2].UsedBytes {
		m.growthStreak++
	} else {
		m.growthStreak = 0
		m.growthWarned = false
	}
	warn := m.growthStreak >= m.limits.LeakDetectionSamples && !m.growthWarned
	if warn {
		m.growthWarned = true
	}
	overThreshold := sample.UsedBytes > m.limits.GCTriggerBytes
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.usedBytes.Record(ctx, sample.UsedBytes)
	}

	if warn {
		// Advisory only: logged and notified, never force-freed.
		m.logger.Warn("sustained memory growth detected",
			"streak", m.limits.LeakDetectionSamples,
			"used_bytes", sample.UsedBytes,
		)
		if m.metrics != nil {
			m.metrics.leakWarningsTotal.Add(ctx, 1)
		}
		m.notifier.Notify(offlinecache.Event{
			Type: offlinecache.EventLeakWarning,
			Time: sample.Timestamp,
		})
	}

	if overThreshold {
		m.AutomaticCleanup(ctx)
	}
}

// Track registers a resource. Tracking an id that already exists releases
// the previous handle before replacing it.
func (m *Manager) Track(id string, typ Type, handle any, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(id, typ, handle, size)
}

func (m *Manager) trackLocked(id string, typ Type, handle any, size int64) {
	if prev, ok := m.resources[id]; ok {
		if err := prev.release(); err != nil {
			m.logger.Debug("releasing replaced resource", "id", id, "error", err)
		}
	}
	now := m.now()
	m.resources[id] = &Resource{
		ID:           id,
		Type:         typ,
		Handle:       handle,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
	}
	if m.metrics != nil {
		m.metrics.trackedResources.Record(context.Background(), int64(len(m.resources)))
	}
}

// Untrack releases and removes a resource. Returns false when the id is
// not tracked.
func (m *Manager) Untrack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.untrackLocked(id)
}

func (m *Manager) untrackLocked(id string) bool {
	res, ok := m.resources[id]
	if !ok {
		return false
	}
	if err := res.release(); err != nil {
		m.logger.Debug("releasing resource", "id", id, "type", res.Type, "error", err)
	}
	delete(m.resources, id)
	if m.metrics != nil {
		m.metrics.trackedResources.Record(context.Background(), int64(len(m.resources)))
	}
	return true
}

// Touch refreshes a resource's last access time. Returns false when the id
// is not tracked.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.resources[id]
	if !ok {
		return false
	}
	res.LastAccessed = m.now()
	return true
}

// imageID namespaces image cache entries in the resource table.
func imageID(src string) string { return "image:" + src }

// LoadImage returns the decoded image for src, fetching and caching it on
// a miss. Once the image slot count exceeds the limit the least-recently
// touched image is evicted.
func (m *Manager) LoadImage(ctx context.Context, src string) ([]byte, error) {
	id := imageID(src)

	m.mu.Lock()
	if res, ok := m.resources[id]; ok {
		res.LastAccessed = m.now()
		data, _ := res.Handle.([]byte)
		m.mu.Unlock()
		return data, nil
	}
	m.mu.Unlock()

	if m.images == nil {
		return nil, offlinecache.ErrNotFound
	}

	result, err := m.images.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, &offlinecache.NetworkError{URL: src, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackLocked(id, TypeImage, data, int64(len(data)))
	m.evictImagesLocked(m.limits.ImageCacheLimit)
	return data, nil
}

// evictImagesLocked removes least-recently-touched images until at most
// limit slots remain.
func (m *Manager) evictImagesLocked(limit int) {
	images := m.resourcesOfTypeLocked(TypeImage)
	for len(images) > limit {
		victim := images[0]
		m.untrackLocked(victim.ID)
		images = images[1:]
		m.logger.Debug("evicted cached image", "id", victim.ID)
	}
}

// CreateTrackedBlob concatenates parts into one payload, registers it and
// enforces the cumulative blob budget, evicting oldest blobs down to 80%
// of the budget to avoid eviction thrashing.
func (m *Manager) CreateTrackedBlob(parts ...[]byte) (string, []byte) {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	data := make([]byte, 0, total)
	for _, p := range parts {
		data = append(data, p...)
	}

	id := "blob:" + uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.trackLocked(id, TypeBlob, data, int64(len(data)))
	m.evictBlobsLocked(m.limits.BlobCacheLimit * 8 / 10)
	return id, data
}

// evictBlobsLocked removes oldest-accessed blobs until the cumulative size
// is at or below target. Nothing happens while the budget itself holds.
func (m *Manager) evictBlobsLocked(target int64) {
	blobs := m.resourcesOfTypeLocked(TypeBlob)
	var total int64
	for _, b := range blobs {
		total += b.Size
	}
	if total <= m.limits.BlobCacheLimit {
		return
	}
	for _, victim := range blobs {
		if total <= target {
			break
		}
		total -= victim.Size
		m.untrackLocked(victim.ID)
		m.logger.Debug("evicted tracked blob", "id", victim.ID, "size", victim.Size)
	}
}

// resourcesOfTypeLocked returns resources of one type, least recently
// accessed first.
func (m *Manager) resourcesOfTypeLocked(typ Type) []*Resource {
	var out []*Resource
	for _, res := range m.resources {
		if res.Type == typ {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out
}

// Stats returns the current sample, the short-window trend, the tracked
// resource count and the advisory leak candidates.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Trend:            classifyTrend(m.samples),
		TrackedResources: len(m.resources),
		LeakCandidates:   m.leakCandidatesLocked(),
	}
	if len(m.samples) > 0 {
		stats.Current = m.samples[len(m.samples)-1]
	}
	return stats
}

// leakCandidatesLocked applies the age+idle heuristic: a resource both old
// and idle beyond the thresholds is a candidate, advisory only.
func (m *Manager) leakCandidatesLocked() []Resource {
	now := m.now()
	var out []Resource
	for _, res := range m.resources {
		if now.Sub(res.CreatedAt) > m.leakAge && now.Sub(res.LastAccessed) > m.leakIdle {
			out = append(out, *res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// classifyTrend looks at the last three samples and takes the majority of
// the pairwise deltas. Fewer than three samples is stable.
func classifyTrend(samples []Sample) Trend {
	if len(samples) < 3 {
		return TrendStable
	}
	window := samples[len(samples)-3:]

	up, down := 0, 0
	for i := 1; i < len(window); i++ {
		switch {
		case window[i].UsedBytes > window[i-1].UsedBytes:
			up++
		case window[i].UsedBytes < window[i-1].UsedBytes:
			down++
		}
	}
	switch {
	case up > down:
		return TrendIncreasing
	case down > up:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// AutomaticCleanup releases up to CleanupBatchSize resources idle beyond
// the cleanup threshold, trims the image and blob caches to budget and
// hints the runtime to collect.
func (m *Manager) AutomaticCleanup(ctx context.Context) {
	m.mu.Lock()

	now := m.now()
	var idle []*Resource
	for _, res := range m.resources {
		if now.Sub(res.LastAccessed) > m.cleanupIdle {
			idle = append(idle, res)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastAccessed.Before(idle[j].LastAccessed) })
	if len(idle) > m.limits.CleanupBatchSize {
		idle = idle[:m.limits.CleanupBatchSize]
	}

	released := 0
	for _, res := range idle {
		if m.untrackLocked(res.ID) {
			released++
		}
	}

	m.evictImagesLocked(m.limits.ImageCacheLimit)
	m.evictBlobsLocked(m.limits.BlobCacheLimit)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.cleanupsTotal.Add(ctx, 1)
		m.metrics.cleanupReleasedTotal.Add(ctx, int64(released))
	}
	m.logger.Info("automatic cleanup completed", "released", released)

	// Best-effort collection hint.
	runtime.GC()
	debug.FreeOSMemory()
}

// OnShutdown registers a callback invoked by ForceCleanup.
func (m *Manager) OnShutdown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// ForceCleanup unconditionally releases every tracked resource, clears the
// sample history and runs the registered shutdown callbacks. Used at
// session teardown; monitoring is stopped first.
func (m *Manager) ForceCleanup() {
	m.StopMonitoring()

	m.mu.Lock()
	for id := range m.resources {
		m.untrackLocked(id)
	}
	m.samples = nil
	m.growthStreak = 0
	m.growthWarned = false
	hooks := m.hooks
	m.hooks = nil
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	m.logger.Info("forced cleanup completed", "shutdown_hooks", len(hooks))
}
