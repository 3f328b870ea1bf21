// Package content caches content metadata and mirrors remote files for
// offline playback.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/blob"
	"github.com/gigbook/offline-cache/kv"
)

// MetadataKey is the well-known key holding the cached content records.
const MetadataKey = "cached-content"

// DefaultMIME is used when the upstream reports no Content-Type.
const DefaultMIME = "application/octet-stream"

// Record is one cached content record: arbitrary JSON keyed by "id".
type Record map[string]any

// ID returns the record's id field, or "" when absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Item names a piece of content with a remote file to mirror.
type Item struct {
	ID      string `json:"id"`
	FileURL string `json:"file_url"`
}

// ItemResult reports the outcome of caching one item. A quota rejection is
// reported as not cached with Err set to offlinecache.ErrTooLarge; it is
// never part of the batch error.
type ItemResult struct {
	ID     string
	Cached bool
	Err    error
}

// Config configures a Cache.
type Config struct {
	// MaxObjectBytes is the per-object admission ceiling. Items whose
	// declared or actual length exceeds it are recorded as unavailable
	// offline. Usually equal to the cache byte budget.
	MaxObjectBytes int64

	// Provider issues transient file handles. Nil falls back to inline
	// base64 data URLs.
	Provider HandleProvider

	// Notifier receives cache-error events. Nil discards them.
	Notifier offlinecache.Notifier

	// Logger for per-item caching outcomes.
	Logger *slog.Logger

	// Metrics instruments; nil disables metrics.
	Metrics *Metrics
}

// Cache caches content metadata and mirrors remote files into the blob
// store. Metadata records form a set de-duplicated by id.
type Cache struct {
	kv       kv.Store
	blobs    *blob.Store
	fetcher  Fetcher
	provider HandleProvider
	notifier offlinecache.Notifier
	logger   *slog.Logger
	metrics  *Metrics
	maxBytes int64

	// mu serializes metadata read-modify-write cycles.
	mu sync.Mutex
}

// New creates a content cache.
func New(store kv.Store, blobs *blob.Store, fetcher Fetcher, cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = offlinecache.NopNotifier{}
	}
	return &Cache{
		kv:       store,
		blobs:    blobs,
		fetcher:  fetcher,
		provider: cfg.Provider,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		maxBytes: cfg.MaxObjectBytes,
	}
}

// Metadata returns all cached content records. Returns an empty slice when
// nothing is cached.
func (c *Cache) Metadata(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadMetadata(ctx)
}

// SaveMetadata merges records into the cached set by id: records matching
// an existing id replace it in place, the rest are appended in order.
func (c *Cache) SaveMetadata(ctx context.Context, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.loadMetadata(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		id := rec.ID()
		replaced := false
		for i := range existing {
			if id != "" && existing[i].ID() == id {
				existing[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, rec)
		}
	}

	return c.saveMetadata(ctx, existing)
}

// CacheFiles mirrors each item's remote file into the blob store. Items
// already cached are skipped without a fetch. Failures are isolated per
// item: the batch continues and the joined error carries every hard
// failure. Oversized items are reported as not cached, not failed.
func (c *Cache) CacheFiles(ctx context.Context, items []Item) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(items))
	var errs []error

	for _, item := range items {
		if item.ID == "" || item.FileURL == "" {
			continue
		}

		cached, err := c.cacheOne(ctx, item)
		result := ItemResult{ID: item.ID, Cached: cached, Err: err}
		results = append(results, result)

		if err != nil && !errors.Is(err, offlinecache.ErrTooLarge) {
			errs = append(errs, fmt.Errorf("caching %q: %w", item.ID, err))
			c.notifier.Notify(offlinecache.Event{
				Type: offlinecache.EventCacheError,
				ID:   item.ID,
				Err:  err,
				Time: time.Now(),
			})
			if c.metrics != nil {
				c.metrics.fetchFailuresTotal.Add(ctx, 1)
			}
			c.logger.Warn("failed to cache file", "id", item.ID, "url", item.FileURL, "error", err)
		}
	}

	return results, errors.Join(errs...)
}

// cacheOne mirrors a single item. Returns (false, ErrTooLarge) for quota
// rejection, (false, err) for network/storage failure, (true, nil) when the
// file is available offline after the call.
func (c *Cache) cacheOne(ctx context.Context, item Item) (bool, error) {
	has, err := c.blobs.Has(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if has {
		return true, nil
	}

	res, err := c.fetcher.Fetch(ctx, item.FileURL)
	if err != nil {
		return false, err
	}
	defer func() { _ = res.Body.Close() }()

	// Probe the declared length before buffering anything: an oversized
	// declaration cancels the body stream immediately.
	if c.maxBytes > 0 && res.ContentLength > c.maxBytes {
		if c.metrics != nil {
			c.metrics.quotaRejectedTotal.Add(ctx, 1)
		}
		c.logger.Info("file exceeds cache budget, not cached",
			"id", item.ID,
			"declared_length", res.ContentLength,
			"budget", c.maxBytes,
		)
		return false, offlinecache.ErrTooLarge
	}

	// Absent Content-Length forces a capped buffered read instead of a
	// pre-download rejection.
	reader := io.Reader(res.Body)
	if c.maxBytes > 0 {
		reader = io.LimitReader(res.Body, c.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return false, &offlinecache.NetworkError{URL: item.FileURL, Err: err}
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		if c.metrics != nil {
			c.metrics.quotaRejectedTotal.Add(ctx, 1)
		}
		return false, offlinecache.ErrTooLarge
	}

	mime := res.ContentType
	if mime == "" {
		mime = DefaultMIME
	}

	if err := c.blobs.Put(ctx, item.ID, data, mime); err != nil {
		return false, err
	}

	if c.metrics != nil {
		c.metrics.filesCachedTotal.Add(ctx, 1)
		c.metrics.fileBytesTotal.Add(ctx, int64(len(data)))
	}
	return true, nil
}

// FileURL returns a locally resolvable reference to the cached file for the
// given id, refreshing its recency. Returns offlinecache.ErrNotFound when
// the id is not cached offline.
func (c *Cache) FileURL(ctx context.Context, id string) (*FileRef, error) {
	data, mime, err := c.blobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.provider != nil {
		url, release, err := c.provider.Handle(id, data, mime)
		if err == nil {
			return &FileRef{url: url, release: release}, nil
		}
		// Handle provider failure degrades to the inline encoding.
		c.logger.Debug("handle provider failed, falling back to inline", "id", id, "error", err)
	}
	return InlineRef(data, mime), nil
}

// RemoveContent deletes the metadata record and the cached file for the
// given id.
func (c *Cache) RemoveContent(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// File first: once the blob is gone FileURL reports absent, and a
	// failure below leaves the metadata intact for a retry.
	if err := c.blobs.Remove(ctx, id); err != nil {
		return err
	}

	records, err := c.loadMetadata(ctx)
	if err != nil {
		return err
	}

	filtered := records[:0]
	for _, rec := range records {
		if rec.ID() != id {
			filtered = append(filtered, rec)
		}
	}
	if len(filtered) == len(records) {
		return nil
	}
	return c.saveMetadata(ctx, filtered)
}

func (c *Cache) loadMetadata(ctx context.Context) ([]Record, error) {
	data, err := c.kv.Get(ctx, MetadataKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return []Record{}, nil
		}
		return nil, &offlinecache.StorageError{Op: "get", Key: MetadataKey, Err: err}
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &offlinecache.StorageError{Op: "get", Key: MetadataKey, Err: err}
	}
	return records, nil
}

func (c *Cache) saveMetadata(ctx context.Context, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return &offlinecache.StorageError{Op: "set", Key: MetadataKey, Err: err}
	}
	if err := c.kv.Set(ctx, MetadataKey, data); err != nil {
		return &offlinecache.StorageError{Op: "set", Key: MetadataKey, Err: err}
	}
	return nil
}
