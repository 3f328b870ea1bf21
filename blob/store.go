package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/kv"
)

// FilePrefix is the key prefix for cached file payloads.
const FilePrefix = "file:"

// Config configures a Store.
type Config struct {
	// MaxBytes is the byte budget for all cached payloads. Zero disables
	// quota enforcement.
	MaxBytes int64

	// Logger for eviction events.
	Logger *slog.Logger

	// Metrics instruments; nil disables metrics.
	Metrics *Metrics
}

// Store persists binary payloads and enforces the byte budget with strict
// LRU eviction. A single mutex serializes mutating calls; the quota
// invariant holds after every mutating operation.
type Store struct {
	kv       kv.Store
	codec    *Codec
	maxBytes int64
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	mu sync.Mutex
}

// New creates a blob store over the given key-value store.
func New(store kv.Store, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxDecompressed := cfg.MaxBytes
	if maxDecompressed == 0 {
		maxDecompressed = 1 << 31 // effectively unbounded
	}
	codec, err := NewCodec(maxDecompressed)
	if err != nil {
		return nil, err
	}
	return &Store{
		kv:       store,
		codec:    codec,
		maxBytes: cfg.MaxBytes,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

func fileKey(id string) string {
	return FilePrefix + id
}

// Put persists a payload under the given id. Storing an id that is already
// indexed is a no-op. Bytes are written before the index entry is appended
// so a crash never leaves an index entry without backing bytes. The quota
// is enforced before returning.
func (s *Store) Put(ctx context.Context, id string, data []byte, mime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return err
	}

	if ix.Find(id) != nil {
		return nil
	}

	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return fmt.Errorf("put %q (%d bytes): %w", id, len(data), offlinecache.ErrTooLarge)
	}

	framed, err := s.codec.Encode(mime, data)
	if err != nil {
		return fmt.Errorf("framing %q: %w", id, err)
	}

	// Bytes first, index second.
	if err := s.kv.Set(ctx, fileKey(id), framed); err != nil {
		return &offlinecache.StorageError{Op: "set", Key: fileKey(id), Err: err}
	}

	ix.Append(id, int64(len(data)), s.now())
	if err := saveIndex(ctx, s.kv, ix); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.putsTotal.Add(ctx, 1)
		s.metrics.cacheBytes.Record(ctx, ix.TotalSize())
	}

	return s.enforceQuota(ctx, ix)
}

// Get returns the payload and MIME type stored under the given id and
// refreshes its last access time. Returns offlinecache.ErrNotFound when
// the id is not cached.
func (s *Store) Get(ctx context.Context, id string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return nil, "", err
	}

	entry := ix.Find(id)
	if entry == nil {
		return nil, "", offlinecache.ErrNotFound
	}

	framed, err := s.kv.Get(ctx, fileKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, "", offlinecache.ErrNotFound
		}
		return nil, "", &offlinecache.StorageError{Op: "get", Key: fileKey(id), Err: err}
	}

	header, body, err := s.codec.Decode(framed)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %q: %w", id, err)
	}

	entry.LastAccess = s.now()
	if err := saveIndex(ctx, s.kv, ix); err != nil {
		return nil, "", err
	}

	return body, header.ContentType, nil
}

// Has reports whether the given id is indexed.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return false, err
	}
	return ix.Find(id) != nil, nil
}

// Remove deletes the payload and its index entry. Removing an id that is
// not cached is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return err
	}

	if !ix.Remove(id) {
		return nil
	}

	// Index entry first, bytes second: a crash in between leaves orphan
	// bytes, never an index entry without backing bytes.
	if err := saveIndex(ctx, s.kv, ix); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, fileKey(id)); err != nil {
		return &offlinecache.StorageError{Op: "delete", Key: fileKey(id), Err: err}
	}

	if s.metrics != nil {
		s.metrics.cacheBytes.Record(ctx, ix.TotalSize())
	}
	return nil
}

// TotalSize returns the sum of all indexed payload sizes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return 0, err
	}
	return ix.TotalSize(), nil
}

// Entries returns a snapshot of the quota index entries.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ix, err := loadIndex(ctx, s.kv)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), ix.Entries...), nil
}

// enforceQuota evicts the least-recently-accessed entry, one at a time,
// until the index is within budget or empty. The index is persisted after
// every eviction so the invariant survives a crash mid-loop.
func (s *Store) enforceQuota(ctx context.Context, ix *Index) error {
	if s.maxBytes <= 0 {
		return nil
	}

	for ix.TotalSize() > s.maxBytes && len(ix.Entries) > 0 {
		victim := ix.Oldest()
		id, size := victim.ID, victim.Size

		ix.Remove(id)
		if err := saveIndex(ctx, s.kv, ix); err != nil {
			return err
		}
		if err := s.kv.Delete(ctx, fileKey(id)); err != nil {
			return &offlinecache.StorageError{Op: "delete", Key: fileKey(id), Err: err}
		}

		s.logger.Debug("evicted cached file",
			"id", id,
			"size", size,
			"total", ix.TotalSize(),
			"budget", s.maxBytes,
		)

		if s.metrics != nil {
			s.metrics.evictionsTotal.Add(ctx, 1)
			s.metrics.evictionBytesTotal.Add(ctx, size)
			s.metrics.cacheBytes.Record(ctx, ix.TotalSize())
		}
	}
	return nil
}
