// Package queue persists and replays write operations issued while offline.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/kv"
)

// QueueKey is the well-known key holding the persisted mutation list.
const QueueKey = "mutation-queue"

// Item is one queued write mutation. FIFO ordering; an item is removed only
// after a confirmed successful replay.
type Item struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"` // POST, PUT or DELETE
	URL        string            `json:"url"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Doer executes a replayed request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Queue.
type Config struct {
	// Client executes replayed mutations. Nil uses http.DefaultClient.
	Client Doer

	// Notifier receives sync-completion events. Nil discards them.
	Notifier offlinecache.Notifier

	// Logger for replay outcomes.
	Logger *slog.Logger

	// Metrics instruments; nil disables metrics.
	Metrics *Metrics
}

// DrainResult reports one full pass over the queue.
type DrainResult struct {
	Replayed  int
	Remaining int
}

// Queue is a durable FIFO of write mutations. Replay is at-least-once: the
// remaining list is persisted once per drain pass, so a crash mid-pass can
// replay already-succeeded items on the next drain.
type Queue struct {
	kv       kv.Store
	client   Doer
	notifier offlinecache.Notifier
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	// mu serializes queue read-modify-write cycles.
	mu sync.Mutex
	// draining guards against overlapping drain passes.
	draining bool
}

// New creates a mutation queue over the given key-value store.
func New(store kv.Store, cfg Config) *Queue {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Notifier == nil {
		cfg.Notifier = offlinecache.NopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		kv:       store,
		client:   cfg.Client,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// Enqueue appends a mutation to the persisted list. A missing ID is
// assigned; EnqueuedAt is stamped.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.EnqueuedAt = q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return err
	}
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		return err
	}

	if q.metrics != nil {
		q.metrics.enqueuedTotal.Add(ctx, 1)
		q.metrics.depth.Record(ctx, int64(len(items)))
	}
	return nil
}

// Len returns the number of queued mutations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Items returns a snapshot of the queued mutations in FIFO order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Drain performs one full pass over the queue: each item is executed in
// order, removed on success and retained on failure. The remaining list is
// persisted once at the end of the pass. Replay failures are swallowed and
// retried on a later drain. A drain that starts while another is in flight
// is a no-op. Enqueues racing an in-flight drain are not guaranteed
// inclusion in that pass.
func (q *Queue) Drain(ctx context.Context) (*DrainResult, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return &DrainResult{}, nil
	}
	q.draining = true

	items, err := q.load(ctx)
	if err != nil {
		q.draining = false
		q.mu.Unlock()
		return nil, err
	}
	q.mu.Unlock()

	var remaining []Item
	replayed := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			// Cancelled mid-pass: keep everything not yet replayed.
			remaining = append(remaining, item)
			continue
		}

		if err := q.replay(ctx, item); err != nil {
			q.logger.Warn("mutation replay failed, retained for next drain",
				"id", item.ID,
				"method", item.Method,
				"url", item.URL,
				"error", err,
			)
			if q.metrics != nil {
				q.metrics.replayFailuresTotal.Add(ctx, 1)
			}
			remaining = append(remaining, item)
			continue
		}

		replayed++
		if q.metrics != nil {
			q.metrics.replayedTotal.Add(ctx, 1)
		}
	}

	q.mu.Lock()
	defer func() {
		q.draining = false
		q.mu.Unlock()
	}()

	// Preserve items enqueued while the pass ran.
	current, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(current) > len(items) {
		remaining = append(remaining, current[len(items):]...)
	}

	if err := q.save(ctx, remaining); err != nil {
		return nil, err
	}

	result := &DrainResult{Replayed: replayed, Remaining: len(remaining)}

	if q.metrics != nil {
		q.metrics.drainsTotal.Add(ctx, 1)
		q.metrics.depth.Record(ctx, int64(len(remaining)))
	}
	q.notifier.Notify(offlinecache.Event{
		Type:      offlinecache.EventSyncComplete,
		Replayed:  result.Replayed,
		Remaining: result.Remaining,
		Time:      q.now(),
	})
	q.logger.Info("queue drain completed", "replayed", result.Replayed, "remaining", result.Remaining)

	return result, nil
}

// replay executes one item against the network. Any status outside 2xx is
// a failure.
func (q *Queue) replay(ctx context.Context, item Item) error {
	var body *bytes.Reader
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	if len(item.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return &offlinecache.NetworkError{URL: item.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &offlinecache.NetworkError{URL: item.URL, Status: resp.StatusCode}
	}
	return nil
}

func (q *Queue) load(ctx context.Context) ([]Item, error) {
	data, err := q.kv.Get(ctx, QueueKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, &offlinecache.StorageError{Op: "get", Key: QueueKey, Err: err}
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &offlinecache.StorageError{Op: "get", Key: QueueKey, Err: err}
	}
	return items, nil
}

func (q *Queue) save(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return &offlinecache.StorageError{Op: "set", Key: QueueKey, Err: err}
	}
	if err := q.kv.Set(ctx, QueueKey, data); err != nil {
		return &offlinecache.StorageError{Op: "set", Key: QueueKey, Err: err}
	}
	return nil
}
