package content

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/blob"
	"github.com/gigbook/offline-cache/kv"
)

// fakeFetcher serves canned responses and records how each body was used.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*cannedResponse
	fetches   map[string]int
}

type cannedResponse struct {
	data        []byte
	declaredLen int64 // -1 for unknown
	contentType string
	err         error

	bytesRead int
	closed    bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]*cannedResponse),
		fetches:   make(map[string]int),
	}
}

func (f *fakeFetcher) serve(url string, resp *cannedResponse) {
	f.responses[url] = resp
}

func (f *fakeFetcher) Fetch(ctx context.Context, fileURL string) (*FetchResult, error) {
	f.mu.Lock()
	f.fetches[fileURL]++
	resp, ok := f.responses[fileURL]
	f.mu.Unlock()

	if !ok {
		return nil, &offlinecache.NetworkError{URL: fileURL, Status: 404}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return &FetchResult{
		Body:          &trackingBody{resp: resp, r: bytes.NewReader(resp.data)},
		ContentLength: resp.declaredLen,
		ContentType:   resp.contentType,
	}, nil
}

type trackingBody struct {
	resp *cannedResponse
	r    *bytes.Reader
}

func (b *trackingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.resp.bytesRead += n
	return n, err
}

func (b *trackingBody) Close() error {
	b.resp.closed = true
	return nil
}

func newTestCache(t *testing.T, maxBytes int64, fetcher Fetcher, cfg Config) *Cache {
	t.Helper()
	mem := kv.NewMemory()
	blobs, err := blob.New(mem, blob.Config{MaxBytes: maxBytes})
	require.NoError(t, err)
	cfg.MaxObjectBytes = maxBytes
	return New(mem, blobs, fetcher, cfg)
}

func TestSaveMetadataMergesByID(t *testing.T) {
	c := newTestCache(t, 1024, newFakeFetcher(), Config{})
	ctx := context.Background()

	require.NoError(t, c.SaveMetadata(ctx, []Record{{"id": "1", "title": "A"}}))
	require.NoError(t, c.SaveMetadata(ctx, []Record{{"id": "2", "title": "B"}}))

	records, err := c.Metadata(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Replacing by id keeps the count at 2.
	require.NoError(t, c.SaveMetadata(ctx, []Record{{"id": "1", "title": "A2"}}))
	records, err = c.Metadata(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "A2", records[0]["title"])
}

func TestMetadataEmptyWhenNothingCached(t *testing.T) {
	c := newTestCache(t, 1024, newFakeFetcher(), Config{})

	records, err := c.Metadata(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestCacheFilesRoundTrip(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.txt", &cannedResponse{
		data:        []byte("hello"),
		declaredLen: 5,
		contentType: "text/plain",
	})
	c := newTestCache(t, 1024, f, Config{})
	ctx := context.Background()

	results, err := c.CacheFiles(ctx, []Item{{ID: "1", FileURL: "https://x/a.txt"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Cached)

	ref, err := c.FileURL(ctx, "1")
	require.NoError(t, err)
	require.True(t, ref.Inline())

	// Decode the inline data URL back to the original bytes.
	url := ref.URL()
	require.True(t, strings.HasPrefix(url, "data:text/plain;base64,"))
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, "data:text/plain;base64,"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), decoded)
}

func TestCacheFilesIdempotent(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.txt", &cannedResponse{data: []byte("hello"), declaredLen: 5})
	c := newTestCache(t, 1024, f, Config{})
	ctx := context.Background()

	items := []Item{{ID: "1", FileURL: "https://x/a.txt"}}
	_, err := c.CacheFiles(ctx, items)
	require.NoError(t, err)
	_, err = c.CacheFiles(ctx, items)
	require.NoError(t, err)

	require.Equal(t, 1, f.fetches["https://x/a.txt"])
}

func TestCacheFilesOversizedDeclaredLengthCancelsStream(t *testing.T) {
	f := newFakeFetcher()
	resp := &cannedResponse{
		data:        bytes.Repeat([]byte("x"), 200),
		declaredLen: 101, // budget + 1
	}
	f.serve("https://x/huge.bin", resp)
	c := newTestCache(t, 100, f, Config{})
	ctx := context.Background()

	results, err := c.CacheFiles(ctx, []Item{{ID: "huge", FileURL: "https://x/huge.bin"}})
	require.NoError(t, err) // quota rejection is not a batch error
	require.Len(t, results, 1)
	require.False(t, results[0].Cached)
	require.ErrorIs(t, results[0].Err, offlinecache.ErrTooLarge)

	// The body was closed without buffering a single byte.
	require.True(t, resp.closed)
	require.Zero(t, resp.bytesRead)

	_, err = c.FileURL(ctx, "huge")
	require.ErrorIs(t, err, offlinecache.ErrNotFound)
}

func TestCacheFilesUnknownLengthOverBudget(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/stream.bin", &cannedResponse{
		data:        bytes.Repeat([]byte("x"), 150),
		declaredLen: -1,
	})
	c := newTestCache(t, 100, f, Config{})
	ctx := context.Background()

	results, err := c.CacheFiles(ctx, []Item{{ID: "s", FileURL: "https://x/stream.bin"}})
	require.NoError(t, err)
	require.False(t, results[0].Cached)
	require.ErrorIs(t, results[0].Err, offlinecache.ErrTooLarge)

	has, err := c.blobs.Has(ctx, "s")
	require.NoError(t, err)
	require.False(t, has)
}

func TestCacheFilesIsolatesPerItemFailures(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.txt", &cannedResponse{data: []byte("aaa"), declaredLen: 3})
	f.serve("https://x/b.txt", &cannedResponse{err: &offlinecache.NetworkError{URL: "https://x/b.txt", Status: 502, Body: []byte("proxy down")}})
	f.serve("https://x/c.txt", &cannedResponse{data: []byte("ccc"), declaredLen: 3})

	var events []offlinecache.Event
	c := newTestCache(t, 1024, f, Config{
		Notifier: offlinecache.NotifierFunc(func(e offlinecache.Event) { events = append(events, e) }),
	})
	ctx := context.Background()

	results, err := c.CacheFiles(ctx, []Item{
		{ID: "a", FileURL: "https://x/a.txt"},
		{ID: "b", FileURL: "https://x/b.txt"},
		{ID: "c", FileURL: "https://x/c.txt"},
	})
	require.Error(t, err)

	require.True(t, results[0].Cached)
	require.False(t, results[1].Cached)
	require.True(t, results[2].Cached)

	var nerr *offlinecache.NetworkError
	require.ErrorAs(t, results[1].Err, &nerr)
	require.Equal(t, []byte("proxy down"), nerr.Body)

	require.Len(t, events, 1)
	require.Equal(t, offlinecache.EventCacheError, events[0].Type)
	require.Equal(t, "b", events[0].ID)
}

func TestCacheFilesDefaultsMIME(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.bin", &cannedResponse{data: []byte("raw"), declaredLen: 3})
	c := newTestCache(t, 1024, f, Config{})
	ctx := context.Background()

	_, err := c.CacheFiles(ctx, []Item{{ID: "1", FileURL: "https://x/a.bin"}})
	require.NoError(t, err)

	ref, err := c.FileURL(ctx, "1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref.URL(), "data:application/octet-stream;base64,"))
}

func TestRemoveContent(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.txt", &cannedResponse{data: []byte("hello"), declaredLen: 5})
	c := newTestCache(t, 1024, f, Config{})
	ctx := context.Background()

	require.NoError(t, c.SaveMetadata(ctx, []Record{{"id": "1", "title": "A"}, {"id": "2", "title": "B"}}))
	_, err := c.CacheFiles(ctx, []Item{{ID: "1", FileURL: "https://x/a.txt"}})
	require.NoError(t, err)

	require.NoError(t, c.RemoveContent(ctx, "1"))

	records, err := c.Metadata(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "2", records[0].ID())

	_, err = c.FileURL(ctx, "1")
	require.ErrorIs(t, err, offlinecache.ErrNotFound)
}

func TestFileURLWithHandleProvider(t *testing.T) {
	f := newFakeFetcher()
	f.serve("https://x/a.txt", &cannedResponse{data: []byte("hello"), declaredLen: 5, contentType: "text/plain"})

	provider := NewTempFileProvider(t.TempDir())
	c := newTestCache(t, 1024, f, Config{Provider: provider})
	ctx := context.Background()

	_, err := c.CacheFiles(ctx, []Item{{ID: "1", FileURL: "https://x/a.txt"}})
	require.NoError(t, err)

	ref, err := c.FileURL(ctx, "1")
	require.NoError(t, err)
	require.False(t, ref.Inline())
	require.True(t, strings.HasPrefix(ref.URL(), "file://"))

	path := strings.TrimPrefix(ref.URL(), "file://")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	require.NoError(t, ref.Release())
	_, err = os.ReadFile(path)
	require.Error(t, err)

	// Double release is safe.
	require.NoError(t, ref.Release())
}
