package blob

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/kv"
)

func newTestStore(t *testing.T, maxBytes int64) (*Store, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	s, err := New(mem, Config{MaxBytes: maxBytes})
	require.NoError(t, err)
	return s, mem
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 1024)
	ctx := context.Background()

	err := s.Put(ctx, "song-1", []byte("hello"), "text/plain")
	require.NoError(t, err)

	data, mime, err := s.Get(ctx, "song-1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, "text/plain", mime)
}

func TestPutRoundTripCompressed(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)
	ctx := context.Background()

	// Highly compressible payload above the compression threshold.
	payload := bytes.Repeat([]byte("la-la-la "), 1024)
	require.NoError(t, s.Put(ctx, "chart-1", payload, "application/pdf"))

	data, mime, err := s.Get(ctx, "chart-1")
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.Equal(t, "application/pdf", mime)

	// Quota accounting uses the uncompressed size.
	total, err := s.TotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), total)
}

func TestPutIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 1024)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "song-1", []byte("first"), "text/plain"))
	require.NoError(t, s.Put(ctx, "song-1", []byte("second"), "text/plain"))

	data, _, err := s.Get(ctx, "song-1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t, 1024)

	_, _, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, offlinecache.ErrNotFound)
}

func TestPutRejectsOversized(t *testing.T) {
	s, mem := newTestStore(t, 10)
	ctx := context.Background()

	err := s.Put(ctx, "big", []byte("0123456789A"), "text/plain")
	require.ErrorIs(t, err, offlinecache.ErrTooLarge)

	// No bytes, no index entry.
	_, err = mem.Get(ctx, fileKey("big"))
	require.ErrorIs(t, err, kv.ErrNotFound)
	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestQuotaInvariantAfterEveryPut(t *testing.T) {
	s, _ := newTestStore(t, 25)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		require.NoError(t, s.Put(ctx, id, bytes.Repeat([]byte("x"), 10), "text/plain"))

		total, err := s.TotalSize(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, total, int64(25))
	}
}

func TestEvictionIsStrictLRU(t *testing.T) {
	s, _ := newTestStore(t, 30)
	ctx := context.Background()

	clock := time.Unix(1000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	require.NoError(t, s.Put(ctx, "a", bytes.Repeat([]byte("x"), 10), "text/plain"))
	require.NoError(t, s.Put(ctx, "b", bytes.Repeat([]byte("x"), 10), "text/plain"))
	require.NoError(t, s.Put(ctx, "c", bytes.Repeat([]byte("x"), 10), "text/plain"))

	// Touch "a" so "b" becomes the least recently accessed.
	_, _, err := s.Get(ctx, "a")
	require.NoError(t, err)

	// Fourth put forces one eviction: "b" must go, "a" must stay.
	require.NoError(t, s.Put(ctx, "d", bytes.Repeat([]byte("x"), 10), "text/plain"))

	has, err := s.Has(ctx, "b")
	require.NoError(t, err)
	require.False(t, has)

	for _, id := range []string{"a", "c", "d"} {
		has, err := s.Has(ctx, id)
		require.NoError(t, err)
		require.True(t, has, "expected %q to survive", id)
	}
}

func TestEvictionTieBreakByInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t, 20)
	ctx := context.Background()

	// Frozen clock: every entry shares the same LastAccess.
	frozen := time.Unix(1000, 0)
	s.now = func() time.Time { return frozen }

	require.NoError(t, s.Put(ctx, "first", bytes.Repeat([]byte("x"), 10), "text/plain"))
	require.NoError(t, s.Put(ctx, "second", bytes.Repeat([]byte("x"), 10), "text/plain"))
	require.NoError(t, s.Put(ctx, "third", bytes.Repeat([]byte("x"), 10), "text/plain"))

	// The earliest-inserted entry loses the tie.
	has, err := s.Has(ctx, "first")
	require.NoError(t, err)
	require.False(t, has)

	has, err = s.Has(ctx, "second")
	require.NoError(t, err)
	require.True(t, has)
}

func TestRemoveDeletesBytesAndEntry(t *testing.T) {
	s, mem := newTestStore(t, 1024)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "song-1", []byte("hello"), "text/plain"))
	require.NoError(t, s.Remove(ctx, "song-1"))

	_, _, err := s.Get(ctx, "song-1")
	require.ErrorIs(t, err, offlinecache.ErrNotFound)

	_, err = mem.Get(ctx, fileKey("song-1"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	// Removing again is a no-op.
	require.NoError(t, s.Remove(ctx, "song-1"))
}

func TestGetDetectsCorruption(t *testing.T) {
	s, mem := newTestStore(t, 1024)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "song-1", []byte("hello"), "text/plain"))

	// Flip a byte in the stored body.
	framed, err := mem.Get(ctx, fileKey("song-1"))
	require.NoError(t, err)
	framed[len(framed)-1] ^= 0xFF
	require.NoError(t, mem.Set(ctx, fileKey("song-1"), framed))

	_, _, err = s.Get(ctx, "song-1")
	require.ErrorIs(t, err, offlinecache.ErrCorrupted)
}

func TestCorruptedIndexIsNotRepaired(t *testing.T) {
	s, mem := newTestStore(t, 1024)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "song-1", []byte("hello"), "text/plain"))
	require.NoError(t, mem.Set(ctx, IndexKey, []byte("{not json")))

	var serr *offlinecache.StorageError
	_, _, err := s.Get(ctx, "song-1")
	require.ErrorAs(t, err, &serr)

	// The damaged index is still there, untouched.
	raw, err := mem.Get(ctx, IndexKey)
	require.NoError(t, err)
	require.Equal(t, []byte("{not json"), raw)
}
