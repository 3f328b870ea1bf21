package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	bolt := NewBolt(WithNoSync(true))
	require.NoError(t, bolt.Open(filepath.Join(t.TempDir(), "kv.db")))
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"filesystem": fs,
		"bolt":       bolt,
		"memory":     NewMemory(),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Set(ctx, "cache-index", []byte(`{"entries":[]}`))
			require.NoError(t, err)

			got, err := store.Get(ctx, "cache-index")
			require.NoError(t, err)
			require.Equal(t, []byte(`{"entries":[]}`), got)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreOverwrite(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "k", []byte("one")))
			require.NoError(t, store.Set(ctx, "k", []byte("two")))

			got, err := store.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("two"), got)
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "k", []byte("v")))
			require.NoError(t, store.Delete(ctx, "k"))

			_, err := store.Get(ctx, "k")
			require.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is not an error
			require.NoError(t, store.Delete(ctx, "k"))
		})
	}
}

func TestStoreKeysByPrefix(t *testing.T) {
	ctx := context.Background()

	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Set(ctx, "file:song-1", []byte("a")))
			require.NoError(t, store.Set(ctx, "file:song-2", []byte("b")))
			require.NoError(t, store.Set(ctx, "cached-content", []byte("c")))

			keys, err := store.Keys(ctx, "file:")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"file:song-1", "file:song-2"}, keys)
		})
	}
}

func TestFilesystemKeyEscaping(t *testing.T) {
	ctx := context.Background()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	// Keys with separators and dots must not escape the root.
	key := "file:../../etc/passwd"
	require.NoError(t, fs.Set(ctx, key, []byte("payload")))

	got, err := fs.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)

	keys, err := fs.Keys(ctx, "file:")
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}
