package blob

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	offlinecache "github.com/gigbook/offline-cache"
	"github.com/gigbook/offline-cache/kv"
)

// IndexKey is the well-known key holding the quota index.
const IndexKey = "cache-index"

// Entry tracks one cached file for quota accounting.
type Entry struct {
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	// Seq is the insertion order, used as the stable tie-break when two
	// entries share the same LastAccess.
	Seq uint64 `json:"seq"`
}

// Index is the persisted quota index. The invariant after every mutating
// store operation: the sum of entry sizes never exceeds the byte budget.
type Index struct {
	NextSeq uint64  `json:"next_seq"`
	Entries []Entry `json:"entries"`
}

// TotalSize returns the sum of all entry sizes.
func (ix *Index) TotalSize() int64 {
	var total int64
	for _, e := range ix.Entries {
		total += e.Size
	}
	return total
}

// Find returns a pointer to the entry with the given id, or nil.
func (ix *Index) Find(id string) *Entry {
	for i := range ix.Entries {
		if ix.Entries[i].ID == id {
			return &ix.Entries[i]
		}
	}
	return nil
}

// Append adds a new entry, assigning the next insertion sequence.
func (ix *Index) Append(id string, size int64, now time.Time) {
	ix.Entries = append(ix.Entries, Entry{
		ID:         id,
		Size:       size,
		LastAccess: now,
		Seq:        ix.NextSeq,
	})
	ix.NextSeq++
}

// Remove deletes the entry with the given id, preserving order.
func (ix *Index) Remove(id string) bool {
	for i := range ix.Entries {
		if ix.Entries[i].ID == id {
			ix.Entries = append(ix.Entries[:i], ix.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Oldest returns the entry with the smallest LastAccess; ties are broken by
// insertion order. Returns nil when the index is empty.
func (ix *Index) Oldest() *Entry {
	var oldest *Entry
	for i := range ix.Entries {
		e := &ix.Entries[i]
		if oldest == nil ||
			e.LastAccess.Before(oldest.LastAccess) ||
			(e.LastAccess.Equal(oldest.LastAccess) && e.Seq < oldest.Seq) {
			oldest = e
		}
	}
	return oldest
}

// loadIndex reads the quota index from the store. A missing index is an
// empty index; a corrupted index is surfaced as a StorageError and is
// deliberately not auto-repaired.
func loadIndex(ctx context.Context, store kv.Store) (*Index, error) {
	data, err := store.Get(ctx, IndexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &Index{}, nil
		}
		return nil, &offlinecache.StorageError{Op: "get", Key: IndexKey, Err: err}
	}

	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, &offlinecache.StorageError{Op: "get", Key: IndexKey, Err: err}
	}
	return &ix, nil
}

// saveIndex persists the quota index.
func saveIndex(ctx context.Context, store kv.Store, ix *Index) error {
	data, err := json.Marshal(ix)
	if err != nil {
		return &offlinecache.StorageError{Op: "set", Key: IndexKey, Err: err}
	}
	if err := store.Set(ctx, IndexKey, data); err != nil {
		return &offlinecache.StorageError{Op: "set", Key: IndexKey, Err: err}
	}
	return nil
}
