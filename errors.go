package offlinecache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key, record or cached file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTooLarge is returned when a payload exceeds the cache byte budget.
	// File caching reports the item as "not cached" instead of surfacing this
	// as a hard failure.
	ErrTooLarge = errors.New("payload exceeds cache budget")

	// ErrCorrupted is returned when a cached payload fails checksum
	// verification on read.
	ErrCorrupted = errors.New("payload checksum mismatch")
)

// StorageError wraps a persistent key-value store failure.
type StorageError struct {
	Op  string // operation: get, set, delete, keys
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError wraps a fetch or proxy failure. Body carries the upstream
// failure body verbatim when one was received.
type NetworkError struct {
	URL    string
	Status int
	Body   []byte
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }
