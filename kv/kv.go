// Package kv provides persistent key-value storage for the offline cache.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the interface for persistent key-value engines.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value at the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the value at the given key.
	// If the key already exists, it is overwritten.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
