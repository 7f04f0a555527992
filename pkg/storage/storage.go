// Package storage provides the persistence backends for the credential cache
// and the pending authorization store.
//
// A Storage holds one opaque blob. The cache serializes its whole contents on
// every committed write and reads it back on load, so backends never need to
// understand the cache format. Backends that can observe writes made by other
// processes also implement Watcher, which lets the cache reload when the
// shared blob changes underneath it.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates nothing has been written to the storage yet.
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed indicates the storage has been closed.
	ErrClosed = errors.New("storage: closed")
)

// Storage persists a single serialized blob.
type Storage interface {
	// Read returns the last written blob, or ErrNotFound when empty.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the stored blob. Write must be durable when it returns.
	Write(ctx context.Context, data []byte) error
}

// Watcher is implemented by storages that can report changes made outside
// the current process. onChange is invoked after each external change until
// ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
