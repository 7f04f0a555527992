package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Storage. It is the default backend when no
// persistent medium is configured.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory creates an empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{}
}

// Read returns a copy of the stored blob.
func (m *Memory) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out, nil
}

// Write stores a copy of data.
func (m *Memory) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.data = buf
	m.mu.Unlock()
	return nil
}
