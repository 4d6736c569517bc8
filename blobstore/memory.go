package blobstore

import (
	"context"
	"sync"

	"github.com/c360/docrelay/errors"
)

// Memory is an in-process Store used by tests and the memory storage mode.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Save stores a copy of data under a fresh randomized handle.
func (m *Memory) Save(_ context.Context, data []byte, hint string) (string, error) {
	handle := NewHandle(hint)

	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.blobs[handle] = buf
	m.mu.Unlock()

	return handle, nil
}

// Get returns a copy of the payload for handle.
func (m *Memory) Get(_ context.Context, handle string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[handle]
	m.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Memory", "Get", "blob "+handle)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Size returns the stored length for handle.
func (m *Memory) Size(_ context.Context, handle string) (int64, error) {
	m.mu.RLock()
	data, ok := m.blobs[handle]
	m.mu.RUnlock()

	if !ok {
		return 0, errors.WrapInvalid(errors.ErrNotFound, "Memory", "Size", "blob "+handle)
	}
	return int64(len(data)), nil
}

// Delete removes the payload for handle. Unknown handles are a no-op.
func (m *Memory) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	delete(m.blobs, handle)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored blobs. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
