package persistence

import (
	"context"
	"sync"
)

// MemoryBackend is the default, non-durable Backend: a namespaced
// in-memory byte store. It exists for tests and single-process runs
// where losing state on restart is acceptable; it is not the
// crash-safe backend spec §6 describes for production.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[Namespace]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: map[Namespace]map[string][]byte{}}
}

func (m *MemoryBackend) Put(_ context.Context, ns Namespace, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[ns]
	if !ok {
		bucket = map[string][]byte{}
		m.data[ns] = bucket
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	bucket[id] = cp
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, ns Namespace, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[ns]
	if !ok {
		return nil, false, nil
	}
	data, ok := bucket[id]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (m *MemoryBackend) List(_ context.Context, ns Namespace) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[ns]
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	return out, nil
}

func (m *MemoryBackend) Delete(_ context.Context, ns Namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[ns]
	if !ok {
		return nil
	}
	delete(bucket, id)
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
