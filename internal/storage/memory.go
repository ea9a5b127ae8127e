package storage

import (
	"context"
	"sync"
)

// MemoryBackend is a process-local Backend used by tests and the
// "memory" data backend.
type MemoryBackend struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.docs[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.docs[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.docs[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Update holds the backend lock across fn. A nil result from fn leaves the
// document as is.
func (m *MemoryBackend) Update(_ context.Context, namespace, key string, fn func(current []byte, found bool) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[namespace][key]
	next, err := fn(append([]byte(nil), cur...), ok)
	if err != nil || next == nil {
		return err
	}
	ns, exists := m.docs[namespace]
	if !exists {
		ns = make(map[string][]byte)
		m.docs[namespace] = ns
	}
	ns[key] = append([]byte(nil), next...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[namespace], key)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
