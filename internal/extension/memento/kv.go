package memento

import (
	"sync"
)

// KeyValueStore is the persistence backend for extension state.
// Values are opaque bytes grouped by namespace.
type KeyValueStore interface {
	Get(namespace, key string) ([]byte, bool, error)
	Set(namespace, key string, value []byte) error
	Delete(namespace, key string) error
}

// MemoryStore is a KeyValueStore kept in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Get implements KeyValueStore.
func (m *MemoryStore) Get(namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements KeyValueStore.
func (m *MemoryStore) Set(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KeyValueStore.
func (m *MemoryStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}
