package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryAdapter is a map-backed Adapter for tests and ephemeral engines.
type MemoryAdapter struct {
	mu   sync.RWMutex
	data map[string]Envelope
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{data: make(map[string]Envelope)}
}

// Save stores the envelope under key.
func (m *MemoryAdapter) Save(key string, envelope Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = envelope
	return nil
}

// Load returns the envelope for key, or nil if absent.
func (m *MemoryAdapter) Load(key string) (*Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	envelope, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	clone := envelope
	clone.State = append([]byte(nil), envelope.State...)
	return &clone, nil
}

// Delete removes key, reporting whether it existed.
func (m *MemoryAdapter) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

// Exists reports whether key is present.
func (m *MemoryAdapter) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// ListKeys returns all keys with the given prefix, sorted.
func (m *MemoryAdapter) ListKeys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (m *MemoryAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
