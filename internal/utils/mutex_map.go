package utils

import (
	"fmt"
	"sync"
)

type mutexEntry struct {
	mu      sync.Mutex
	waiters int
}

// MutexMap provides per-key locking. Entries are dropped once the last holder
// releases them, so the map only grows with the number of keys under
// contention. The size bound protects against unbounded key churn.
type MutexMap struct {
	edit    sync.Mutex
	entries map[string]*mutexEntry
	maxSize int
}

func NewMutexMap(maxSize int) MutexMap {
	return MutexMap{
		entries: make(map[string]*mutexEntry),
		maxSize: maxSize,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()

	entry := m.entries[key]
	if entry == nil {
		if len(m.entries) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("max size reached")
		}
		entry = &mutexEntry{}
		m.entries[key] = entry
	}
	entry.waiters++

	m.edit.Unlock()

	entry.mu.Lock()

	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	entry := m.entries[key]
	if entry == nil {
		return fmt.Errorf("key %s not found", key)
	}

	entry.mu.Unlock()
	entry.waiters--

	if entry.waiters == 0 {
		delete(m.entries, key)
	}

	return nil
}
