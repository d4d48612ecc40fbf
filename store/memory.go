package store

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a thread-safe in-process Store. Expired entries are
// reclaimed lazily on access, not by a background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowTime func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowTime: time.Now,
	}
}

// WithNowTime overrides the clock (primarily for testing).
func (m *MemoryStore) WithNowTime(nowFunc func() time.Time) *MemoryStore {
	m.nowTime = nowFunc
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if entry.expired(m.nowTime()) {
		delete(m.entries, key)
		return nil, ErrKeyNotFound
	}

	// Copy to prevent external modifications
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = m.newEntry(value, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) CompareAndSet(_ context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if ok && entry.expired(m.nowTime()) {
		delete(m.entries, key)
		ok = false
	}

	if old == nil {
		if ok {
			return false, nil
		}
		m.entries[key] = m.newEntry(new, ttl)
		return true, nil
	}

	if !ok || !bytes.Equal(entry.value, old) {
		return false, nil
	}
	m.entries[key] = m.newEntry(new, ttl)
	return true, nil
}

func (m *MemoryStore) newEntry(value []byte, ttl time.Duration) memoryEntry {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.nowTime().Add(ttl)
	}
	return entry
}
