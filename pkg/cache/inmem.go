package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	runID     string
	expiresAt time.Time
}

// Memory is the in-process cache. Expiry is checked lazily on read.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(ctx context.Context, key Key) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key.String()]
	if !ok {
		return "", nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.entries, key.String())
		return "", nil
	}
	return entry.runID, nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key Key, runID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	if entry, ok := m.entries[k]; ok {
		if entry.expiresAt.IsZero() || m.now().Before(entry.expiresAt) {
			return false, nil
		}
	}
	entry := memoryEntry{runID: runID}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[k] = entry
	return true, nil
}
