package snapshot

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with TTL expiry. It backs tests and
// serves as the degraded fallback when the Redis cache is unavailable at
// startup: sessions stay listable for the life of the process, but nothing
// survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time // injectable clock for testing
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		nowFn:   time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (m *MemoryStore) SetClock(nowFn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = nowFn
}

func (m *MemoryStore) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[snap.SessionID] = memoryEntry{
		snap:      snap,
		expiresAt: m.nowFn().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok || m.nowFn().After(e.expiresAt) {
		return Snapshot{}, false, nil
	}
	return e.snap, true, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.nowFn()
	var out []Snapshot
	for _, e := range m.entries {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.snap)
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
