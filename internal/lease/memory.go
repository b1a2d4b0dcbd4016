package lease

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	holder  string
	expires time.Time
}

// MemoryLocker keeps leases in process memory. It only excludes holders within one
// process and is meant for single-instance deployments and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker returns an empty in-process lease table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) Backend() string { return "memory" }

func (m *MemoryLocker) TryAcquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && e.holder != holder && now.Before(e.expires) {
		return false, nil
	}
	m.entries[key] = memoryEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Renew(_ context.Context, key, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.holder != holder || !now.Before(e.expires) {
		return ErrNotHeld
	}
	m.entries[key] = memoryEntry{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryLocker) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.holder == holder {
		delete(m.entries, key)
	}
	return nil
}
