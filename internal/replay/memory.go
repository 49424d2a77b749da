package replay

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local cache guarded by one mutex.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     Clock
	entries map[string]time.Time // nonce -> expires_at
}

// NewMemory returns a cache with the given TTL. A nil clock means time.Now.
func NewMemory(ttl time.Duration, now Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{ttl: ttl, now: now, entries: make(map[string]time.Time)}
}

func (m *Memory) CheckAndInsert(ctx context.Context, nonce []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.entries {
		if exp.Before(now) {
			delete(m.entries, k)
		}
	}

	key := string(nonce)
	if _, seen := m.entries[key]; seen {
		return false, nil
	}
	m.entries[key] = now.Add(m.ttl)
	return true, nil
}

// Len returns the number of live entries, including ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]time.Time)
	return nil
}
