package cache

import (
	"context"
	"sync"
	"time"

	"github.com/chenders/deadonfilm-sub007/internal/model"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache for tests and ephemeral runs.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache. A ttl <= 0 uses DefaultTTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, source, query string) (*model.LookupResult, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[Key(source, query)]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	res, err := decode(e.value)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (m *MemoryCache) Set(_ context.Context, source, query string, res *model.LookupResult) error {
	b, err := encode(res)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[Key(source, query)] = memEntry{value: b, expiresAt: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
