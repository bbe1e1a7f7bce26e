package repository

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultIdempotencyTTL        = 10 * time.Minute
	DefaultIdempotencyMaxEntries = 10000
)

type cachedResponse struct {
	key       string
	payload   []byte
	expiresAt time.Time
}

// MemoryIdempotencyCache keeps ingest responses for a bounded time and a
// bounded number of keys. Once full, the oldest key is evicted first.
type MemoryIdempotencyCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    map[string]*cachedResponse
	order      []*cachedResponse
}

// NewMemoryIdempotencyCache builds a cache; non-positive limits fall back to defaults.
func NewMemoryIdempotencyCache(ttl time.Duration, maxEntries int, now func() time.Time) *MemoryIdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultIdempotencyMaxEntries
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotencyCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]*cachedResponse),
	}
}

func (m *MemoryIdempotencyCache) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// PutResponse keeps the first response stored for a live key.
func (m *MemoryIdempotencyCache) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictExpired(now)
	if _, ok := m.entries[key]; ok {
		return nil
	}
	for len(m.order) >= m.maxEntries {
		m.dropOldest()
	}
	entry := &cachedResponse{key: key, payload: append([]byte(nil), payload...), expiresAt: now.Add(m.ttl)}
	m.entries[key] = entry
	m.order = append(m.order, entry)
	return nil
}

// Len reports the number of retained keys, expired ones included until the next write.
func (m *MemoryIdempotencyCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// order is sorted by expiry since every entry shares the same ttl.
func (m *MemoryIdempotencyCache) evictExpired(now time.Time) {
	for len(m.order) > 0 && !now.Before(m.order[0].expiresAt) {
		m.dropOldest()
	}
}

func (m *MemoryIdempotencyCache) dropOldest() {
	oldest := m.order[0]
	m.order[0] = nil
	m.order = m.order[1:]
	delete(m.entries, oldest.key)
}
