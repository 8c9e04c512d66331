package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memEntry struct {
	Entry
	tomb      bool
	expiresAt time.Time
}

// MemoryBackend keeps entries in a process-local LRU. Entries carry their own
// expiry because TTL differs per namespace.
type MemoryBackend struct {
	mu    sync.Mutex
	cache *lru.LRU[string, memEntry]
	now   func() time.Time
}

func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries < 10 {
		maxEntries = 10 // Minimum 10 entries
	}
	return &MemoryBackend{
		cache: lru.NewLRU[string, memEntry](maxEntries, nil, 0),
		now:   time.Now,
	}
}

var _ Backend = (*MemoryBackend)(nil)

func (b *MemoryBackend) live(key string) (memEntry, bool) {
	e, ok := b.cache.Get(key)
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !b.now().Before(e.expiresAt) {
		b.cache.Remove(key)
		return memEntry{}, false
	}
	return e, true
}

func (b *MemoryBackend) Get(_ context.Context, key string) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || e.tomb {
		return Entry{}, ErrMiss
	}
	val := make([]byte, len(e.Value))
	copy(val, e.Value)
	return Entry{Value: val, Version: e.Version}, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, e Entry, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.live(key); ok && cur.Version > e.Version {
		return false, nil
	}
	val := make([]byte, len(e.Value))
	copy(val, e.Value)
	b.cache.Add(key, memEntry{Entry: Entry{Value: val, Version: e.Version}, expiresAt: b.expiry(ttl)})
	return true, nil
}

func (b *MemoryBackend) Fence(_ context.Context, key string, version int64, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.live(key); ok && cur.Version > version {
		return nil
	}
	b.cache.Add(key, memEntry{Entry: Entry{Version: version}, tomb: true, expiresAt: b.expiry(ttl)})
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range keys {
		b.cache.Remove(k)
	}
	return nil
}

func (b *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range b.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			b.cache.Remove(k)
		}
	}
	return nil
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}
