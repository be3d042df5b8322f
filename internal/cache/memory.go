package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryCacheSize = 10_000

type MemoryProvider struct {
	// mu makes SetIfAbsent a single step; the LRU locks each call on its own.
	mu      sync.Mutex
	entries *lru.Cache[string, entry]
	now     func() time.Time
}

type entry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryProvider(size int) (*MemoryProvider, error) {
	if size <= 0 {
		size = defaultMemoryCacheSize
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{entries: c, now: time.Now}, nil
}

func (m *MemoryProvider) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Add(key, entry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryProvider) SetIfAbsent(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries.Add(key, entry{value: value, expiresAt: m.now().Add(ttl)})
	return true, nil
}

func (m *MemoryProvider) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries.Remove(key)
	return nil
}

func (m *MemoryProvider) Close() error {
	m.entries.Purge()
	return nil
}

// lookup returns the live value for key, evicting it once expired. Callers hold mu.
func (m *MemoryProvider) lookup(key string) (string, bool) {
	cached, ok := m.entries.Get(key)
	if !ok {
		return "", false
	}
	if !m.now().Before(cached.expiresAt) {
		m.entries.Remove(key)
		return "", false
	}
	return cached.value, true
}
