package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store backed by go-cache. Suitable for
// single-replica deployments and tests.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore creates a MemoryStore with the given default TTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		c: gocache.New(defaultTTL, 2*defaultTTL),
	}
}

// Set stores value under key with the given TTL.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

// Get returns the value under key, or ErrMiss.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}
