// Package ristretto provides the in-process cache used for archive
// manifests and file trees, so file browsing keeps working after a task's
// sandbox is torn down without re-reading the archive every time.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultTTL keeps entries around long enough for a browsing session but
// lets deleted archives age out.
const defaultTTL = 30 * time.Minute

// Cache wraps a ristretto cache keyed by archive-scoped strings.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache bounded by maxCostBytes of stored values.
func New(maxCostBytes int64) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 1024 * 10, // ~10x expected 1KB entries
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.c.Get(key)
}

// Set stores a value in the cache.
func (c *Cache) Set(key string, value []byte) {
	c.c.SetWithTTL(key, value, int64(len(value)), defaultTTL)
}

// Delete removes a value from the cache.
func (c *Cache) Delete(key string) {
	c.c.Del(key)
}

// Close shuts down the cache and releases its resources.
func (c *Cache) Close() {
	c.c.Close()
}
