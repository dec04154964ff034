package catalog

import (
	"os"
	"sync"
	"sync/atomic"
)

// Cache serves the catalog for one source, rebuilding it only when the
// source hash changes. Readers never observe a partially built catalog.
type Cache struct {
	source  string
	current atomic.Pointer[Catalog]
	mu      sync.Mutex // serializes rebuilds
	builds  atomic.Int64
}

// NewCache creates a cache for the tool-definition source at path.
func NewCache(source string) *Cache {
	return &Cache{source: source}
}

// Source returns the path the cache reads from.
func (c *Cache) Source() string {
	return c.source
}

// Get returns the cached catalog when the source hash matches, otherwise it
// rebuilds and swaps the cached value.
func (c *Cache) Get() (*Catalog, error) {
	data, err := os.ReadFile(c.source)
	if err != nil {
		return nil, &SourceUnreadableError{Source: c.source, Cause: err}
	}
	hash := HashSource(data)
	if cur := c.current.Load(); cur != nil && cur.SourceHash == hash {
		return cur, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.current.Load(); cur != nil && cur.SourceHash == hash {
		return cur, nil
	}

	cat, err := Parse(c.source, data)
	if err != nil {
		return nil, err
	}
	c.builds.Add(1)
	c.current.Store(cat)
	return cat, nil
}

// Current returns the last built catalog without touching the source.
// It returns nil before the first successful Get.
func (c *Cache) Current() *Catalog {
	return c.current.Load()
}

// Builds returns how many times the catalog has been rebuilt.
func (c *Cache) Builds() int64 {
	return c.builds.Load()
}

var (
	cachesMu sync.Mutex
	caches   = map[string]*Cache{}
)

// GetCached returns the catalog for source from a process-wide cache keyed by path.
func GetCached(source string) (*Catalog, error) {
	cachesMu.Lock()
	c, ok := caches[source]
	if !ok {
		c = NewCache(source)
		caches[source] = c
	}
	cachesMu.Unlock()
	return c.Get()
}
