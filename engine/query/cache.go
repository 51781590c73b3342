package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader builds a fresh View.
type Loader func(ctx context.Context) (*View, error)

// Cache serves a View and rebuilds it after ttl. Concurrent refreshes
// share one load.
type Cache struct {
	load Loader
	ttl  time.Duration
	now  func() time.Time

	mu     sync.RWMutex
	view   *View
	loaded time.Time
	group  singleflight.Group
}

// NewCache creates a Cache.
func NewCache(load Loader, ttl time.Duration) *Cache {
	return &Cache{load: load, ttl: ttl, now: time.Now}
}

// Get returns the cached View, loading it when missing or stale. When a
// refresh fails and a previous View exists, the stale View is returned
// alongside the error.
func (c *Cache) Get(ctx context.Context) (*View, error) {
	c.mu.RLock()
	v, at := c.view, c.loaded
	c.mu.RUnlock()
	if v != nil && c.now().Sub(at) < c.ttl {
		return v, nil
	}

	res, err, _ := c.group.Do("view", func() (any, error) {
		fresh, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.view, c.loaded = fresh, c.now()
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return v, fmt.Errorf("query: refresh view: %w", err)
	}
	return res.(*View), nil
}

// Invalidate forces the next Get to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loaded = time.Time{}
	c.mu.Unlock()
}
