package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bdobrica/hearth/common/retry"
)

// DefaultTTL is how long a catalog snapshot is served before a refresh.
const DefaultTTL = 5 * time.Minute

// Source loads a fresh catalog from the backend.
type Source interface {
	Load(ctx context.Context) (*Catalog, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Catalog, error)

// Load calls f.
func (f SourceFunc) Load(ctx context.Context) (*Catalog, error) { return f(ctx) }

// CacheOptions tunes a Cache. Zero values select defaults.
type CacheOptions struct {
	TTL   time.Duration
	Retry retry.Config
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is a read-mostly TTL cache over a Source, shared by every session.
// Concurrent refreshes collapse into one backend load. When a refresh
// fails the previous snapshot keeps being served.
type Cache struct {
	src   Source
	ttl   time.Duration
	retry retry.Config
	now   func() time.Time
	group singleflight.Group

	mu       sync.RWMutex
	current  *Catalog
	loadedAt time.Time
}

// NewCache returns a Cache over src.
func NewCache(src Source, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig
	}
	if opts.Retry.Name == "" {
		opts.Retry.Name = "catalog refresh"
	}
	return &Cache{src: src, ttl: opts.TTL, retry: opts.Retry, now: opts.Now}
}

// Get returns the current snapshot, refreshing it first when it is older
// than the TTL. An error is returned only when no snapshot was ever loaded.
func (c *Cache) Get(ctx context.Context) (*Catalog, error) {
	c.mu.RLock()
	cur, loadedAt := c.current, c.loadedAt
	c.mu.RUnlock()
	if cur != nil && c.now().Sub(loadedAt) < c.ttl {
		return cur, nil
	}

	fresh, err := c.Refresh(ctx)
	if err != nil {
		if cur != nil {
			slog.Warn("catalog refresh failed; serving stale snapshot",
				"err", err, "age", c.now().Sub(loadedAt).Round(time.Second))
			return cur, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh loads a new snapshot regardless of age.
func (c *Cache) Refresh(ctx context.Context) (*Catalog, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		var loaded *Catalog
		err := retry.Do(ctx, c.retry, func() error {
			var err error
			loaded, err = c.src.Load(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = New(nil, nil, c.now())
		}
		c.mu.Lock()
		c.current, c.loadedAt = loaded, c.now()
		c.mu.Unlock()
		slog.Debug("catalog refreshed", "devices", len(loaded.devices), "scenes", len(loaded.scenes))
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// Invalidate forces the next Get to refresh.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// Peek returns the current snapshot without refreshing. It may be nil.
func (c *Cache) Peek() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}
