// Package cache provides a fixed-window TTL cache for decoded objects.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a loaded object is served before it is re-read.
const DefaultTTL = 10 * time.Second

// LoadFunc produces the value for a key on a miss.
type LoadFunc[V any] func(ctx context.Context, key string) (V, error)

// Observer is notified of lookups. It may be nil.
type Observer interface {
	CacheLookup(hit bool)
}

// TTLCache serves values for at most ttl after they were loaded. Errors are
// never cached and concurrent misses for one key share a single load.
type TTLCache[V any] struct {
	store    *ristretto.Cache[string, V]
	flight   singleflight.Group
	ttl      time.Duration
	observer Observer
}

type Option func(*options)

type options struct {
	maxEntries int64
	observer   Observer
}

// WithMaxEntries bounds the number of cached keys.
func WithMaxEntries(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func New[V any](ttl time.Duration, opts ...Option) (*TTLCache[V], error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	o := options{maxEntries: 1024}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters:        o.maxEntries * 10,
		MaxCost:            o.maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &TTLCache[V]{store: store, ttl: ttl, observer: o.observer}, nil
}

func (c *TTLCache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns a fresh value for key, if any.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	v, ok := c.store.Get(key)
	if c.observer != nil {
		c.observer.CacheLookup(ok)
	}
	return v, ok
}

// Set stores v and waits until it is visible to readers.
func (c *TTLCache[V]) Set(key string, v V) {
	c.store.SetWithTTL(key, v, 1, c.ttl)
	c.store.Wait()
}

// GetOrLoad returns the cached value for key or loads, stores and returns it.
// The shared load is detached from any single caller's cancellation; each
// caller stops waiting when its own ctx ends.
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		if v, ok := c.store.Get(key); ok {
			return v, nil
		}
		v, err := load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *TTLCache[V]) Invalidate(key string) {
	c.store.Del(key)
	c.store.Wait()
}

func (c *TTLCache[V]) Purge() {
	c.store.Clear()
}

func (c *TTLCache[V]) Close() {
	c.store.Close()
}
