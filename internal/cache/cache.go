package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Stats counts cache outcomes.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Shared int64 `json:"shared"`
	Errors int64 `json:"errors"`
}

// Cache wraps a Store for use by many interviews at once. A nil store makes
// every Fetch a direct call.
type Cache struct {
	store  Store
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	newKeys map[string]struct{}

	hits, misses, shared, errs atomic.Int64
}

// New creates a cache over store.
func New(store Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, logger: logger, newKeys: make(map[string]struct{})}
}

// Store returns the backend, or nil.
func (c *Cache) Store() Store { return c.store }

// Get returns the entry for key or ErrMiss.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	if c.store == nil {
		return Entry{}, ErrMiss
	}
	return c.store.Get(ctx, key)
}

// Put stores e and records it as new.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Put(ctx, e); err != nil {
		return err
	}
	c.mu.Lock()
	c.newKeys[e.Key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Lookup is the outcome of a Fetch.
type Lookup struct {
	Entry Entry
	// Cached is true when this caller made no provider call: the entry came
	// from the store or from another caller's in-flight call.
	Cached bool
}

// Fetch returns the cached entry for req, or invokes call once per
// fingerprint across concurrent callers and stores its output. Store
// failures are logged and degrade to a direct call.
func (c *Cache) Fetch(ctx context.Context, req Request, call func(context.Context) (string, error)) (Lookup, error) {
	key := req.Key()

	if c.store == nil {
		out, err := call(ctx)
		if err != nil {
			return Lookup{}, err
		}
		c.misses.Add(1)
		return Lookup{Entry: req.Entry(out)}, nil
	}

	if e, err := c.store.Get(ctx, key); err == nil {
		c.hits.Add(1)
		return Lookup{Entry: e, Cached: true}, nil
	} else if !errors.Is(err, ErrMiss) {
		c.errs.Add(1)
		c.logger.Warn("cache read failed, calling provider directly", "key", key, "model", req.Model, "error", err)
		out, err := call(ctx)
		if err != nil {
			return Lookup{}, err
		}
		c.misses.Add(1)
		return Lookup{Entry: req.Entry(out)}, nil
	}

	led := false
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		out, err := call(ctx)
		if err != nil {
			return nil, err
		}
		e := req.Entry(out)
		if err := c.Put(ctx, e); err != nil {
			c.errs.Add(1)
			c.logger.Warn("cache write failed", "key", key, "model", req.Model, "error", err)
		}
		return e, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Lookup{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return Lookup{}, res.Err
	}
	v := res.Val
	if led {
		c.misses.Add(1)
	} else {
		c.shared.Add(1)
	}
	return Lookup{Entry: v.(Entry), Cached: !led}, nil
}

// NewKeys returns the keys written through this cache, sorted.
func (c *Cache) NewKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.newKeys))
	for k := range c.newKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns outcome counts so far.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Shared: c.shared.Load(),
		Errors: c.errs.Load(),
	}
}
