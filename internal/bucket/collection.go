package bucket

import (
	"context"
	"sync"

	"github.com/kalambet/panel/internal/provider"
)

// Pair is the request and token bucket of one provider identity.
type Pair struct {
	Requests *Bucket
	Tokens   *Bucket
}

// Acquire takes one request and tokens from the pair. If the token acquire
// fails the request is refunded.
func (p Pair) Acquire(ctx context.Context, tokens float64) error {
	if err := p.Requests.Acquire(ctx, 1); err != nil {
		return err
	}
	if tokens > p.Tokens.Capacity() {
		tokens = p.Tokens.Capacity()
	}
	if err := p.Tokens.Acquire(ctx, tokens); err != nil {
		p.Requests.Refund(1)
		return err
	}
	return nil
}

// Refund returns one request and tokens to the pair.
func (p Pair) Refund(tokens float64) {
	p.Requests.Refund(1)
	p.Tokens.Refund(tokens)
}

// Collection holds one Pair per provider identity. It is shared by every
// interview of a job.
type Collection struct {
	mu    sync.Mutex
	pairs map[string]Pair
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{pairs: make(map[string]Pair)}
}

// For returns the pair for m, creating it from the model's RPM and TPM
// limits on first use.
func (c *Collection) For(m *provider.Model) Pair {
	id := m.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pairs[id]; ok {
		return p
	}
	p := Pair{
		Requests: perMinute(id+" requests", m.Limits.RPM),
		Tokens:   perMinute(id+" tokens", m.Limits.TPM),
	}
	c.pairs[id] = p
	return p
}

// Len returns the number of pairs.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func perMinute(name string, limit float64) *Bucket {
	if limit <= 0 {
		return Unlimited(name)
	}
	return New(name, limit, limit/60)
}
