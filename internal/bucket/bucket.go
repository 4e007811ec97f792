// Package bucket implements token-bucket admission control for answer
// providers.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrExceedsCapacity is returned when a single acquire asks for more tokens
// than the bucket can ever hold.
var ErrExceedsCapacity = errors.New("cost exceeds bucket capacity")

// Bucket is a token bucket with capacity C and refill rate R tokens per
// second. Refill is computed lazily from elapsed time; waiters are served in
// arrival order.
type Bucket struct {
	Name string

	capacity  float64
	rate      float64
	unlimited bool
	now       func() time.Time

	mu      sync.Mutex
	tokens  float64
	last    time.Time
	waiters []*waiter
}

type waiter struct {
	cost float64
	// wake is signalled when this waiter may have become serviceable.
	wake chan struct{}
}

// New creates a full bucket.
func New(name string, capacity, refillRate float64) *Bucket {
	return newBucket(name, capacity, refillRate, time.Now)
}

func newBucket(name string, capacity, refillRate float64, now func() time.Time) *Bucket {
	return &Bucket{
		Name:     name,
		capacity: capacity,
		rate:     refillRate,
		now:      now,
		tokens:   capacity,
		last:     now(),
	}
}

// Unlimited creates a bucket whose Acquire never blocks.
func Unlimited(name string) *Bucket {
	return &Bucket{Name: name, unlimited: true, capacity: math.Inf(1), tokens: math.Inf(1), now: time.Now}
}

// IsUnlimited reports whether the bucket has no limit.
func (b *Bucket) IsUnlimited() bool { return b.unlimited }

// Capacity returns the maximum token count.
func (b *Bucket) Capacity() float64 { return b.capacity }

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 { return b.rate }

// refill must be called with mu held.
func (b *Bucket) refill() {
	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.last = now
}

// Acquire blocks until cost tokens are available and debits them. A caller
// whose context ends leaves the queue without consuming tokens.
func (b *Bucket) Acquire(ctx context.Context, cost float64) error {
	if b.unlimited || cost <= 0 {
		return nil
	}
	if cost > b.capacity {
		return fmt.Errorf("bucket %s: %w (%g > %g)", b.Name, ErrExceedsCapacity, cost, b.capacity)
	}

	b.mu.Lock()
	b.refill()
	if len(b.waiters) == 0 && b.tokens >= cost {
		b.tokens -= cost
		b.mu.Unlock()
		return nil
	}
	w := &waiter{cost: cost, wake: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)

	for {
		var timer *time.Timer
		var timeout <-chan time.Time
		if b.waiters[0] == w {
			b.refill()
			if b.tokens >= cost {
				b.tokens -= cost
				b.waiters = b.waiters[1:]
				b.signalHead()
				b.mu.Unlock()
				return nil
			}
			if b.rate > 0 {
				timer = time.NewTimer(b.waitLocked(cost))
				timeout = timer.C
			}
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			b.mu.Lock()
			b.remove(w)
			b.mu.Unlock()
			return ctx.Err()
		case <-w.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		b.mu.Lock()
	}
}

// Refund returns tokens to the bucket, capped at capacity.
func (b *Bucket) Refund(amount float64) {
	if b.unlimited || amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens = math.Min(b.capacity, b.tokens+amount)
	b.signalHead()
}

// Available returns the current token count after refill.
func (b *Bucket) Available() float64 {
	if b.unlimited {
		return math.Inf(1)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime estimates how long an acquire of cost would wait ignoring queued
// waiters.
func (b *Bucket) WaitTime(cost float64) time.Duration {
	if b.unlimited {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.waitLocked(cost)
}

func (b *Bucket) waitLocked(cost float64) time.Duration {
	deficit := cost - b.tokens
	if deficit <= 0 {
		return 0
	}
	if b.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(deficit / b.rate * float64(time.Second)))
}

// Waiting returns the number of queued waiters.
func (b *Bucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

func (b *Bucket) signalHead() {
	if len(b.waiters) == 0 {
		return
	}
	select {
	case b.waiters[0].wake <- struct{}{}:
	default:
	}
}

func (b *Bucket) remove(w *waiter) {
	for i, x := range b.waiters {
		if x == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			if i == 0 {
				b.signalHead()
			}
			return
		}
	}
}
