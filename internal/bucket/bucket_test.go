package bucket

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/panel/internal/provider"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAcquire_Immediate(t *testing.T) {
	b := New("m", 5, 1)
	for range 5 {
		if err := b.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if got := b.Available(); got > 0.1 {
		t.Errorf("Available = %v, want ~0", got)
	}
}

func TestLazyRefill(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := newBucket("m", 10, 2, clk.now)

	if err := b.Acquire(context.Background(), 10); err != nil {
		t.Fatal(err)
	}
	if got := b.Available(); got != 0 {
		t.Fatalf("Available = %v, want 0", got)
	}

	clk.advance(2 * time.Second)
	if got := b.Available(); got != 4 {
		t.Errorf("Available after 2s = %v, want 4", got)
	}
	if got := b.WaitTime(6); got != time.Second {
		t.Errorf("WaitTime(6) = %v, want 1s", got)
	}

	clk.advance(time.Hour)
	if got := b.Available(); got != 10 {
		t.Errorf("Available = %v, want capacity 10", got)
	}
}

func TestAcquire_ExceedsCapacity(t *testing.T) {
	b := New("m", 3, 1)
	err := b.Acquire(context.Background(), 4)
	if !errors.Is(err, ErrExceedsCapacity) {
		t.Fatalf("err = %v, want ErrExceedsCapacity", err)
	}
}

func TestUnlimited(t *testing.T) {
	b := Unlimited("m")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for range 10000 {
		if err := b.Acquire(ctx, 100); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if !math.IsInf(b.Available(), 1) {
		t.Error("unlimited bucket should report infinite availability")
	}
}

func TestAcquire_CancelledWaiterConsumesNothing(t *testing.T) {
	b := New("m", 1, 0.001)
	if err := b.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if b.Waiting() != 0 {
		t.Errorf("Waiting = %d, want 0", b.Waiting())
	}

	b.Refund(1)
	if got := b.Available(); got < 1 {
		t.Errorf("Available = %v, want 1", got)
	}
}

func TestAcquire_FIFO(t *testing.T) {
	b := New("m", 1, 0)
	if err := b.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background(), 1); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
		// Let each goroutine enqueue before the next.
		for b.Waiting() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	for i := range 3 {
		b.Refund(1)
		for {
			mu.Lock()
			n := len(order)
			mu.Unlock()
			if n == i+1 {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want [0 1 2]", order)
		}
	}
}

func TestAcquire_GrantBound(t *testing.T) {
	const (
		capacity = 5.0
		rate     = 50.0
	)
	start := time.Now()
	b := New("m", capacity, rate)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b.Acquire(ctx, 1) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	bound := capacity + rate*elapsed
	if got := float64(granted.Load()); got > bound {
		t.Errorf("granted %v > C + R*t = %v", got, bound)
	}
	if granted.Load() < int64(capacity) {
		t.Errorf("granted %d, want at least the initial capacity", granted.Load())
	}
}

func TestCollection_For(t *testing.T) {
	c := NewCollection()
	limited := &provider.Model{Service: "openrouter", Name: "a", Limits: provider.Limits{RPM: 60, TPM: 6000}}
	free := &provider.Model{Service: "test", Name: "b"}

	p := c.For(limited)
	if p.Requests.Capacity() != 60 || p.Requests.Rate() != 1 {
		t.Errorf("requests bucket = cap %v rate %v", p.Requests.Capacity(), p.Requests.Rate())
	}
	if p.Tokens.Capacity() != 6000 || p.Tokens.Rate() != 100 {
		t.Errorf("tokens bucket = cap %v rate %v", p.Tokens.Capacity(), p.Tokens.Rate())
	}
	if c.For(limited).Requests != p.Requests {
		t.Error("For returned a different pair for the same identity")
	}

	q := c.For(free)
	if !q.Requests.IsUnlimited() || !q.Tokens.IsUnlimited() {
		t.Error("model without limits should get unlimited buckets")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestPair_AcquireRefund(t *testing.T) {
	m := &provider.Model{Service: "openrouter", Name: "a", Limits: provider.Limits{RPM: 2, TPM: 100}}
	p := NewCollection().For(m)

	if err := p.Acquire(context.Background(), 40); err != nil {
		t.Fatal(err)
	}
	p.Refund(40)
	if got := p.Requests.Available(); got < 2 {
		t.Errorf("requests available = %v, want 2", got)
	}
	if got := p.Tokens.Available(); got < 100 {
		t.Errorf("tokens available = %v, want 100", got)
	}
}
