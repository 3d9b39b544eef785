package ratelimit_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/unclebandit/waleopard-engine/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquire_CapsPerWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 15, 0, time.UTC)}
	l := ratelimit.New(ratelimit.NewMemoryCounter(), ratelimit.Config{PerMinute: 2}, ratelimit.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.TryAcquire(ctx, "acme:chan-1")
		if err != nil || !d.Allowed {
			t.Fatalf("acquire %d: %+v %v", i, d, err)
		}
	}

	d, err := l.TryAcquire(ctx, "acme:chan-1")
	if err != nil {
		t.Fatalf("denial must not be an error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected third send in the window to be denied")
	}
	if d.RetryAfter != 45*time.Second {
		t.Errorf("expected retry after 45s, got %s", d.RetryAfter)
	}

	// other keys have their own budget
	if d, _ := l.TryAcquire(ctx, "acme:chan-2"); !d.Allowed {
		t.Error("expected independent key to be allowed")
	}

	clock.Advance(time.Minute)
	if d, _ := l.TryAcquire(ctx, "acme:chan-1"); !d.Allowed {
		t.Error("expected a new window to reset the budget")
	}
}

func TestTryAcquire_ConcurrentCallersShareCap(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryCounter(), ratelimit.Config{PerMinute: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryAcquire(ctx, "k")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// a window boundary can fall inside the loop, so at most two windows
	if allowed < 10 || allowed > 20 {
		t.Fatalf("expected cap to hold, got %d allowed", allowed)
	}
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, time.Time, int) (int, bool, error) {
	return 0, false, errors.New("db down")
}

func TestTryAcquire_PropagatesCounterError(t *testing.T) {
	l := ratelimit.New(failingCounter{}, ratelimit.Config{PerMinute: 1})
	if _, err := l.TryAcquire(context.Background(), "k"); err == nil {
		t.Fatal("expected counter error")
	}
}

func TestDelay_WithinBounds(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryCounter(),
		ratelimit.Config{PerMinute: 1, MinDelay: 200 * time.Millisecond, MaxDelay: 800 * time.Millisecond},
		ratelimit.WithRand(rand.New(rand.NewSource(1))))

	for i := 0; i < 200; i++ {
		d := l.Delay()
		if d < 200*time.Millisecond || d > 800*time.Millisecond {
			t.Fatalf("delay %s out of range", d)
		}
	}
}

func TestDelay_FixedWhenRangeEmpty(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryCounter(), ratelimit.Config{PerMinute: 1, MinDelay: 0, MaxDelay: 0})
	if d := l.Delay(); d != 0 {
		t.Fatalf("expected zero delay, got %s", d)
	}
}

func TestMemoryCounter_Prune(t *testing.T) {
	m := ratelimit.NewMemoryCounter()
	ctx := context.Background()
	old := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cur := old.Add(time.Hour)
	m.Increment(ctx, "k", old, 5)
	m.Increment(ctx, "k", cur, 5)

	n, err := m.Prune(ctx, cur)
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned window, got %d %v", n, err)
	}
	if count, _, _ := m.Increment(ctx, "k", cur, 5); count != 2 {
		t.Fatalf("current window should survive prune, count=%d", count)
	}
}
