// Package ratelimit caps sends per tenant-channel key with fixed one-minute
// windows and spaces consecutive sends with a randomized delay.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const window = time.Minute

// Counter stores per-key window counts. Increment must be atomic: it takes a
// slot only while the window holds fewer than limit sends.
type Counter interface {
	Increment(ctx context.Context, key string, windowStart time.Time, limit int) (count int, allowed bool, err error)
}

type Config struct {
	PerMinute int
	MinDelay  time.Duration
	MaxDelay  time.Duration
}

// Decision is the outcome of TryAcquire. A denial is not an error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter struct {
	counter Counter
	cfg     Config
	now     func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(l *Limiter) { l.rng = rng }
}

func New(counter Counter, cfg Config, opts ...Option) *Limiter {
	if cfg.PerMinute < 1 {
		cfg.PerMinute = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	l := &Limiter{
		counter: counter,
		cfg:     cfg,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire consumes one send slot for key in the current window.
func (l *Limiter) TryAcquire(ctx context.Context, key string) (Decision, error) {
	now := l.now().UTC()
	start := now.Truncate(window)

	_, allowed, err := l.counter.Increment(ctx, key, start, l.cfg.PerMinute)
	if err != nil {
		return Decision{}, err
	}
	if allowed {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: start.Add(window).Sub(now)}, nil
}

// Delay returns a random pause in [MinDelay, MaxDelay] to wait between sends.
func (l *Limiter) Delay() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MinDelay + time.Duration(l.rng.Int63n(int64(span)+1))
}

// MemoryCounter is a process-local Counter for single-node runs and tests.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]map[time.Time]int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]map[time.Time]int)}
}

func (m *MemoryCounter) Increment(_ context.Context, key string, windowStart time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	windows, ok := m.counts[key]
	if !ok {
		windows = make(map[time.Time]int)
		m.counts[key] = windows
	}
	n := windows[windowStart]
	if n >= limit {
		return n, false, nil
	}
	windows[windowStart] = n + 1
	return n + 1, true, nil
}

// Prune drops windows that started before cutoff.
func (m *MemoryCounter) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, windows := range m.counts {
		for start := range windows {
			if start.Before(cutoff) {
				delete(windows, start)
				removed++
			}
		}
		if len(windows) == 0 {
			delete(m.counts, key)
		}
	}
	return removed, nil
}
