package service

import (
	"math/rand"
	"time"
)

type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NextAvailableAt returns when a task that failed its attempt-th try may be
// claimed again: exponential backoff capped at MaxDelay, with full jitter.
func NextAvailableAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}

	delay := cfg.MaxDelay
	if attempt < 32 {
		if d := cfg.BaseDelay << (attempt - 1); d > 0 && d < cfg.MaxDelay {
			delay = d
		}
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))
	return now.Add(jitter).UTC()
}
