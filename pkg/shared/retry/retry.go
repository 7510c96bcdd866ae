// Package retry wraps cenkalti/backoff with the scheduling core's single
// retry policy: exponential backoff from a 100 ms base, factor
// 2, jitter, capped at 30 s, at most 5 attempts. Components recover
// locally from transient store and pub/sub failures through this package;
// every other error kind propagates on the first attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config tunes one retry loop. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     uint
}

func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     5,
	}
}

// Do runs fn until it succeeds, returns a permanent error, or the attempt
// budget is exhausted. fn signals "do not retry" by returning
// Permanent(err).
func Do(ctx context.Context, cfg Config, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(cfg.MaxAttempts))
	return err
}

// Transient runs fn under DefaultConfig, the common case at store and
// pub/sub call sites.
func Transient(ctx context.Context, fn func() error) error {
	return Do(ctx, DefaultConfig(), fn)
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
