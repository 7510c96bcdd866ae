// Package ratelimit implements the slow-start rate limiter that gates
// each publish policy's open merge-proposal count. The effective cap grows linearly with successful
// absorptions and halves on a permanent-failure streak; state is
// persisted so a restart does not reset it.
package ratelimit

import (
	"context"
	"sync"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Limiter gates a set of named buckets under a shared slow-start policy.
// It is safe for concurrent use; the persisted state is the source of
// truth and every mutation is read-modify-write against the store.
type Limiter struct {
	cfg   config.RateLimitConfig
	store store.RateLimitStore

	mu sync.Mutex
}

func NewLimiter(cfg config.RateLimitConfig, s store.RateLimitStore) *Limiter {
	return &Limiter{cfg: cfg, store: s}
}

// Allow reports whether bucket has room for one more open item under its
// current effective cap. An empty bucket name (policies with no
// rate_limit_bucket configured) is always allowed.
func (l *Limiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if bucket == "" {
		return true, nil
	}
	state, err := l.load(ctx, bucket)
	if err != nil {
		return false, err
	}
	return state.OpenCount < state.Cap, nil
}

// Reserve increments bucket's open count after a successful Allow check,
// immediately prior to handing the candidate to a worker. Call Release
// when the corresponding proposal closes, merges, or the run never opens
// one.
func (l *Limiter) Reserve(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load(ctx, bucket)
	if err != nil {
		return err
	}
	state.OpenCount++
	return l.store.SaveRateLimitState(ctx, state)
}

// Release decrements bucket's open count, floored at zero.
func (l *Limiter) Release(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load(ctx, bucket)
	if err != nil {
		return err
	}
	if state.OpenCount > 0 {
		state.OpenCount--
	}
	return l.store.SaveRateLimitState(ctx, state)
}

// RecordAbsorption grows bucket's effective cap by GrowthPerSuccess and
// resets its failure streak, capped at MaxCap.
func (l *Limiter) RecordAbsorption(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load(ctx, bucket)
	if err != nil {
		return err
	}
	state.FailureStreak = 0
	state.Cap += l.cfg.GrowthPerSuccess
	if l.cfg.MaxCap > 0 && state.Cap > l.cfg.MaxCap {
		state.Cap = l.cfg.MaxCap
	}
	return l.store.SaveRateLimitState(ctx, state)
}

// RecordPermanentFailure extends bucket's failure streak and halves the
// effective cap once the streak reaches HalvingStreak, never going below InitialCap.
func (l *Limiter) RecordPermanentFailure(ctx context.Context, bucket string) error {
	if bucket == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.load(ctx, bucket)
	if err != nil {
		return err
	}
	state.FailureStreak++
	if l.cfg.HalvingStreak > 0 && state.FailureStreak >= l.cfg.HalvingStreak {
		state.Cap /= 2
		if state.Cap < l.cfg.InitialCap {
			state.Cap = l.cfg.InitialCap
		}
		state.FailureStreak = 0
	}
	return l.store.SaveRateLimitState(ctx, state)
}

func (l *Limiter) load(ctx context.Context, bucket string) (store.RateLimitState, error) {
	state, err := l.store.RateLimitState(ctx, bucket)
	if err != nil {
		return store.RateLimitState{}, err
	}
	if state.Cap <= 0 {
		state.Bucket = bucket
		state.Cap = l.cfg.InitialCap
	}
	return state, nil
}
