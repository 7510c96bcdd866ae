package hostguard

import (
	"sync"
	"time"
)

// Registry tracks every forge host the scheduler has talked to: one
// circuit breaker per host plus any Retry-After back-off the host's forge
// has demanded. The Assignment Service asks it for the current exclusion
// set before each pop.
type Registry struct {
	threshold    float64
	resetTimeout time.Duration

	mu         sync.Mutex
	breakers   map[string]*CircuitBreaker
	retryAfter map[string]time.Time
}

func NewRegistry(threshold float64, resetTimeout time.Duration) *Registry {
	return &Registry{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		breakers:     make(map[string]*CircuitBreaker),
		retryAfter:   make(map[string]time.Time),
	}
}

// Breaker returns host's circuit breaker, creating it closed on first
// use.
func (r *Registry) Breaker(host string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(host, r.threshold, r.resetTimeout)
		r.breakers[host] = cb
	}
	return cb
}

// RecordRetryAfter registers a forge-supplied back-off for host; pops
// exclude the host until then.
func (r *Registry) RecordRetryAfter(host string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.retryAfter[host]; !ok || until.After(existing) {
		r.retryAfter[host] = until
	}
}

// ExcludedHosts returns every host currently unfit for new assignments:
// open circuit breakers and unexpired Retry-After back-offs. Expired
// back-offs are dropped as a side effect.
func (r *Registry) ExcludedHosts(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := make(map[string]struct{})
	for host, until := range r.retryAfter {
		if until.After(now) {
			excluded[host] = struct{}{}
		} else {
			delete(r.retryAfter, host)
		}
	}
	for host, cb := range r.breakers {
		if cb.GetState() == CircuitStateOpen {
			excluded[host] = struct{}{}
		}
	}

	out := make([]string, 0, len(excluded))
	for host := range excluded {
		out = append(out, host)
	}
	return out
}
