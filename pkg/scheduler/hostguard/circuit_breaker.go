// Package hostguard tracks the health of the external VCS forge hosts the
// Assignment Service talks to on a worker's behalf (merge-proposal
// lookups, branch existence checks). A host whose forge API is failing
// should stop absorbing pop attempts before its failures cascade into the
// assignment critical section.
package hostguard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitState mirrors the three states of the underlying breaker with
// names that read naturally against a host, not a generic dependency.
type CircuitState string

const (
	CircuitStateClosed   CircuitState = "closed"
	CircuitStateOpen     CircuitState = "open"
	CircuitStateHalfOpen CircuitState = "half-open"
)

// CircuitBreaker gates calls to a single forge host. It wraps
// gobreaker.CircuitBreaker for the open/half-open/closed state machine
// and keeps its own success/failure tally so failure-rate reporting
// stays meaningful across the generation resets gobreaker performs on
// every state transition.
type CircuitBreaker struct {
	name         string
	threshold    float64
	resetTimeout time.Duration

	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	successes int64
	failures  int64
}

// NewCircuitBreaker builds a breaker for host name that opens once at
// least 5 calls have been made and the failure ratio reaches threshold,
// and allows a single trial call after resetTimeout has elapsed.
func NewCircuitBreaker(name string, threshold float64, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}

	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // closed-state counts never clear on a timer
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				cb.mu.Lock()
				cb.successes = 0
				cb.failures = 0
				cb.mu.Unlock()
			}
		},
	})

	return cb
}

// Call runs fn through the breaker. It returns the breaker-open error
// without invoking fn when the circuit is open, and fn's own error
// (tallied as a failure) otherwise.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		cb.mu.Lock()
		cb.successes++
		cb.mu.Unlock()
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit breaker is open: %s", cb.name)
	}
	cb.mu.Lock()
	cb.failures++
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) GetName() string                  { return cb.name }
func (cb *CircuitBreaker) GetFailureThreshold() float64      { return cb.threshold }
func (cb *CircuitBreaker) GetResetTimeout() time.Duration    { return cb.resetTimeout }

// GetState maps gobreaker's state onto CircuitState.
func (cb *CircuitBreaker) GetState() CircuitState {
	switch cb.breaker.State() {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}

// GetFailures returns the count of failed calls since the breaker last
// closed (reset to zero on every successful recovery).
func (cb *CircuitBreaker) GetFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// GetFailureRate returns failures / (successes + failures) since the
// breaker last closed, or 0 if there have been no executed calls.
func (cb *CircuitBreaker) GetFailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	total := cb.successes + cb.failures
	if total == 0 {
		return 0.0
	}
	return float64(cb.failures) / float64(total)
}
