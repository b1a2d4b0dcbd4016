package k8s

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kubilitics/team-onboarding/internal/pkg/metrics"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open: cluster API unavailable")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	StateClosed   CircuitBreakerState = iota // Normal operation
	StateOpen                                // Failing fast
	StateHalfOpen                            // Probing for recovery
)

// CircuitBreaker opens after failureThreshold consecutive infrastructure failures and
// fails fast for openDuration before letting a single probe call through.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration
	halfOpenMaxCalls int
	cluster          string // metrics label

	state             CircuitBreakerState
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
	now               func() time.Time
}

// NewCircuitBreaker creates a breaker with the default thresholds (5 failures, 30s open).
func NewCircuitBreaker(cluster string) *CircuitBreaker {
	return NewCircuitBreakerWithSettings(cluster, 5, 30*time.Second)
}

// NewCircuitBreakerWithSettings creates a breaker with explicit thresholds.
func NewCircuitBreakerWithSettings(cluster string, failureThreshold int, openDuration time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		halfOpenMaxCalls: 1,
		cluster:          cluster,
		state:            StateClosed,
		now:              time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(cluster).Set(float64(StateClosed))
	return cb
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	metrics.CircuitBreakerTransitionsTotal.WithLabelValues(cb.cluster, cb.state.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(cb.cluster).Set(float64(newState))
	cb.state = newState
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Execute runs fn under breaker protection. Only infrastructure failures count towards
// opening the circuit; API rejections such as NotFound or Forbidden reset the counter.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.openDuration {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenCallCount = 1
	case StateHalfOpen:
		if cb.halfOpenCallCount >= cb.halfOpenMaxCalls {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenCallCount++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		if isInfraError(err) {
			cb.failureCount++
			cb.lastFailureTime = cb.now()
			metrics.CircuitBreakerFailuresTotal.WithLabelValues(cb.cluster).Inc()

			if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
				cb.setState(StateOpen)
				cb.halfOpenCallCount = 0
			}
		} else {
			cb.failureCount = 0
		}
		return err
	}

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		cb.halfOpenCallCount = 0
	}
	return nil
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// isInfraError reports network errors, timeouts, 5xx and 429.
func isInfraError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isRetryableStatus(err) {
		return true
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return false
	}
	return containsAny(err.Error(), []string{
		"connection refused",
		"connection reset",
		"timeout",
		"unreachable",
		"no such host",
		"dial tcp",
		"EOF",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
