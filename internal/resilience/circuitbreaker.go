package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Call when the circuit
// is open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is one of the three states a CircuitBreaker can be in.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreaker trips open after FailureThreshold consecutive
// failures, allows one half-open trial after ResetTimeout, and closes
// again after SuccessThreshold consecutive successes in half-open.
type CircuitBreaker struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	mu              sync.Mutex
	state           CircuitState
	consecutiveFail int
	consecutiveOK   int
	openedAt        time.Time
}

// NewCircuitBreaker constructs a closed breaker with the given
// thresholds, matching spec §8's construction contract.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		FailureThreshold: failureThreshold,
		SuccessThreshold: successThreshold,
		ResetTimeout:     resetTimeout,
		state:            StateClosed,
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// currentStateLocked resolves an Open breaker to HalfOpen once
// ResetTimeout has elapsed, without mutating state: the transition is
// only committed once a trial call is actually allowed through.
func (b *CircuitBreaker) currentStateLocked() CircuitState {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Call runs fn if the circuit allows it, recording the outcome against
// the breaker's state machine. Returns ErrCircuitOpen without calling
// fn when the circuit is open and the reset timeout has not elapsed.
func (b *CircuitBreaker) Call(fn func() error) error {
	b.mu.Lock()
	state := b.currentStateLocked()
	if state == StateOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && b.state == StateOpen {
		// First trial since the reset timeout elapsed: commit the
		// half-open transition now that we're letting a call through.
		b.state = StateHalfOpen
		b.consecutiveOK = 0
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailureLocked()
	} else {
		b.onSuccessLocked()
	}
	return err
}

func (b *CircuitBreaker) onFailureLocked() {
	b.consecutiveOK = 0
	b.consecutiveFail++
	if b.state == StateHalfOpen {
		b.openLocked()
		return
	}
	if b.consecutiveFail >= b.FailureThreshold {
		b.openLocked()
	}
}

func (b *CircuitBreaker) onSuccessLocked() {
	b.consecutiveFail = 0
	if b.state != StateHalfOpen {
		return
	}
	b.consecutiveOK++
	if b.consecutiveOK >= b.SuccessThreshold {
		b.state = StateClosed
		b.consecutiveOK = 0
	}
}

func (b *CircuitBreaker) openLocked() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveFail = 0
}
