// Package breaker provides per-dependency circuit breakers that stop
// calling a failing downstream collaborator and fail fast until it has
// had time to recover.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rgould/guardcore/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a single trial call tests recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
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

// ErrOpen is returned by Call when the circuit is open and the operation
// was not invoked. Callers should treat it as a transient, expected
// failure and apply their own fallback.
var ErrOpen = errors.New("circuit breaker open")

// PanicError wraps a panic recovered from a guarded operation. The
// breaker never lets a panicking operation crash its caller; the panic
// value is normalized into an ordinary error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// Settings holds the tunable parameters of a single breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. A threshold of 1 opens on any single failure.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before the next
	// call is allowed through as a half-open trial.
	ResetTimeout time.Duration
}

const (
	// DefaultFailureThreshold opens the circuit after five consecutive
	// failures.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is the default open-state cooldown.
	DefaultResetTimeout = 30 * time.Second
)

// withDefaults fills in zero-valued settings.
func (s Settings) withDefaults() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	return s
}

// Breaker is the state machine for a single protected dependency.
// Each Breaker owns its own mutex; breakers for different keys never
// contend with each other.
type Breaker struct {
	mu sync.Mutex

	name   string
	logger *slog.Logger

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool // a half-open trial is in flight

	settings Settings
}

func newBreaker(name string, s Settings, logger *slog.Logger) *Breaker {
	return &Breaker{
		name:     name,
		logger:   logger,
		state:    StateClosed,
		settings: s.withDefaults(),
	}
}

// Call executes op under the breaker's state machine. When the circuit
// is open it returns ErrOpen without invoking op. A panic inside op is
// recovered and returned as a *PanicError; it counts as a failure.
func (b *Breaker) Call(op func() error) error {
	if err := b.acquire(); err != nil {
		metrics.BreakerCalls.WithLabelValues(b.name, "open").Inc()
		return err
	}

	err := b.run(op)
	b.record(err == nil)

	switch {
	case err == nil:
		metrics.BreakerCalls.WithLabelValues(b.name, "success").Inc()
	case isPanic(err):
		metrics.BreakerCalls.WithLabelValues(b.name, "panic").Inc()
	default:
		metrics.BreakerCalls.WithLabelValues(b.name, "failure").Inc()
	}
	return err
}

// run invokes op, converting a panic into an error.
func (b *Breaker) run(op func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("guarded operation panicked", "dependency", b.name, "panic", r)
			err = &PanicError{Value: r}
		}
	}()
	return op()
}

func isPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// acquire decides whether the current call may execute. The open→half-open
// transition is evaluated lazily here, on the next attempt after the
// reset timeout, never via a background timer.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.settings.ResetTimeout {
			return ErrOpen
		}
		b.transitionTo(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		// Exactly one trial at a time; concurrent callers fail fast.
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// record applies the outcome of an executed call.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			b.transitionTo(StateClosed)
		} else {
			// A single half-open failure reopens; no threshold counting.
			b.transitionTo(StateOpen)
		}
	case StateOpen:
		// A trial that started in half-open may report after a concurrent
		// transition. The open state is already authoritative.
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with zero failures. Safe from
// any state and idempotent.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.consecutiveFailures = 0
	b.transitionTo(StateClosed)
	b.openedAt = time.Time{}
}

// configure updates settings without touching runtime counters.
func (b *Breaker) configure(s Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = s.withDefaults()
}

// snapshot returns the breaker's observable state. Must not be called
// with b.mu held.
func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"dependency", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateOpen:
		b.openedAt = time.Now()
	}
}
