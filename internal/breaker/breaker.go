// Package breaker implements the circuit breaker guarding the remote sync
// endpoint.
//
// States:
//   - Closed: calls pass through; consecutive failures are counted.
//   - Open: calls fail fast until NextAttempt.
//   - HalfOpen: one probe call is let through. Its success closes the
//     circuit, its failure reopens it with a fresh NextAttempt.
//
// State lives in memory only. A new process starts Closed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// ErrOpen is matched by every error returned when a call is rejected.
var ErrOpen = errors.New("circuit open")

// OpenError is returned without invoking the operation while the circuit is
// open, or while a half-open probe is already in flight.
type OpenError struct {
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open until %s", e.NextAttempt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrOpen) true.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
}

// DefaultConfig returns threshold 5 and a 60s reset timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State           State
	Failures        int
	NextAttempt     time.Time
	TotalCalls      int64
	TotalFailures   int64
	TotalRejections int64
}

// Breaker is safe for concurrent use.
type Breaker struct {
	config    Config
	now       func() time.Time
	logger    *slog.Logger
	isFailure func(error) bool
	onChange  func(from, to State)

	mu          sync.Mutex
	state       State
	failures    int
	nextAttempt time.Time
	probing     bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock sets the time source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// WithFailurePredicate decides which operation errors count against the
// circuit. Errors for which it returns false are treated as successful
// contact with the endpoint.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.isFailure = fn
	}
}

// WithStateListener is called, with the breaker lock held, on every
// transition. It must not call back into the breaker.
func WithStateListener(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a closed breaker. Non-positive config values fall back to
// DefaultConfig.
func New(config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}

	b := &Breaker{
		config:    config,
		now:       time.Now,
		logger:    slog.Default(),
		isFailure: defaultIsFailure,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// defaultIsFailure ignores cancellation by the caller.
func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs op if the circuit allows it and records the outcome.
// A rejected call returns *OpenError and does not invoke op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	release, err := b.allow()
	if err != nil {
		return err
	}
	defer release()

	opErr := op(ctx)
	if b.isFailure(opErr) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return opErr
}

func (b *Breaker) allow() (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.totalRejections++
			return nil, &OpenError{NextAttempt: b.nextAttempt}
		}
		b.transitionTo(StateHalfOpen)
		return b.tryProbe()
	case StateHalfOpen:
		return b.tryProbe()
	default:
		return func() {}, nil
	}
}

// tryProbe admits a single half-open call. Caller must hold mu.
func (b *Breaker) tryProbe() (func(), error) {
	if b.probing {
		b.totalRejections++
		return nil, &OpenError{NextAttempt: b.nextAttempt}
	}
	b.probing = true
	return func() {
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	}, nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

// open transitions to Open and schedules the next probe. Caller must hold mu.
func (b *Breaker) open() {
	b.nextAttempt = b.now().Add(b.config.ResetTimeout)
	b.transitionTo(StateOpen)
}

// transitionTo changes state. Caller must hold mu.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.nextAttempt = time.Time{}
	}
	b.logger.Info("circuit breaker transition",
		"from", from.String(),
		"to", to.String(),
		"failures", b.failures,
	)
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed still reports Open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns counters and the current state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		Failures:        b.failures,
		NextAttempt:     b.nextAttempt,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
	}
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.transitionTo(StateClosed)
}
