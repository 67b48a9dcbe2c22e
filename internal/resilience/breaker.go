// Package resilience guards the gateway's backend providers with circuit
// breakers. A breaker trips after repeated failures and rejects calls
// immediately instead of letting every turn wait out a full provider timeout,
// then probes the backend with a limited number of trial calls before
// admitting full traffic again.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker is rejecting calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the current mode of a breaker.
type State int

const (
	// StateClosed admits all calls; failures are counted.
	StateClosed State = iota

	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of trial calls.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes a Breaker. The zero value is usable; zero fields take the
// defaults documented per field.
type Config struct {
	// Name identifies the breaker in logs, typically the backend it guards
	// ("asr", "llm", "tts").
	Name string

	// MaxFailures is the number of consecutive failures that trips the
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing trial
	// calls. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of consecutive successful trial calls needed
	// to close the breaker again. Default 3.
	HalfOpenMax int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	return c
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger for state-transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBreaker creates a closed Breaker with cfg.
func NewBreaker(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn if the breaker admits the call and records the outcome.
// Returns ErrOpen without calling fn when the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// admit decides whether a call may proceed, moving open breakers to
// half-open once the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return fmt.Errorf("%w: %s", ErrOpen, b.cfg.Name)
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess notes a successful call. Exposed for callers whose outcome
// is only known after Execute returns, e.g. stream consumers.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call, tripping the breaker when the
// consecutive-failure limit is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// A single failed trial reopens the breaker.
		b.transition(StateOpen)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
	b.successes = 0
}

// transition switches state and resets the counters. Callers hold b.mu.
func (b *Breaker) transition(next State) {
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	if next == StateOpen {
		b.openedAt = time.Now()
	}
	b.logger.Warn("circuit breaker state change",
		slog.String("breaker", b.cfg.Name),
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
}
