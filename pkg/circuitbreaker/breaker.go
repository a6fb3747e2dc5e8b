// Package circuitbreaker sheds load from a failing downstream: after a
// run of failures calls are rejected immediately until a probe succeeds.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of the breaker.
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
	}
	return "unknown"
}

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tune the state machine. Zero values take defaults.
type Settings struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	return s
}

// Breaker is a named circuit breaker, safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inflight  int
	openUntil time.Time
	now       func() time.Time
}

// New builds a Breaker.
func New(name string, settings Settings) *Breaker {
	return &Breaker{name: name, settings: settings.withDefaults(), now: time.Now}
}

// State returns the current state, accounting for an elapsed open
// timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn under the breaker. When open it returns ErrOpen without
// calling fn; context errors from fn count as failures like any other.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.now().Before(b.openUntil) {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		// One probe at a time.
		if b.inflight > 0 {
			return ErrOpen
		}
		b.inflight++
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				b.transition(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.settings.FailureThreshold {
		b.openUntil = b.now().Add(b.settings.Timeout)
		b.transition(StateOpen)
	}
}

// transition changes state. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	if to != StateHalfOpen {
		b.successes = 0
	}
	if cb := b.settings.OnStateChange; cb != nil {
		go cb(b.name, from, to)
	}
}
