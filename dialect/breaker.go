package dialect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrek82/txpool/config"
)

// ErrCircuitOpen is returned by Breaker.Connect while the breaker rejects dials.
var ErrCircuitOpen = errors.New("connect circuit breaker is open")

// State is the position of a Breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker wraps a Dialect and stops dialing a database that keeps refusing
// connections. After Threshold consecutive Connect failures it rejects
// attempts with ErrCircuitOpen until ResetTimeout has passed, then lets a
// single trial through.
type Breaker struct {
	Dialect      Dialect
	Threshold    int           // Number of failures before opening
	ResetTimeout time.Duration // Time to wait before half-open

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

// NewBreaker wraps d, opening after threshold consecutive Connect failures
// and allowing a trial once resetTimeout has elapsed.
func NewBreaker(d Dialect, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		Dialect:      d,
		Threshold:    threshold,
		ResetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect dials through the wrapped Dialect unless the breaker is open, and
// records the outcome.
func (b *Breaker) Connect(ctx context.Context, cfg config.Config, onFault FaultFunc) (Conn, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	conn, err := b.Dialect.Connect(ctx, cfg, onFault)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return conn, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) <= b.ResetTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
	case StateHalfOpen:
		// the trial is still in flight
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) recordFailure() {
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.Threshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
	}
}

func (b *Breaker) recordSuccess() {
	b.state = StateClosed
	b.failures = 0
}
