package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrek82/tooldb/core"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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
	}
	return "closed"
}

// CircuitBreakerMiddleware stops sending statements to the backend after
// Threshold consecutive failures, until ResetTimeout has passed. Canceled
// contexts and duplicate or foreign key violations are not failures of the
// backend and do not count.
type CircuitBreakerMiddleware struct {
	Threshold    int           // Number of failures before opening
	ResetTimeout time.Duration // Time to wait before half-open

	mu             sync.Mutex
	state          State
	failures       int
	lastFailure    time.Time
	halfOpenPassed bool
	now            func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreakerMiddleware {
	return &CircuitBreakerMiddleware{
		Threshold:    threshold,
		ResetTimeout: resetTimeout,
		state:        StateClosed,
		now:          time.Now,
	}
}

func (m *CircuitBreakerMiddleware) Name() string {
	return "CircuitBreaker"
}

func (m *CircuitBreakerMiddleware) Init(*core.DB) error {
	return nil
}

func (m *CircuitBreakerMiddleware) Shutdown() error {
	return nil
}

// State returns the current state.
func (m *CircuitBreakerMiddleware) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *CircuitBreakerMiddleware) Process(ctx context.Context, st *core.Statement, next core.ExecFunc) (*core.Result, error) {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		if m.now().Sub(m.lastFailure) > m.ResetTimeout {
			m.state = StateHalfOpen
			m.halfOpenPassed = false
		} else {
			m.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	case StateHalfOpen:
		// one probe at a time
		if m.halfOpenPassed {
			m.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	}
	if m.state == StateHalfOpen {
		m.halfOpenPassed = true
	}
	m.mu.Unlock()

	res, err := next(ctx, st)

	m.mu.Lock()
	defer m.mu.Unlock()

	if countsAsFailure(err) {
		m.recordFailure()
	} else {
		m.recordSuccess()
	}

	return res, err
}

func countsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case core.IsDuplicateKey(err), core.IsForeignKey(err):
		return false
	}
	return true
}

func (m *CircuitBreakerMiddleware) recordFailure() {
	m.failures++
	m.lastFailure = m.now()

	if m.state == StateClosed {
		if m.failures >= m.Threshold {
			m.state = StateOpen
		}
	} else if m.state == StateHalfOpen {
		m.state = StateOpen
		m.halfOpenPassed = false
	}
}

func (m *CircuitBreakerMiddleware) recordSuccess() {
	if m.state == StateHalfOpen {
		m.state = StateClosed
		m.halfOpenPassed = false
	}
	// only consecutive failures open the circuit
	m.failures = 0
}
