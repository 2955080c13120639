// Package breaker implements the circuit breaker state machine from
// spec.md §4.8: CLOSED/OPEN/HALF_OPEN with a volume threshold, counted over
// every request since construction or the last Reset (not over a rolling
// window), gating the CLOSED→OPEN transition. Grounded primarily on
// other_examples' ag-ui resilience.go CircuitBreaker (state field,
// failure/success counters, fail-fast while OPEN, half-open probe
// counting) combined with lesson12_rate_limiter.go's CircuitBreaker
// (simpler OPEN→HALF_OPEN-on-timeout gate), since neither alone carries
// spec.md's volume_threshold gate on the CLOSED→OPEN transition.
package breaker

import (
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
)

// State enumerates the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config mirrors spec.md §4.8.
type Config struct {
	FailureThreshold int           // default 5
	SuccessThreshold int           // default 3
	Timeout          time.Duration // default 30s
	VolumeThreshold  int           // default 10
	RollingWindow    time.Duration // default 60s; stored but not read: the volume count is cumulative
	Name             string
	Clock            clock.Clock
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State          State
	FailureCount   int
	TotalRequests  int
	HalfOpenSucc   int
	OpenedAt       time.Time
	LastFailureAt  time.Time
}

// Breaker is a single named circuit.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu            sync.Mutex
	state         State
	failureCount  int
	totalRequests int
	halfOpenSucc  int
	openedAt      time.Time
	lastFailureAt time.Time
}

// New constructs a Breaker with spec.md defaults applied.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.VolumeThreshold == 0 {
		cfg.VolumeThreshold = 10
	}
	if cfg.RollingWindow == 0 {
		cfg.RollingWindow = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	return &Breaker{cfg: cfg, clk: cfg.Clock, state: Closed}
}

// Execute runs fn through the breaker: fails fast with CircuitBreakerOpen
// while OPEN (unless the timeout has elapsed, in which case it transitions
// to HALF_OPEN first and attempts fn), and updates state per the outcome.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == Open {
		if b.clk.Now().Before(b.openedAt.Add(b.cfg.Timeout)) {
			resetAt := b.openedAt.Add(b.cfg.Timeout)
			failureCount := b.failureCount
			b.mu.Unlock()
			return errs.NewCircuitBreakerOpen(b.cfg.Name, resetAt, failureCount)
		}
		b.state = HalfOpen
		b.halfOpenSucc = 0
	}
	b.totalRequests++
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if err != nil {
			b.tripOpenLocked()
			return err
		}
		b.halfOpenSucc++
		if b.halfOpenSucc >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
		}
		return nil

	default: // Closed
		if err != nil {
			b.failureCount++
			b.lastFailureAt = b.clk.Now()
			if b.totalRequests >= b.cfg.VolumeThreshold && b.failureCount >= b.cfg.FailureThreshold {
				b.tripOpenLocked()
			}
			return err
		}
		b.failureCount = 0
		return nil
	}
}

// tripOpenLocked must be called with mu held.
func (b *Breaker) tripOpenLocked() {
	b.state = Open
	b.openedAt = b.clk.Now()
}

// Reset forces CLOSED and clears all counters; manual intervention only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.totalRequests = 0
	b.halfOpenSucc = 0
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns a snapshot of breaker counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:         b.state,
		FailureCount:  b.failureCount,
		TotalRequests: b.totalRequests,
		HalfOpenSucc:  b.halfOpenSucc,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}
