// Package retry implements the exponential-backoff retry policy from
// spec.md §4.9: delay(n) = min(base*multiplier^n, max) with uniform
// ±jitter_factor jitter, retriability delegated to the error taxonomy.
// Grounded on other_examples' ag-ui resilience.go RetryManager (attempt
// loop, on-retry hook invoked before the wait, stats accumulation) and the
// teacher's reconnectWithBackoff in adapter/websocket/connection_manager.go
// (the same base*2^attempt-capped-at-max shape, applied there to
// reconnects instead of request retries).
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
)

// Config mirrors spec.md §4.9.
type Config struct {
	MaxAttempts     int // default 3
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64 // default 2
	JitterFactor    float64 // default 0.3, in [0,1]
	RetriableCodes  map[errs.Code]bool
	OnRetry         func(attempt int, err error, delay time.Duration)
	Clock           clock.Clock
}

// Policy runs fn with exponential backoff and jitter between attempts.
type Policy struct {
	cfg Config
	clk clock.Clock
}

// New constructs a Policy, applying spec.md defaults and validating
// max_attempts >= 0, base_delay >= 0, max_delay >= base_delay.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}
	if cfg.JitterFactor == 0 {
		cfg.JitterFactor = 0.3
	}
	if cfg.RetriableCodes == nil {
		cfg.RetriableCodes = errs.DefaultRetriableCodes()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}

	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("retry: max_attempts must be >= 0, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseDelay < 0 {
		return nil, fmt.Errorf("retry: base_delay must be >= 0, got %s", cfg.BaseDelay)
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return nil, fmt.Errorf("retry: max_delay (%s) must be >= base_delay (%s)", cfg.MaxDelay, cfg.BaseDelay)
	}

	return &Policy{cfg: cfg, clk: cfg.Clock}, nil
}

// Delay returns the jittered backoff duration for attempt n (0-indexed),
// exposed so other components (e.g. the WS reconnect loop) can reuse the
// same jitter policy.
func Delay(n int, base, max time.Duration, multiplier, jitterFactor float64) time.Duration {
	raw := float64(base) * math.Pow(multiplier, float64(n))
	if raw > float64(max) {
		raw = float64(max)
	}
	return jitter(time.Duration(raw), jitterFactor)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// Stats describes one Execute run's retry bookkeeping.
type Stats struct {
	Attempts   int
	TotalDelay time.Duration
	Errors     []error
}

// Execute attempts fn, retrying on retriable errors per the configured
// backoff schedule, up to MaxAttempts total attempts.
func (p *Policy) Execute(fn func() error) error {
	_, err := p.executeWithStats(fn)
	return err
}

// ExecuteWithStats is the stats-returning variant from spec.md §4.9.
func (p *Policy) ExecuteWithStats(fn func() error) (Stats, error) {
	return p.executeWithStats(fn)
}

func (p *Policy) executeWithStats(fn func() error) (Stats, error) {
	var stats Stats

	for attempt := 0; ; attempt++ {
		stats.Attempts++
		err := fn()
		if err == nil {
			return stats, nil
		}

		stats.Errors = append(stats.Errors, err)

		if !errs.ClassifyRetriable(err, p.cfg.RetriableCodes) || attempt >= p.cfg.MaxAttempts-1 {
			return stats, err
		}

		delay := Delay(attempt, p.cfg.BaseDelay, p.cfg.MaxDelay, p.cfg.Multiplier, p.cfg.JitterFactor)
		stats.TotalDelay += delay

		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry(attempt+1, err, delay)
		}
		p.clk.Sleep(delay)
	}
}
