// Package clock wraps jonboulle/clockwork behind a narrower interface so
// every timer-owning component in this module (cache sweep, coalescer
// sweep, pool health checks, rate limiter refill, breaker/retry/bulkhead
// timeouts, the WS heartbeat and reconnect loop, the poll manager) can be
// driven deterministically in tests instead of sleeping for real.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock this module depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

// Ticker mirrors time.Ticker.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// Timer mirrors time.Timer.
type Timer interface {
	Chan() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct {
	clockwork.Clock
}

func (r realClock) NewTicker(d time.Duration) Ticker {
	return tickerAdapter{r.Clock.NewTicker(d)}
}

func (r realClock) NewTimer(d time.Duration) Timer {
	return timerAdapter{r.Clock.NewTimer(d)}
}

type tickerAdapter struct{ t clockwork.Ticker }

func (a tickerAdapter) Chan() <-chan time.Time { return a.t.Chan() }
func (a tickerAdapter) Stop()                  { a.t.Stop() }

type timerAdapter struct{ t clockwork.Timer }

func (a timerAdapter) Chan() <-chan time.Time     { return a.t.Chan() }
func (a timerAdapter) Stop() bool                 { return a.t.Stop() }
func (a timerAdapter) Reset(d time.Duration) bool { return a.t.Reset(d) }

// NewReal returns a Clock backed by wall-clock time.
func NewReal() Clock { return realClock{clockwork.NewRealClock()} }

// FakeClock extends Clock with the ability to advance time manually, for
// deterministic tests of delay/timeout/backoff logic.
type FakeClock interface {
	Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

type fakeClock struct {
	clockwork.FakeClock
}

func (f fakeClock) NewTicker(d time.Duration) Ticker {
	return tickerAdapter{f.FakeClock.NewTicker(d)}
}

func (f fakeClock) NewTimer(d time.Duration) Timer {
	return timerAdapter{f.FakeClock.NewTimer(d)}
}

func (f fakeClock) Advance(d time.Duration) { f.FakeClock.Advance(d) }

// NewFake returns a FakeClock starting at a fixed instant, for use in
// package tests that need to assert on backoff delays without sleeping.
func NewFake() FakeClock {
	return fakeClock{clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
}
