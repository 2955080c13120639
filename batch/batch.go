// Package batch implements the window-based batch processor from spec.md
// §4.4: accept single requests, group them inside a time window or a size
// cap, submit the group to a caller-provided batch function, and fan the
// positional results back out to each waiting caller. Grounded on the
// teacher's SubscriptionManager.HandleSubscriptions, which collects
// multiple subscriptions and submits them as one HTTP-POST group with
// per-item failure isolation (subscription_manager.go).
package batch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
)

// ErrCleared is the default rejection reason used by Clear.
var ErrCleared = errors.New("batch processor cleared")

// Stats mirrors spec.md §4.4.
type Stats struct {
	TotalBatches      int64
	TotalRequests     int64
	LargestBatchSize  int
	SmallestBatchSize int
}

// AverageBatchSize returns TotalRequests/TotalBatches, 0 when no batches
// have run yet.
func (s Stats) AverageBatchSize() float64 {
	if s.TotalBatches == 0 {
		return 0
	}
	return float64(s.TotalRequests) / float64(s.TotalBatches)
}

type pending[Req, Res any] struct {
	request Req
	addedAt time.Time
	resultC chan result[Res]
}

type result[Res any] struct {
	value Res
	err   error
}

// Config configures a Processor.
type Config struct {
	Window    time.Duration // default 50ms
	MaxSize   int           // default 50
	AutoFlush *bool         // default true (nil); false disables the window timer
	Clock     clock.Clock
}

// Processor batches single Req values into groups dispatched to Fn.
type Processor[Req, Res any] struct {
	cfg Config
	clk clock.Clock
	fn  func([]Req) ([]Res, error)

	mu      sync.Mutex
	pending []*pending[Req, Res]
	timer   clock.Timer

	totalBatches  int64
	totalRequests int64
	largest       int
	smallest      int
}

// New constructs a Processor. fn is invoked with the positionally-ordered
// batch of requests and must return either an equal-length slice of
// results or an error; both cases fan out to every pending caller in that
// batch (§4.4: length mismatch fails everyone with a length-mismatch
// error, any other error fails everyone with that error).
func New[Req, Res any](fn func([]Req) ([]Res, error), cfg Config) *Processor[Req, Res] {
	if cfg.Window == 0 {
		cfg.Window = 50 * time.Millisecond
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	return &Processor[Req, Res]{cfg: cfg, clk: cfg.Clock, fn: fn}
}

// Add enqueues req and blocks until its batch has been processed, returning
// its positional result.
func (p *Processor[Req, Res]) Add(req Req) (Res, error) {
	item := &pending[Req, Res]{request: req, addedAt: p.clk.Now(), resultC: make(chan result[Res], 1)}

	p.mu.Lock()
	p.pending = append(p.pending, item)
	shouldFlush := len(p.pending) >= p.cfg.MaxSize
	if len(p.pending) == 1 && !shouldFlush && (p.cfg.AutoFlush == nil || *p.cfg.AutoFlush) {
		p.armTimerLocked()
	}
	if shouldFlush {
		p.cancelTimerLocked()
	}
	p.mu.Unlock()

	if shouldFlush {
		p.processNow()
	}

	r := <-item.resultC
	return r.value, r.err
}

func (p *Processor[Req, Res]) armTimerLocked() {
	p.timer = p.clk.NewTimer(p.cfg.Window)
	go func(t clock.Timer) {
		<-t.Chan()
		p.processNow()
	}(p.timer)
}

func (p *Processor[Req, Res]) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Flush drains and processes whatever is pending right now, returning the
// number of requests processed.
func (p *Processor[Req, Res]) Flush() int {
	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	if n == 0 {
		return 0
	}
	p.processNow()
	return n
}

func (p *Processor[Req, Res]) processNow() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.cancelTimerLocked()
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	reqs := make([]Req, len(batch))
	for i, item := range batch {
		reqs[i] = item.request
	}

	results, err := p.fn(reqs)

	p.mu.Lock()
	p.totalBatches++
	p.totalRequests += int64(len(batch))
	if p.largest == 0 || len(batch) > p.largest {
		p.largest = len(batch)
	}
	if p.smallest == 0 || len(batch) < p.smallest {
		p.smallest = len(batch)
	}
	p.mu.Unlock()

	if err != nil {
		for _, item := range batch {
			item.resultC <- result[Res]{err: err}
		}
		return
	}

	if len(results) != len(batch) {
		mismatch := fmt.Errorf("batch processor returned %d results but expected %d", len(results), len(batch))
		for _, item := range batch {
			item.resultC <- result[Res]{err: mismatch}
		}
		return
	}

	for i, item := range batch {
		item.resultC <- result[Res]{value: results[i]}
	}
}

// Clear rejects every pending request with err (ErrCleared if nil).
func (p *Processor[Req, Res]) Clear(err error) {
	if err == nil {
		err = ErrCleared
	}
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.cancelTimerLocked()
	p.mu.Unlock()

	for _, item := range batch {
		item.resultC <- result[Res]{err: err}
	}
}

// Stats returns current batch processor statistics.
func (p *Processor[Req, Res]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalBatches:      p.totalBatches,
		TotalRequests:     p.totalRequests,
		LargestBatchSize:  p.largest,
		SmallestBatchSize: p.smallest,
	}
}
