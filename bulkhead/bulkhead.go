// Package bulkhead implements the concurrency bulkhead from spec.md §4.11:
// a bounded number of concurrent operations plus a bounded FIFO wait queue
// with a per-item timeout. Grounded on other_examples' ag-ui
// resilience.go Bulkhead (semaphore-backed concurrency cap with a queue of
// waiters), adapted to spec.md's explicit queue-timeout and
// loadPercentage stat.
package bulkhead

import (
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
)

// Config mirrors spec.md §4.11.
type Config struct {
	MaxConcurrent int           // default 10
	MaxQueue      int           // default 50
	QueueTimeout  time.Duration // default 5s
	Name          string
	Clock         clock.Clock
}

// Stats mirrors spec.md's bulkhead stat set.
type Stats struct {
	Active          int
	Queued          int
	TotalExecuted   int64
	TotalRejected   int64
	TotalTimedOut   int64
}

// LoadPercentage returns active/max_concurrent*100.
func (s Stats) LoadPercentage(maxConcurrent int) float64 {
	if maxConcurrent == 0 {
		return 0
	}
	return float64(s.Active) / float64(maxConcurrent) * 100
}

type queueItem struct {
	run    chan struct{}
	cancel chan struct{}
}

// Bulkhead bounds concurrent execution of fn, queuing overflow up to
// MaxQueue with a per-item timeout.
type Bulkhead struct {
	cfg Config
	clk clock.Clock

	mu      sync.Mutex
	active  int
	queue   []*queueItem

	totalExecuted int64
	totalRejected int64
	totalTimedOut int64
}

// New constructs a Bulkhead with spec.md defaults applied.
func New(cfg Config) *Bulkhead {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxQueue == 0 {
		cfg.MaxQueue = 50
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	return &Bulkhead{cfg: cfg, clk: cfg.Clock}
}

// Execute runs fn immediately if under the concurrency cap, otherwise
// queues it FIFO (rejecting if the queue is already full) and waits its
// turn or the queue timeout, whichever comes first.
func (b *Bulkhead) Execute(fn func() error) error {
	b.mu.Lock()
	if b.active < b.cfg.MaxConcurrent {
		b.active++
		b.mu.Unlock()
		return b.run(fn)
	}

	if len(b.queue) >= b.cfg.MaxQueue {
		b.totalRejected++
		b.mu.Unlock()
		return errs.NewQueueTimeout(b.cfg.Name, 0).WithContext(map[string]any{"reason": "queue full"})
	}

	item := &queueItem{run: make(chan struct{}), cancel: make(chan struct{})}
	b.queue = append(b.queue, item)
	b.mu.Unlock()

	timer := b.clk.NewTimer(b.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-item.run:
		return b.run(fn)
	case <-timer.Chan():
		b.removeFromQueue(item)
		b.mu.Lock()
		b.totalTimedOut++
		b.mu.Unlock()
		return errs.NewQueueTimeout(b.cfg.Name, b.cfg.QueueTimeout)
	case <-item.cancel:
		return errs.NewQueueTimeout(b.cfg.Name, 0).WithContext(map[string]any{"reason": "cleared"})
	}
}

func (b *Bulkhead) run(fn func() error) error {
	err := fn()

	b.mu.Lock()
	b.totalExecuted++
	b.active--
	var next *queueItem
	if len(b.queue) > 0 {
		next, b.queue = b.queue[0], b.queue[1:]
		b.active++
	}
	b.mu.Unlock()

	if next != nil {
		close(next.run)
	}
	return err
}

func (b *Bulkhead) removeFromQueue(target *queueItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, item := range b.queue {
		if item == target {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// ClearQueue cancels every queued timer and rejects all waiters.
func (b *Bulkhead) ClearQueue() {
	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, item := range queued {
		close(item.cancel)
	}
}

// Stats returns current bulkhead statistics.
func (b *Bulkhead) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Active:        b.active,
		Queued:        len(b.queue),
		TotalExecuted: b.totalExecuted,
		TotalRejected: b.totalRejected,
		TotalTimedOut: b.totalTimedOut,
	}
}
