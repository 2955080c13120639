// Package pool implements the generic connection pool from spec.md §4.5:
// min/idle/max sizing, health-checked release, and LIFO/FIFO/round-robin
// selection. Generalized (SPEC_FULL.md §4.23) beyond network sockets to
// any connection-like resource, concretely instantiated by the realtime
// package's pooled HTTP polling client. Grounded on the round-robin
// manager-array selection in other_examples' polymarket-arb
// pkg/websocket/pool.go, adapted from "N fixed managers" to a dynamic
// min/idle/max pool with a factory and health check, and on the teacher's
// periodic health-check pattern in adapter/websocket/connection_manager.go
// (heartbeat ticker that tears down and replaces a bad connection).
package pool

import (
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/errs"
)

// Strategy selects which idle connection acquire() hands out.
type Strategy int

const (
	LIFO Strategy = iota
	FIFO
	RoundRobin
)

// Factory creates, destroys, and health-checks connections of type C.
type Factory[C any] interface {
	Create() (C, error)
	Destroy(c C)
	IsHealthy(c C) bool
}

// Config mirrors spec.md §4.5.
type Config struct {
	MinConnections        int           // default 2
	MaxConnections        int           // default 10
	IdleTimeout           time.Duration // default 30s
	ConnectionTimeout     time.Duration // default 5s; reserved for Factory.Create call sites
	HealthCheckInterval   time.Duration // default 60s
	Strategy              Strategy
	Clock                 clock.Clock
}

type idleConn[C any] struct {
	conn    C
	idledAt time.Time
}

// Stats is a snapshot of pool sizing and health-check counters.
type Stats struct {
	Total              int
	Idle               int
	Active             int
	HealthChecksFailed int64
}

// Pool is a generic, health-checked connection pool.
type Pool[C any] struct {
	cfg     Config
	clk     clock.Clock
	factory Factory[C]
	name    string

	mu      sync.Mutex
	idle    []idleConn[C]
	total   int
	rrIndex int

	healthChecksFailed int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pool, applying spec.md defaults, and starts the
// periodic health-check loop.
func New[C any](name string, factory Factory[C], cfg Config) *Pool[C] {
	if cfg.MinConnections == 0 {
		cfg.MinConnections = 2
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}

	p := &Pool[C]{cfg: cfg, clk: cfg.Clock, factory: factory, name: name, stopCh: make(chan struct{})}
	if cfg.HealthCheckInterval > 0 {
		go p.healthCheckLoop()
	}
	return p
}

// Acquire sweeps idle-expired connections, then selects one per Strategy;
// if none are available and total < max, creates a new one; otherwise
// fails with a pool-exhausted error.
func (p *Pool[C]) Acquire() (C, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepIdleLocked()

	if len(p.idle) > 0 {
		var picked idleConn[C]
		switch p.cfg.Strategy {
		case FIFO:
			picked, p.idle = p.idle[0], p.idle[1:]
		case RoundRobin:
			i := p.rrIndex % len(p.idle)
			p.rrIndex++
			picked = p.idle[i]
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
		default: // LIFO
			last := len(p.idle) - 1
			picked, p.idle = p.idle[last], p.idle[:last]
		}
		return picked.conn, nil
	}

	if p.total < p.cfg.MaxConnections {
		c, err := p.factory.Create()
		if err != nil {
			var zero C
			return zero, err
		}
		p.total++
		return c, nil
	}

	var zero C
	return zero, errs.NewPoolExhausted(p.name, p.cfg.MaxConnections)
}

func (p *Pool[C]) sweepIdleLocked() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	now := p.clk.Now()
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if now.Sub(ic.idledAt) > p.cfg.IdleTimeout {
			p.factory.Destroy(ic.conn)
			p.total--
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
}

// Release health-checks c; an unhealthy connection is destroyed and the
// pool is topped up toward MinConnections, otherwise c returns to the
// idle set.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.factory.IsHealthy(c) {
		p.factory.Destroy(c)
		p.total--
		p.topUpLocked()
		return
	}
	p.idle = append(p.idle, idleConn[C]{conn: c, idledAt: p.clk.Now()})
}

func (p *Pool[C]) topUpLocked() {
	for p.total < p.cfg.MinConnections {
		c, err := p.factory.Create()
		if err != nil {
			return
		}
		p.total++
		p.idle = append(p.idle, idleConn[C]{conn: c, idledAt: p.clk.Now()})
	}
}

// Execute acquires a connection, runs fn against it, and releases it even
// on error.
func (p *Pool[C]) Execute(fn func(c C) error) error {
	c, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Drain destroys idle connections; if force, the active-connection count
// is also zeroed, which does not gracefully abort any in-flight operation
// still holding a reference to a connection (per spec.md §4.5).
func (p *Pool[C]) Drain(force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ic := range p.idle {
		p.factory.Destroy(ic.conn)
	}
	p.total -= len(p.idle)
	p.idle = nil
	if force {
		p.total = 0
	}
}

// Stats returns a snapshot of pool sizing and health counters.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:              p.total,
		Idle:               len(p.idle),
		Active:             p.total - len(p.idle),
		HealthChecksFailed: p.healthChecksFailed,
	}
}

func (p *Pool[C]) healthCheckLoop() {
	t := p.clk.NewTicker(p.cfg.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.Chan():
			p.runHealthCheck()
		}
	}
}

func (p *Pool[C]) runHealthCheck() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, ic := range p.idle {
		if p.factory.IsHealthy(ic.conn) {
			kept = append(kept, ic)
			continue
		}
		p.factory.Destroy(ic.conn)
		p.total--
		p.healthChecksFailed++
	}
	p.idle = kept
	p.topUpLocked()
}

// Close stops the background health-check loop. Safe to call more than
// once.
func (p *Pool[C]) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
