// Package fallback implements FallbackChain and RpcFallbackChain from
// spec.md §4.10: an ordered set of strategies (or RPC endpoints) tried in
// turn, each with its own circuit breaker in the RPC case, returning on
// first success or aggregating every error on exhaustion. Grounded on the
// teacher's own WS-vs-HTTP fallback decision in
// adapter/websocket/connection_manager.go (attempt the richer transport
// first, fall back to the simpler one) generalized to an ordered list of
// arbitrary strategies.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/cygnus-wealth/evm-resilience/breaker"
	"github.com/cygnus-wealth/evm-resilience/clock"
)

// Strategy is one named, optionally timeout-bounded, optionally
// conditional attempt in a FallbackChain.
type Strategy[T any] struct {
	Name         string
	Execute      func(ctx context.Context) (T, error)
	ShouldAttempt func(ctx context.Context) bool // optional
	Timeout      time.Duration                   // optional; 0 = no per-strategy timeout
}

// Result is returned by FallbackChain.Execute on success.
type Result[T any] struct {
	Value         T
	StrategyIndex int
	StrategyName  string
	Errors        []error
	Duration      time.Duration
	Success       bool
}

// Chain tries its strategies in order, returning the first success.
type Chain[T any] struct {
	mu         sync.Mutex
	strategies []Strategy[T]
	clk        clock.Clock
}

// NewChain constructs an empty Chain.
func NewChain[T any](clk clock.Clock) *Chain[T] {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Chain[T]{clk: clk}
}

// Add inserts a strategy at index (appending if index < 0 or >= length).
func (c *Chain[T]) Add(index int, s Strategy[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.strategies) {
		c.strategies = append(c.strategies, s)
		return
	}
	c.strategies = append(c.strategies, Strategy[T]{})
	copy(c.strategies[index+1:], c.strategies[index:])
	c.strategies[index] = s
}

// Remove deletes the strategy with the given name, reporting whether one
// was found.
func (c *Chain[T]) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.strategies {
		if s.Name == name {
			c.strategies = append(c.strategies[:i], c.strategies[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists strategy names in current order.
func (c *Chain[T]) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Execute tries each strategy in order, skipping any whose ShouldAttempt
// returns false, applying its per-strategy timeout if set. It returns on
// first success; on exhaustion it returns defaultValue (if provideDefault
// is true) or an aggregate error over every attempt.
func (c *Chain[T]) Execute(ctx context.Context, defaultValue T, provideDefault bool) (Result[T], error) {
	c.mu.Lock()
	strategies := append([]Strategy[T](nil), c.strategies...)
	c.mu.Unlock()

	start := c.clk.Now()
	var errors []error

	for i, s := range strategies {
		if s.ShouldAttempt != nil && !s.ShouldAttempt(ctx) {
			continue
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if s.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		}
		value, err := s.Execute(runCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return Result[T]{
				Value:         value,
				StrategyIndex: i,
				StrategyName:  s.Name,
				Errors:        errors,
				Duration:      c.clk.Now().Sub(start),
				Success:       true,
			}, nil
		}
		errors = append(errors, fmt.Errorf("%s: %w", s.Name, err))
	}

	if provideDefault {
		return Result[T]{Value: defaultValue, StrategyIndex: -1, Errors: errors, Duration: c.clk.Now().Sub(start)}, nil
	}
	return Result[T]{Errors: errors, Duration: c.clk.Now().Sub(start)}, aggregateErr("all fallback strategies failed", errors)
}

func aggregateErr(prefix string, errors []error) error {
	if len(errors) == 0 {
		return fmt.Errorf("%s", prefix)
	}
	parts := make([]string, len(errors))
	for i, e := range errors {
		parts[i] = e.Error()
	}
	return fmt.Errorf("%s: %s", prefix, strings.Join(parts, "; "))
}

// Endpoint is one RPC endpoint in an RpcFallbackChain: a priority (lower
// runs first), a client factory result, its own circuit breaker, and an
// optional OAuth2 client-credentials token source for gateways that front
// JSON-RPC behind bearer auth instead of a bare API key (see spec.md
// §4.22).
type Endpoint[C any] struct {
	URL         string
	Priority    int
	Client      C
	TokenSource oauth2.TokenSource

	breaker *breaker.Breaker

	mu        sync.Mutex
	successes int64
	failures  int64
	lastUsed  time.Time
}

// EndpointStats is a snapshot of one endpoint's counters.
type EndpointStats struct {
	URL       string
	Successes int64
	Failures  int64
	State     breaker.State
	LastUsed  time.Time
}

// RpcOp is the operation an RpcFallbackChain executes against a candidate
// endpoint; tokenSource is nil when the endpoint has none configured.
type RpcOp[C, T any] func(ctx context.Context, client C, tokenSource oauth2.TokenSource) (T, error)

// RpcChain specializes Chain over RPC endpoints: each owns its own
// CircuitBreaker and is skipped while OPEN.
type RpcChain[C, T any] struct {
	id        string
	clk       clock.Clock
	mu        sync.Mutex
	endpoints []*Endpoint[C]
}

// RpcChainConfig configures the shared breaker settings applied to every
// endpoint.
type RpcChainConfig struct {
	ID              string
	FailureThreshold int
	CircuitTimeout   time.Duration
	Clock            clock.Clock
}

// NewRpcChain constructs an RpcChain, sorting endpoints ascending by
// Priority. An empty endpoint set is a construction error, per spec.md
// §4.10.
func NewRpcChain[C, T any](cfg RpcChainConfig, endpoints []Endpoint[C]) (*RpcChain[C, T], error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("fallback: RpcFallbackChain %q requires at least one endpoint", cfg.ID)
	}

	sorted := append([]Endpoint[C](nil), endpoints...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority < sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	rc := &RpcChain[C, T]{id: cfg.ID, clk: clk}
	for _, ep := range sorted {
		e := ep
		e.breaker = breaker.New(breaker.Config{
			FailureThreshold: cfg.FailureThreshold,
			VolumeThreshold:  1,
			Timeout:          cfg.CircuitTimeout,
			Name:             e.URL,
			Clock:            clk,
		})
		rc.endpoints = append(rc.endpoints, &e)
	}
	return rc, nil
}

// RpcResult is returned by RpcChain.Execute on success.
type RpcResult[T any] struct {
	Value       T
	EndpointURL string
	Success     bool
	Errors      []error
}

// Execute iterates endpoints in priority order, skipping any whose breaker
// is OPEN, running op through the surviving endpoint's breaker. On
// exhaustion it fails aggregating every error.
func (rc *RpcChain[C, T]) Execute(ctx context.Context, op RpcOp[C, T]) (RpcResult[T], error) {
	rc.mu.Lock()
	endpoints := append([]*Endpoint[C](nil), rc.endpoints...)
	rc.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if ep.breaker.GetState() == breaker.Open {
			continue
		}

		var value T
		breakerErr := ep.breaker.Execute(func() error {
			v, err := op(ctx, ep.Client, ep.TokenSource)
			value = v
			return err
		})

		ep.mu.Lock()
		ep.lastUsed = rc.clk.Now()
		if breakerErr != nil {
			ep.failures++
		} else {
			ep.successes++
		}
		ep.mu.Unlock()

		if breakerErr == nil {
			return RpcResult[T]{Value: value, EndpointURL: ep.URL, Success: true, Errors: errs}, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep.URL, breakerErr))
	}

	return RpcResult[T]{Errors: errs}, aggregateErr(fmt.Sprintf("all RPC endpoints failed for chain %s", rc.id), errs)
}

// Stats returns a snapshot of every endpoint's counters, in priority
// order.
func (rc *RpcChain[C, T]) Stats() []EndpointStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]EndpointStats, len(rc.endpoints))
	for i, ep := range rc.endpoints {
		ep.mu.Lock()
		out[i] = EndpointStats{
			URL:       ep.URL,
			Successes: ep.successes,
			Failures:  ep.failures,
			State:     ep.breaker.GetState(),
			LastUsed:  ep.lastUsed,
		}
		ep.mu.Unlock()
	}
	return out
}
