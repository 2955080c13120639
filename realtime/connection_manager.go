package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/breaker"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
	"github.com/cygnus-wealth/evm-resilience/retry"
)

// ConnectionManagerConfig mirrors spec.md §4.13.
type ConnectionManagerConfig struct {
	ReconnectBaseDelay  time.Duration // default 1s
	ReconnectMaxDelay   time.Duration // default 30s
	MaxReconnectAttempts int          // default 10
	HeartbeatInterval   time.Duration // default 30s
	PongTimeout         time.Duration // default 10s
	ConnectionTimeout   time.Duration // default 5s
	Clock               clock.Clock
	Logger              *slog.Logger
}

type perChain struct {
	mu        sync.Mutex
	client    Client
	transport Transport
	subs      int

	reconnectAttempts int
	reconnecting      bool
	lastPong          time.Time

	wsBreaker *breaker.Breaker
}

// ConnectionManager owns at most one WebSocket-capable client per chain
// plus an HTTP-capable fallback, per spec.md §4.13. Grounded directly on
// adapter/websocket/connection_manager.go's ConnectionManager: the same
// connect/reconnect-with-backoff/heartbeat-monitoring shape, generalized
// from one Saxo streaming session to N independent EVM chains.
type ConnectionManager struct {
	cfg      ConnectionManagerConfig
	clk      clock.Clock
	log      *slog.Logger
	bus      *eventbus.Bus
	wsFactory   ClientFactory
	httpFactory ClientFactory

	mu     sync.Mutex
	chains map[int64]*perChain
}

// NewConnectionManager constructs a ConnectionManager with spec.md
// defaults applied.
func NewConnectionManager(bus *eventbus.Bus, wsFactory, httpFactory ClientFactory, cfg ConnectionManagerConfig) *ConnectionManager {
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ConnectionManager{
		cfg: cfg, clk: cfg.Clock, log: cfg.Logger, bus: bus,
		wsFactory: wsFactory, httpFactory: httpFactory,
		chains: make(map[int64]*perChain),
	}
}

func (cm *ConnectionManager) chainState(chainID int64) *perChain {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pc, ok := cm.chains[chainID]
	if !ok {
		pc = &perChain{wsBreaker: breaker.New(breaker.Config{
			Name:  fmt.Sprintf("realtime-ws-chain-%d", chainID),
			Clock: cm.clk,
		})}
		cm.chains[chainID] = pc
	}
	return pc
}

// GetClient attempts a WebSocket connect bounded by ConnectionTimeout; on
// success it arms a heartbeat and returns (client, websocket); on failure
// it falls back to the HTTP client and returns (client, polling).
func (cm *ConnectionManager) GetClient(chainID int64) (Client, Transport, error) {
	pc := cm.chainState(chainID)
	pc.mu.Lock()
	if pc.client != nil {
		c, tr := pc.client, pc.transport
		pc.mu.Unlock()
		return c, tr, nil
	}
	pc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.ConnectionTimeout)
	defer cancel()

	if wsClient, err := cm.tryConnectWS(ctx, chainID, pc); err == nil {
		pc.mu.Lock()
		pc.client, pc.transport, pc.reconnectAttempts = wsClient, TransportWebsocket, 0
		pc.lastPong = cm.clk.Now()
		pc.mu.Unlock()

		go cm.heartbeatLoop(chainID, wsClient)

		cm.bus.Emit(chain.EventWebsocketConnected, chainID, map[string]any{"transport": string(TransportWebsocket)})
		return wsClient, TransportWebsocket, nil
	}

	httpClient, err := cm.httpFactory(context.Background(), chainID)
	if err != nil {
		return nil, "", fmt.Errorf("realtime: no client available for chain %d: %w", chainID, err)
	}
	if err := httpClient.Connect(context.Background()); err != nil {
		return nil, "", fmt.Errorf("realtime: http fallback connect failed for chain %d: %w", chainID, err)
	}

	pc.mu.Lock()
	pc.client, pc.transport = httpClient, TransportPolling
	pc.mu.Unlock()

	return httpClient, TransportPolling, nil
}

// tryConnectWS attempts a WebSocket connect through pc's breaker: a chain
// whose endpoint keeps failing trips OPEN and fails fast to the HTTP/polling
// fallback instead of retrying the dial on every call.
func (cm *ConnectionManager) tryConnectWS(ctx context.Context, chainID int64, pc *perChain) (Client, error) {
	if cm.wsFactory == nil {
		return nil, fmt.Errorf("no websocket factory configured")
	}
	var c Client
	err := pc.wsBreaker.Execute(func() error {
		candidate, err := cm.wsFactory(ctx, chainID)
		if err != nil {
			return err
		}
		if err := candidate.Connect(ctx); err != nil {
			return err
		}
		c = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (cm *ConnectionManager) heartbeatLoop(chainID int64, c Client) {
	t := cm.clk.NewTicker(cm.cfg.HeartbeatInterval)
	defer t.Stop()
	for range t.Chan() {
		pc := cm.chainState(chainID)
		pc.mu.Lock()
		if pc.client != c {
			pc.mu.Unlock()
			return
		}
		pc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.PongTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			cm.log.Warn("realtime heartbeat missed pong", "chain_id", chainID, "error", err)
			cm.handleDisconnect(chainID, c)
			return
		}
		pc.mu.Lock()
		pc.lastPong = cm.clk.Now()
		pc.mu.Unlock()
	}
}

func (cm *ConnectionManager) handleDisconnect(chainID int64, c Client) {
	pc := cm.chainState(chainID)
	pc.mu.Lock()
	if pc.client == c {
		pc.client = nil
	}
	already := pc.reconnecting
	pc.reconnecting = true
	pc.mu.Unlock()

	_ = c.Close()
	cm.bus.Emit(chain.EventWebsocketDisconnected, chainID, map[string]any{"reason": "heartbeat timeout"})

	if !already {
		go cm.reconnectLoop(chainID)
	}
}

// reconnectLoop mirrors the teacher's reconnectWithBackoff: delay
// min(base*2^attempt, max) with retry's shared jitter policy, up to
// MaxReconnectAttempts.
func (cm *ConnectionManager) reconnectLoop(chainID int64) {
	pc := cm.chainState(chainID)
	defer func() {
		pc.mu.Lock()
		pc.reconnecting = false
		pc.mu.Unlock()
	}()

	for attempt := 0; attempt < cm.cfg.MaxReconnectAttempts; attempt++ {
		delay := retry.Delay(attempt, cm.cfg.ReconnectBaseDelay, cm.cfg.ReconnectMaxDelay, 2, 0.3)
		cm.clk.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), cm.cfg.ConnectionTimeout)
		wsClient, err := cm.tryConnectWS(ctx, chainID, pc)
		cancel()
		if err != nil {
			cm.log.Warn("realtime reconnect attempt failed", "chain_id", chainID, "attempt", attempt+1, "error", err)
			continue
		}

		pc.mu.Lock()
		pc.client, pc.transport, pc.reconnectAttempts = wsClient, TransportWebsocket, 0
		pc.lastPong = cm.clk.Now()
		pc.mu.Unlock()

		go cm.heartbeatLoop(chainID, wsClient)
		cm.bus.Emit(chain.EventWebsocketConnected, chainID, map[string]any{"transport": string(TransportWebsocket), "reconnect": true})
		return
	}

	cm.log.Error("realtime max reconnect attempts reached", "chain_id", chainID, "max_attempts", cm.cfg.MaxReconnectAttempts)
}

// IncrementSubscriptionCount/DecrementSubscriptionCount track how many
// live subscriptions depend on this chain's client; Decrement returns the
// remaining count and never goes below zero. SubscriptionService keeps
// these counts in step with its handles but decides driver teardown from
// its own per-chain handle count.
func (cm *ConnectionManager) IncrementSubscriptionCount(chainID int64) {
	pc := cm.chainState(chainID)
	pc.mu.Lock()
	pc.subs++
	pc.mu.Unlock()
}

func (cm *ConnectionManager) DecrementSubscriptionCount(chainID int64) int {
	pc := cm.chainState(chainID)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.subs > 0 {
		pc.subs--
	}
	return pc.subs
}

// Connect attempts (re)establishment of a WS client for chainID;
// exported for PollManager's recovery probe.
func (cm *ConnectionManager) Connect(ctx context.Context, chainID int64) (Client, error) {
	pc := cm.chainState(chainID)
	wsClient, err := cm.tryConnectWS(ctx, chainID, pc)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	pc.client, pc.transport, pc.reconnectAttempts = wsClient, TransportWebsocket, 0
	pc.mu.Unlock()
	go cm.heartbeatLoop(chainID, wsClient)
	cm.bus.Emit(chain.EventWebsocketConnected, chainID, map[string]any{"transport": string(TransportWebsocket), "recovered": true})
	return wsClient, nil
}
