package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
	"github.com/cygnus-wealth/evm-resilience/ids"
)

// SubscriptionStatus is a SubscriptionHandle's lifecycle state. A handle
// never leaves Closed once set.
type SubscriptionStatus string

const (
	StatusActive SubscriptionStatus = "active"
	StatusPaused SubscriptionStatus = "paused"
	StatusError  SubscriptionStatus = "error"
	StatusClosed SubscriptionStatus = "closed"
)

// SubscriptionType identifies what a handle is watching.
type SubscriptionType string

const (
	TypeBalances            SubscriptionType = "balances"
	TypeTokenTransfers      SubscriptionType = "tokenTransfers"
	TypeNewBlocks           SubscriptionType = "newBlocks"
	TypePendingTransactions SubscriptionType = "pendingTransactions"
	TypeContractEvents      SubscriptionType = "contractEvents"
)

// SubscriptionHandle is the caller-facing handle returned by every
// SubscriptionService.Subscribe* call, per spec.md §4.17. Setup
// (connecting, arming drivers) runs synchronously inside the Subscribe*
// call, so the handle comes back only once setup has finished or failed.
type SubscriptionHandle[T any] struct {
	ID      string
	Type    SubscriptionType
	ChainID int64

	mu        sync.Mutex
	status    SubscriptionStatus
	transport Transport
	createdAt time.Time
	cleanup   func()
	closeOnce sync.Once

	bus *eventbus.Bus
}

func newHandle[T any](id string, typ SubscriptionType, chainID int64, clk clock.Clock, bus *eventbus.Bus) *SubscriptionHandle[T] {
	return &SubscriptionHandle[T]{
		ID: id, Type: typ, ChainID: chainID,
		status: StatusActive, transport: TransportWebsocket,
		createdAt: clk.Now(), bus: bus,
	}
}

// Status returns the handle's current lifecycle state.
func (h *SubscriptionHandle[T]) Status() SubscriptionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Transport returns which transport currently backs this handle.
func (h *SubscriptionHandle[T]) Transport() Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

func (h *SubscriptionHandle[T]) setTransport(tr Transport) {
	h.mu.Lock()
	h.transport = tr
	h.mu.Unlock()
}

func (h *SubscriptionHandle[T]) setStatus(s SubscriptionStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Unsubscribe runs the handle's cleanup exactly once, marks it closed, and
// emits SUBSCRIPTION_REMOVED. Safe to call more than once.
func (h *SubscriptionHandle[T]) Unsubscribe() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		cleanup := h.cleanup
		h.status = StatusClosed
		h.mu.Unlock()

		if cleanup != nil {
			cleanup()
		}
		h.bus.Emit(chain.EventSubscriptionRemoved, h.ChainID, map[string]any{"subscription_id": h.ID, "type": string(h.Type)})
	})
}

// SubscriptionServiceConfig wires the collaborators the orchestrator
// coordinates.
type SubscriptionServiceConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger
}

// SubscriptionService is the orchestrator from spec.md §4.17: it asks the
// connection manager for a client, arms the appropriate driver or falls
// back to polling, and passes the handle's callbacks straight to that
// driver or client; no per-handle EventBus subscription is made. Grounded on
// the teacher's subscription_manager.go (per-subscription bookkeeping,
// resubscribe on reconnect, address-set interest tracking), generalized
// from Saxo price-tick subscriptions to the five EVM subscription kinds.
type SubscriptionService struct {
	cfg  SubscriptionServiceConfig
	clk  clock.Clock
	log  *slog.Logger
	bus  *eventbus.Bus
	cm   *ConnectionManager
	heads     *NewHeadsDriver
	transfers *TransferLogsWatcher
	poll      *PollManager

	mu       sync.Mutex
	destroyed bool
	handles   map[string]interface{ Unsubscribe() }

	chainConsumers map[int64]int // count of active handles per chain, any type
}

// NewSubscriptionService constructs the orchestrator over an already-wired
// ConnectionManager/NewHeadsDriver/TransferLogsWatcher/PollManager.
func NewSubscriptionService(bus *eventbus.Bus, cm *ConnectionManager, heads *NewHeadsDriver, transfers *TransferLogsWatcher, poll *PollManager, cfg SubscriptionServiceConfig) *SubscriptionService {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubscriptionService{
		cfg: cfg, clk: cfg.Clock, log: cfg.Logger, bus: bus,
		cm: cm, heads: heads, transfers: transfers, poll: poll,
		handles:        make(map[string]interface{ Unsubscribe() }),
		chainConsumers: make(map[int64]int),
	}
}

// SubscribeBalances watches native-balance updates for addresses on
// chainID, driven by NewHeadsDriver over WebSocket or PollManager over
// polling.
func (s *SubscriptionService) SubscribeBalances(chainID int64, addresses []string, onBalance func(addr string, bal chain.Balance), onError func(error)) (*SubscriptionHandle[chain.Balance], error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	handle := newHandle[chain.Balance](ids.Opaque(), TypeBalances, chainID, s.clk, s.bus)
	s.registerHandle(handle.ID, handle)

	client, transport, err := s.cm.GetClient(chainID)
	if err != nil {
		handle.setStatus(StatusError)
		return handle, err
	}
	handle.setTransport(transport)
	s.cm.IncrementSubscriptionCount(chainID)
	s.incChainConsumers(chainID)

	if transport == TransportWebsocket {
		if err := s.heads.Subscribe(context.Background(), chainID, handle.ID, client, addresses, nil, onBalance, onError); err != nil {
			handle.setStatus(StatusError)
			return handle, err
		}
	} else {
		s.poll.StartPolling(chainID, client, addresses, PollCallbacks{OnBalance: onBalance, OnError: onError}, false)
	}

	handle.mu.Lock()
	handle.cleanup = func() {
		s.cm.DecrementSubscriptionCount(chainID)
		s.heads.UnsubscribeConsumer(chainID, handle.ID)
		if s.decChainConsumers(chainID) == 0 {
			s.heads.Unsubscribe(chainID)
			s.poll.StopPolling(chainID)
		}
	}
	handle.mu.Unlock()

	s.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"subscription_id": handle.ID, "type": string(TypeBalances)})
	return handle, nil
}

// SubscribeTokenTransfers watches ERC-20 Transfer logs touching
// addresses (either side, case-insensitive) on chainID.
func (s *SubscriptionService) SubscribeTokenTransfers(chainID int64, addresses []string, onTransfer func(TransferEvent), onError func(error)) (*SubscriptionHandle[TransferEvent], error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	handle := newHandle[TransferEvent](ids.Opaque(), TypeTokenTransfers, chainID, s.clk, s.bus)
	s.registerHandle(handle.ID, handle)

	client, transport, err := s.cm.GetClient(chainID)
	if err != nil {
		handle.setStatus(StatusError)
		return handle, err
	}
	handle.setTransport(transport)
	s.cm.IncrementSubscriptionCount(chainID)
	s.incChainConsumers(chainID)

	if transport == TransportWebsocket {
		if err := s.transfers.Subscribe(context.Background(), chainID, handle.ID, client, addresses, onTransfer, onError); err != nil {
			handle.setStatus(StatusError)
			return handle, err
		}
	} else {
		s.poll.StartPolling(chainID, client, addresses, PollCallbacks{OnTransfer: onTransfer, OnError: onError}, true)
	}

	handle.mu.Lock()
	handle.cleanup = func() {
		s.cm.DecrementSubscriptionCount(chainID)
		s.transfers.UnsubscribeConsumer(chainID, handle.ID)
		if s.decChainConsumers(chainID) == 0 {
			s.transfers.Unsubscribe(chainID)
			s.poll.StopPolling(chainID)
		}
	}
	handle.mu.Unlock()

	s.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"subscription_id": handle.ID, "type": string(TypeTokenTransfers)})
	return handle, nil
}

// SubscribeNewBlocks watches new block headers on chainID.
func (s *SubscriptionService) SubscribeNewBlocks(chainID int64, onBlock func(BlockHeader), onError func(error)) (*SubscriptionHandle[BlockHeader], error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	handle := newHandle[BlockHeader](ids.Opaque(), TypeNewBlocks, chainID, s.clk, s.bus)
	s.registerHandle(handle.ID, handle)

	client, transport, err := s.cm.GetClient(chainID)
	if err != nil {
		handle.setStatus(StatusError)
		return handle, err
	}
	handle.setTransport(transport)
	s.cm.IncrementSubscriptionCount(chainID)
	s.incChainConsumers(chainID)

	if transport == TransportWebsocket {
		if err := s.heads.Subscribe(context.Background(), chainID, handle.ID, client, nil, onBlock, nil, onError); err != nil {
			handle.setStatus(StatusError)
			return handle, err
		}
	} else {
		s.poll.StartPolling(chainID, client, nil, PollCallbacks{OnBlock: onBlock, OnError: onError}, false)
	}

	handle.mu.Lock()
	handle.cleanup = func() {
		s.cm.DecrementSubscriptionCount(chainID)
		s.heads.UnsubscribeConsumer(chainID, handle.ID)
		if s.decChainConsumers(chainID) == 0 {
			s.heads.Unsubscribe(chainID)
			s.poll.StopPolling(chainID)
		}
	}
	handle.mu.Unlock()

	s.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"subscription_id": handle.ID, "type": string(TypeNewBlocks)})
	return handle, nil
}

// SubscribePendingTransactions watches the mempool on chainID. Pending
// transactions have no polling equivalent: when only an HTTP client is
// available the handle transitions to Paused rather than Error.
func (s *SubscriptionService) SubscribePendingTransactions(chainID int64, onHash func(string), onError func(error)) (*SubscriptionHandle[string], error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	handle := newHandle[string](ids.Opaque(), TypePendingTransactions, chainID, s.clk, s.bus)
	s.registerHandle(handle.ID, handle)

	client, transport, err := s.cm.GetClient(chainID)
	if err != nil {
		handle.setStatus(StatusError)
		return handle, err
	}
	handle.setTransport(transport)

	if transport != TransportWebsocket {
		handle.setStatus(StatusPaused)
		handle.mu.Lock()
		handle.cleanup = func() {}
		handle.mu.Unlock()
		return handle, nil
	}

	s.cm.IncrementSubscriptionCount(chainID)
	sub, err := client.WatchPendingTransactions(context.Background(), func(hash string) {
		if onHash != nil {
			onHash(hash)
		}
	})
	if err != nil {
		s.cm.DecrementSubscriptionCount(chainID)
		handle.setStatus(StatusError)
		if onError != nil {
			onError(err)
		}
		return handle, err
	}

	handle.mu.Lock()
	handle.cleanup = func() {
		sub.Unsubscribe()
		s.cm.DecrementSubscriptionCount(chainID)
	}
	handle.mu.Unlock()

	s.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"subscription_id": handle.ID, "type": string(TypePendingTransactions)})
	return handle, nil
}

// SubscribeContractEvents watches logs matching filter on chainID. Like
// pending transactions, this has no polling equivalent and pauses when
// only an HTTP client is available.
func (s *SubscriptionService) SubscribeContractEvents(chainID int64, filter LogFilter, onLog func(Log), onError func(error)) (*SubscriptionHandle[Log], error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	handle := newHandle[Log](ids.Opaque(), TypeContractEvents, chainID, s.clk, s.bus)
	s.registerHandle(handle.ID, handle)

	client, transport, err := s.cm.GetClient(chainID)
	if err != nil {
		handle.setStatus(StatusError)
		return handle, err
	}
	handle.setTransport(transport)

	if transport != TransportWebsocket {
		handle.setStatus(StatusPaused)
		handle.mu.Lock()
		handle.cleanup = func() {}
		handle.mu.Unlock()
		return handle, nil
	}

	s.cm.IncrementSubscriptionCount(chainID)
	sub, err := client.WatchLogs(context.Background(), filter, func(l Log) {
		if onLog != nil {
			onLog(l)
		}
	})
	if err != nil {
		s.cm.DecrementSubscriptionCount(chainID)
		handle.setStatus(StatusError)
		if onError != nil {
			onError(err)
		}
		return handle, err
	}

	handle.mu.Lock()
	handle.cleanup = func() {
		sub.Unsubscribe()
		s.cm.DecrementSubscriptionCount(chainID)
	}
	handle.mu.Unlock()

	s.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"subscription_id": handle.ID, "type": string(TypeContractEvents)})
	return handle, nil
}

func (s *SubscriptionService) checkAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return fmt.Errorf("realtime: subscription service destroyed")
	}
	return nil
}

func (s *SubscriptionService) registerHandle(id string, h interface{ Unsubscribe() }) {
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
}

func (s *SubscriptionService) incChainConsumers(chainID int64) {
	s.mu.Lock()
	s.chainConsumers[chainID]++
	s.mu.Unlock()
}

func (s *SubscriptionService) decChainConsumers(chainID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainConsumers[chainID] > 0 {
		s.chainConsumers[chainID]--
	}
	return s.chainConsumers[chainID]
}

// Unsubscribe tears down the handle with the given id, if still known.
func (s *SubscriptionService) Unsubscribe(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	if ok {
		h.Unsubscribe()
	}
}

// Destroy closes every handle and tears down every driver; further
// subscribe calls fail. Idempotent.
func (s *SubscriptionService) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	handles := s.handles
	s.handles = make(map[string]interface{ Unsubscribe() })
	s.mu.Unlock()

	for _, h := range handles {
		h.Unsubscribe()
	}
	s.heads.Destroy()
	s.transfers.Destroy()
	s.poll.Destroy()
	s.bus.RemoveAllListeners()
}
