package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
)

// PollManagerConfig mirrors spec.md §4.16.
type PollManagerConfig struct {
	DefaultPollInterval time.Duration // default 5s
	WSRecoveryInterval  time.Duration // default 10s
	Clock               clock.Clock
	Logger              *slog.Logger
}

// PollCallbacks are invoked from the poll loop for chainID.
type PollCallbacks struct {
	OnBlock    func(BlockHeader)
	OnBalance  func(addr string, bal chain.Balance)
	OnTransfer func(TransferEvent)
	OnError    func(error)
	OnWSRecovered func(chainID int64)
}

type pollState struct {
	stop      chan struct{}
	stopOnce  sync.Once
}

// PollManager is the polling-transport fallback for chains whose
// WebSocket connection attempt failed or dropped: one ticker per chain
// re-fetching the latest block and, on advance, balances and transfer
// logs, plus a separate recovery ticker attempting to re-establish the
// WebSocket connection. Grounded on strangelove-ventures' noble-cctp-relayer
// ethereum-listener.go TrackLatestBlockHeight/WalletBalanceMetric
// timer-select loops, generalized from one fixed metric per loop to the
// full block/balance/transfer poll set and paired with a reconnect probe.
type PollManager struct {
	pcfg PollManagerConfig
	clk  clock.Clock
	log  *slog.Logger
	bus  *eventbus.Bus
	cm   *ConnectionManager

	mu     sync.Mutex
	chains map[int64]*pollState
}

// NewPollManager constructs a PollManager driven by cm's Connect for
// recovery probing.
func NewPollManager(bus *eventbus.Bus, cm *ConnectionManager, cfg PollManagerConfig) *PollManager {
	if cfg.DefaultPollInterval == 0 {
		cfg.DefaultPollInterval = 5 * time.Second
	}
	if cfg.WSRecoveryInterval == 0 {
		cfg.WSRecoveryInterval = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PollManager{
		pcfg: cfg, clk: cfg.Clock, log: cfg.Logger, bus: bus, cm: cm,
		chains: make(map[int64]*pollState),
	}
}

// StartPolling begins polling chainID via client for addresses, invoking
// callbacks as data changes. At most one poll loop runs per chain; a
// second call for the same chain is a no-op. Polls run immediately, then
// repeat at DefaultPollInterval.
func (pm *PollManager) StartPolling(chainID int64, client Client, addresses []string, callbacks PollCallbacks, trackTransfers bool) {
	pm.mu.Lock()
	if _, ok := pm.chains[chainID]; ok {
		pm.mu.Unlock()
		return
	}
	st := &pollState{stop: make(chan struct{})}
	pm.chains[chainID] = st
	pm.mu.Unlock()

	go pm.pollLoop(chainID, client, normalizeSet(addresses), callbacks, trackTransfers, st)
	go pm.recoveryLoop(chainID, callbacks, st)
}

func (pm *PollManager) pollLoop(chainID int64, client Client, addresses map[string]bool, cb PollCallbacks, trackTransfers bool, st *pollState) {
	var lastBlock uint64

	poll := func() {
		n, err := client.BlockNumber(context.Background())
		if err != nil {
			pm.log.Warn("poll manager block number fetch failed", "chain_id", chainID, "error", err)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if n <= lastBlock && lastBlock != 0 {
			return // no advance, nothing to do
		}
		lastBlock = n

		header, err := client.GetBlockByNumber(context.Background(), n)
		if err != nil {
			pm.log.Warn("poll manager block fetch failed", "chain_id", chainID, "error", err)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		pm.bus.Emit(chain.EventLiveBlockReceived, chainID, header)
		if cb.OnBlock != nil {
			cb.OnBlock(header)
		}

		for addr := range addresses {
			raw, err := client.GetBalance(context.Background(), addr)
			if err != nil {
				pm.log.Warn("poll manager balance fetch failed", "chain_id", chainID, "address", addr, "error", err)
				if cb.OnError != nil {
					cb.OnError(err)
				}
				continue
			}
			bal := chain.Balance{Address: addr, ChainID: chainID, Raw: raw}
			pm.bus.Emit(chain.EventLiveBalanceUpdated, chainID, bal)
			if cb.OnBalance != nil {
				cb.OnBalance(addr, bal)
			}
		}

		if trackTransfers {
			pm.pollTransfers(chainID, client, addresses, header.Number, cb)
		}
	}

	poll()

	t := pm.clk.NewTicker(pm.pcfg.DefaultPollInterval)
	defer t.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-t.Chan():
			poll()
		}
	}
}

func (pm *PollManager) pollTransfers(chainID int64, client Client, addresses map[string]bool, blockNumber uint64, cb PollCallbacks) {
	logs, err := client.GetLogs(context.Background(), LogFilter{Topics: []string{chain.TransferTopic}, FromBlock: blockNumber, ToBlock: &blockNumber})
	if err != nil {
		pm.log.Warn("poll manager transfer log fetch failed", "chain_id", chainID, "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return
	}

	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		from := chain.NormalizeAddress(topicToAddress(l.Topics[1]))
		to := chain.NormalizeAddress(topicToAddress(l.Topics[2]))
		if !addresses[from] && !addresses[to] {
			continue
		}
		evt := TransferEvent{
			From: from, To: to,
			TokenAddress: chain.NormalizeAddress(l.Address),
			Value:        l.Data,
			ChainID:      chainID,
			BlockNumber:  l.BlockNumber,
			TxHash:       l.TxHash,
			LogIndex:     l.Index,
			Timestamp:    time.Now().UTC(),
		}
		pm.bus.Emit(chain.EventLiveTransferDetected, chainID, evt)
		if cb.OnTransfer != nil {
			cb.OnTransfer(evt)
		}
	}
}

func (pm *PollManager) recoveryLoop(chainID int64, cb PollCallbacks, st *pollState) {
	if pm.cm == nil {
		return
	}
	t := pm.clk.NewTicker(pm.pcfg.WSRecoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-t.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := pm.cm.Connect(ctx, chainID)
			cancel()
			if err != nil {
				continue
			}
			pm.StopPolling(chainID)
			if cb.OnWSRecovered != nil {
				cb.OnWSRecovered(chainID)
			}
			return
		}
	}
}

// AddTrackedAddress/RemoveTrackedAddress are intentionally unsupported
// mid-poll: callers that need to change the address set restart polling
// via StopPolling/StartPolling, matching the all-or-nothing address set
// captured by pollLoop's closure.

// IsPolling reports whether chainID currently has an active poll loop.
func (pm *PollManager) IsPolling(chainID int64) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	_, ok := pm.chains[chainID]
	return ok
}

// StopPolling halts chainID's poll and recovery loops; idempotent.
func (pm *PollManager) StopPolling(chainID int64) {
	pm.mu.Lock()
	st, ok := pm.chains[chainID]
	if ok {
		delete(pm.chains, chainID)
	}
	pm.mu.Unlock()
	if !ok {
		return
	}
	st.stopOnce.Do(func() { close(st.stop) })
}

// Destroy halts every active chain's poll loops; idempotent.
func (pm *PollManager) Destroy() {
	pm.mu.Lock()
	chains := pm.chains
	pm.chains = make(map[int64]*pollState)
	pm.mu.Unlock()
	for _, st := range chains {
		st.stopOnce.Do(func() { close(st.stop) })
	}
}
