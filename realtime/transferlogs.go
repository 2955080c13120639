package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
)

// TransferEvent is the assembled payload emitted on EventLiveTransferDetected.
type TransferEvent struct {
	From         string
	To           string
	TokenAddress string
	Value        string
	ChainID      int64
	BlockNumber  uint64
	TxHash       string
	LogIndex     uint
	Timestamp    time.Time
}

// TransferLogsWatcher maintains at most one active ERC-20 Transfer log
// subscription per chain, shared by every registered consumer and
// filtered per-consumer to transfers touching one of its tracked
// addresses on either side. Grounded on the same message_handler.go /
// message_parser.go pairing as NewHeadsDriver, specialized to route by
// log topic instead of block header.
type TransferLogsWatcher struct {
	bus *eventbus.Bus
	log *slog.Logger

	mu     sync.Mutex
	chains map[int64]*transferState
}

type transferConsumer struct {
	addresses  map[string]bool
	onTransfer func(TransferEvent)
	onError    func(error)
}

type transferState struct {
	mu        sync.Mutex
	client    Client
	sub       Subscription
	consumers map[string]*transferConsumer
}

// NewTransferLogsWatcher constructs a watcher sharing bus for emission.
func NewTransferLogsWatcher(bus *eventbus.Bus, log *slog.Logger) *TransferLogsWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &TransferLogsWatcher{bus: bus, log: log, chains: make(map[int64]*transferState)}
}

// Subscribe registers consumerID's interest in chainID's Transfer-topic
// log stream, arming the underlying WatchLogs call on first use and
// reusing it for every subsequent consumer on the same chain.
func (w *TransferLogsWatcher) Subscribe(ctx context.Context, chainID int64, consumerID string, client Client, addresses []string, onTransfer func(TransferEvent), onError func(error)) error {
	w.mu.Lock()
	st, had := w.chains[chainID]
	w.mu.Unlock()

	consumer := &transferConsumer{addresses: normalizeSet(addresses), onTransfer: onTransfer, onError: onError}

	if had {
		st.mu.Lock()
		st.consumers[consumerID] = consumer
		st.mu.Unlock()
		return nil
	}

	st = &transferState{client: client, consumers: map[string]*transferConsumer{consumerID: consumer}}
	filter := LogFilter{Topics: []string{chain.TransferTopic}}
	sub, err := client.WatchLogs(ctx, filter, func(l Log) {
		w.handleLog(chainID, st, l)
	})
	if err != nil {
		return err
	}
	st.sub = sub

	w.mu.Lock()
	w.chains[chainID] = st
	w.mu.Unlock()

	w.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"kind": "transfer_logs"})
	return nil
}

// handleLog decodes an ERC-20 Transfer log: topics[1]/topics[2] are the
// padded from/to addresses, Data the transferred raw amount. Logs that
// don't decode (wrong topic count) are skipped, not errored.
func (w *TransferLogsWatcher) handleLog(chainID int64, st *transferState, l Log) {
	if len(l.Topics) < 3 {
		return
	}
	from := chain.NormalizeAddress(topicToAddress(l.Topics[1]))
	to := chain.NormalizeAddress(topicToAddress(l.Topics[2]))

	evt := TransferEvent{
		From:         from,
		To:           to,
		TokenAddress: chain.NormalizeAddress(l.Address),
		Value:        l.Data,
		ChainID:      chainID,
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash,
		LogIndex:     l.Index,
		Timestamp:    time.Now().UTC(),
	}

	st.mu.Lock()
	consumers := make([]*transferConsumer, 0, len(st.consumers))
	for _, c := range st.consumers {
		consumers = append(consumers, c)
	}
	st.mu.Unlock()

	emitted := false
	for _, c := range consumers {
		if !c.addresses[from] && !c.addresses[to] {
			continue
		}
		if !emitted {
			w.bus.Emit(chain.EventLiveTransferDetected, chainID, evt)
			emitted = true
		}
		if c.onTransfer != nil {
			c.onTransfer(evt)
		}
	}
}

// topicToAddress strips the left-padding a 32-byte topic slot applies to a
// 20-byte address, using common.HexToAddress's own BytesToAddress
// right-alignment instead of hand-rolled slicing.
func topicToAddress(topic string) string {
	return common.HexToAddress(topic).Hex()
}

// AddTrackedAddress/RemoveTrackedAddress adjust one consumer's watched
// address set without tearing down the underlying log subscription.
func (w *TransferLogsWatcher) AddTrackedAddress(chainID int64, consumerID, address string) {
	w.mu.Lock()
	st, ok := w.chains[chainID]
	w.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if c, ok := st.consumers[consumerID]; ok {
		c.addresses[chain.NormalizeAddress(address)] = true
	}
	st.mu.Unlock()
}

func (w *TransferLogsWatcher) RemoveTrackedAddress(chainID int64, consumerID, address string) {
	w.mu.Lock()
	st, ok := w.chains[chainID]
	w.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if c, ok := st.consumers[consumerID]; ok {
		delete(c.addresses, chain.NormalizeAddress(address))
	}
	st.mu.Unlock()
}

// Resubscribe tears down and rebuilds chainID's subscription against
// client, preserving every registered consumer, e.g. after a reconnect
// hands back a new Client instance.
func (w *TransferLogsWatcher) Resubscribe(ctx context.Context, chainID int64, client Client) error {
	w.mu.Lock()
	st, ok := w.chains[chainID]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	consumers := st.consumers
	st.mu.Unlock()

	st.unsubscribe()

	w.mu.Lock()
	delete(w.chains, chainID)
	w.mu.Unlock()

	for id, c := range consumers {
		addrs := make([]string, 0, len(c.addresses))
		for a := range c.addresses {
			addrs = append(addrs, a)
		}
		if err := w.Subscribe(ctx, chainID, id, client, addrs, c.onTransfer, c.onError); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeConsumer removes one consumer's registration; the
// underlying WatchLogs call stays armed for any remaining consumers.
func (w *TransferLogsWatcher) UnsubscribeConsumer(chainID int64, consumerID string) {
	w.mu.Lock()
	st, ok := w.chains[chainID]
	w.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.consumers, consumerID)
	st.mu.Unlock()
}

// IsSubscribed reports whether chainID currently has an active
// subscription (any consumer).
func (w *TransferLogsWatcher) IsSubscribed(chainID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.chains[chainID]
	return ok
}

// Unsubscribe tears down chainID's subscription entirely, regardless of
// remaining consumers; idempotent.
func (w *TransferLogsWatcher) Unsubscribe(chainID int64) {
	w.mu.Lock()
	st, ok := w.chains[chainID]
	if ok {
		delete(w.chains, chainID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	st.unsubscribe()
	w.bus.Emit(chain.EventSubscriptionRemoved, chainID, map[string]any{"kind": "transfer_logs"})
}

func (st *transferState) unsubscribe() {
	st.mu.Lock()
	sub := st.sub
	st.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Destroy tears down every active chain subscription; idempotent.
func (w *TransferLogsWatcher) Destroy() {
	w.mu.Lock()
	chains := w.chains
	w.chains = make(map[int64]*transferState)
	w.mu.Unlock()
	for _, st := range chains {
		st.unsubscribe()
	}
}
