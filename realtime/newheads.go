package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
)

// NewHeadsDriver maintains at most one active WatchNewHeads subscription
// per chain, shared by every consumer registered against that chain:
// each new block fans out to every registered onBlock callback and, per
// tracked address across every consumer, a native-balance refresh.
// Grounded on the teacher's message_handler.go/message_parser.go
// pairing: one inbound message triggers both a pass-through callback and
// a derived secondary fetch, here block headers driving per-address
// balance lookups instead of price ticks driving position revaluation.
type NewHeadsDriver struct {
	bus *eventbus.Bus
	log *slog.Logger

	mu     sync.Mutex
	chains map[int64]*headsState
}

type headsConsumer struct {
	addresses map[string]bool
	onBlock   func(BlockHeader)
	onBalance func(addr string, bal chain.Balance)
	onError   func(error)
}

type headsState struct {
	mu        sync.Mutex
	client    Client
	sub       Subscription
	consumers map[string]*headsConsumer
}

// NewNewHeadsDriver constructs a driver sharing bus for event emission.
func NewNewHeadsDriver(bus *eventbus.Bus, log *slog.Logger) *NewHeadsDriver {
	if log == nil {
		log = slog.Default()
	}
	return &NewHeadsDriver{bus: bus, log: log, chains: make(map[int64]*headsState)}
}

// Subscribe registers consumerID's interest in chainID's new-heads
// stream, arming the underlying WatchNewHeads call on first use and
// reusing it for every subsequent consumer on the same chain.
func (d *NewHeadsDriver) Subscribe(ctx context.Context, chainID int64, consumerID string, client Client, addresses []string, onBlock func(BlockHeader), onBalance func(addr string, bal chain.Balance), onError func(error)) error {
	d.mu.Lock()
	st, had := d.chains[chainID]
	d.mu.Unlock()

	consumer := &headsConsumer{addresses: normalizeSet(addresses), onBlock: onBlock, onBalance: onBalance, onError: onError}

	if had {
		st.mu.Lock()
		st.consumers[consumerID] = consumer
		st.mu.Unlock()
		return nil
	}

	st = &headsState{client: client, consumers: map[string]*headsConsumer{consumerID: consumer}}
	sub, err := client.WatchNewHeads(ctx, func(h BlockHeader) {
		d.handleHeader(chainID, st, h)
	})
	if err != nil {
		return err
	}
	st.sub = sub

	d.mu.Lock()
	d.chains[chainID] = st
	d.mu.Unlock()

	d.bus.Emit(chain.EventSubscriptionCreated, chainID, map[string]any{"kind": "new_heads"})
	return nil
}

func (d *NewHeadsDriver) handleHeader(chainID int64, st *headsState, h BlockHeader) {
	d.bus.Emit(chain.EventLiveBlockReceived, chainID, h)

	st.mu.Lock()
	consumers := make([]*headsConsumer, 0, len(st.consumers))
	for _, c := range st.consumers {
		consumers = append(consumers, c)
	}
	client := st.client
	st.mu.Unlock()

	fetched := make(map[string]chain.Balance)
	fetchErr := make(map[string]error)

	for _, c := range consumers {
		if c.onBlock != nil {
			c.onBlock(h)
		}
		for addr := range c.addresses {
			bal, ok := fetched[addr]
			if !ok {
				if err, failed := fetchErr[addr]; failed {
					if c.onError != nil {
						c.onError(err)
					}
					continue
				}
				raw, err := client.GetBalance(context.Background(), addr)
				if err != nil {
					d.log.Warn("realtime new-heads balance refresh failed", "chain_id", chainID, "address", addr, "error", err)
					fetchErr[addr] = err
					if c.onError != nil {
						c.onError(err)
					}
					continue
				}
				bal = chain.Balance{Address: addr, ChainID: chainID, Raw: raw}
				fetched[addr] = bal
				d.bus.Emit(chain.EventLiveBalanceUpdated, chainID, bal)
			}
			if c.onBalance != nil {
				c.onBalance(addr, bal)
			}
		}
	}
}

// AddTrackedAddress/RemoveTrackedAddress adjust one consumer's address
// set without tearing down the underlying block subscription.
func (d *NewHeadsDriver) AddTrackedAddress(chainID int64, consumerID, address string) {
	d.mu.Lock()
	st, ok := d.chains[chainID]
	d.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if c, ok := st.consumers[consumerID]; ok {
		c.addresses[chain.NormalizeAddress(address)] = true
	}
	st.mu.Unlock()
}

func (d *NewHeadsDriver) RemoveTrackedAddress(chainID int64, consumerID, address string) {
	d.mu.Lock()
	st, ok := d.chains[chainID]
	d.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if c, ok := st.consumers[consumerID]; ok {
		delete(c.addresses, chain.NormalizeAddress(address))
	}
	st.mu.Unlock()
}

// IsSubscribed reports whether chainID currently has an active
// subscription (any consumer).
func (d *NewHeadsDriver) IsSubscribed(chainID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.chains[chainID]
	return ok
}

// UnsubscribeConsumer removes one consumer's registration; the
// underlying WatchNewHeads call stays armed for any remaining consumers.
func (d *NewHeadsDriver) UnsubscribeConsumer(chainID int64, consumerID string) {
	d.mu.Lock()
	st, ok := d.chains[chainID]
	d.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.consumers, consumerID)
	st.mu.Unlock()
}

// Unsubscribe tears down chainID's subscription entirely, regardless of
// remaining consumers; idempotent.
func (d *NewHeadsDriver) Unsubscribe(chainID int64) {
	d.mu.Lock()
	st, ok := d.chains[chainID]
	if ok {
		delete(d.chains, chainID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	st.unsubscribe()
	d.bus.Emit(chain.EventSubscriptionRemoved, chainID, map[string]any{"kind": "new_heads"})
}

func (st *headsState) unsubscribe() {
	st.mu.Lock()
	sub := st.sub
	st.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Destroy tears down every active chain subscription; idempotent.
func (d *NewHeadsDriver) Destroy() {
	d.mu.Lock()
	chains := d.chains
	d.chains = make(map[int64]*headsState)
	d.mu.Unlock()
	for _, st := range chains {
		st.unsubscribe()
	}
}

func normalizeSet(addresses []string) map[string]bool {
	out := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		out[chain.NormalizeAddress(a)] = true
	}
	return out
}
