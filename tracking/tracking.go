// Package tracking implements TrackingService from spec.md §4.20: one
// poll loop per tracked (address, chain) pair, diffing balance/transaction
// state on each tick and routing changes to caller callbacks. Grounded on
// realtime.PollManager's per-chain pollLoop shape (itself grounded on
// other_examples/850e20ba's Ethereum listener), generalized from "one poll
// loop per chain" to "one poll loop per tracked pair" since tracking
// targets specific addresses rather than every live subscriber on a chain.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/balance"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/transaction"
)

const (
	defaultPollingInterval = 30 * time.Second
	maxTrackedHashes       = 100
)

// Config wires a Service to the services it polls through.
type Config struct {
	Balances     *balance.Service
	Transactions *transaction.Service
	Clock        clock.Clock
	Logger       *slog.Logger
}

// TrackConfig describes one tracked (chain, address) pair.
type TrackConfig struct {
	ChainID           int64
	Address           string
	TrackBalances     bool
	TrackTransactions bool
	PollingInterval   time.Duration
	OnBalanceChange   func(old, new chain.Balance)
	OnNewTransaction  func(tx chain.Transaction)
	OnError           func(error)
}

// Status is the per-pair lifecycle snapshot spec.md §4.20 exposes.
type Status struct {
	IsActive   bool
	LastUpdate time.Time
	ErrorCount int
	LastError  error
}

type pair struct {
	cfg TrackConfig

	stop     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	haveBalance bool
	lastBalance chain.Balance
	txBaseline  bool
	seenHashes  map[string]bool
	hashOrder   []string
	status      Status
}

// Service implements spec.md §4.20.
type Service struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu        sync.Mutex
	destroyed bool
	pairs     map[string]*pair
}

// New constructs a Service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{cfg: cfg, clk: cfg.Clock, log: cfg.Logger, pairs: make(map[string]*pair)}
}

func pairKey(chainID int64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, chain.NormalizeAddress(address))
}

// StartTracking begins polling one (chain, address) pair. Starting a pair
// that's already tracked stops the prior loop first, matching
// update_tracking_config's "stop + restart" semantics for a bare restart.
func (s *Service) StartTracking(tc TrackConfig) error {
	if tc.PollingInterval <= 0 {
		tc.PollingInterval = defaultPollingInterval
	}
	key := pairKey(tc.ChainID, tc.Address)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("tracking: service destroyed")
	}
	if existing, ok := s.pairs[key]; ok {
		existing.stopOnce.Do(func() { close(existing.stop) })
	}
	p := &pair{
		cfg:        tc,
		stop:       make(chan struct{}),
		seenHashes: make(map[string]bool),
		status:     Status{IsActive: true},
	}
	s.pairs[key] = p
	s.mu.Unlock()

	go s.pollLoop(p)
	return nil
}

// StopTracking stops one (chain, address) pair; idempotent.
func (s *Service) StopTracking(chainID int64, address string) {
	key := pairKey(chainID, address)
	s.mu.Lock()
	p, ok := s.pairs[key]
	if ok {
		delete(s.pairs, key)
	}
	s.mu.Unlock()
	if ok {
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

// StopChain stops every pair tracked on chainID.
func (s *Service) StopChain(chainID int64) {
	prefix := fmt.Sprintf("%d:", chainID)
	s.mu.Lock()
	var toStop []*pair
	for key, p := range s.pairs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			toStop = append(toStop, p)
			delete(s.pairs, key)
		}
	}
	s.mu.Unlock()
	for _, p := range toStop {
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

// StopAll stops every tracked pair.
func (s *Service) StopAll() {
	s.mu.Lock()
	all := s.pairs
	s.pairs = make(map[string]*pair)
	s.mu.Unlock()
	for _, p := range all {
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

// UpdateTrackingConfig stops the existing pair (if any) and restarts it
// with merge applied over its current TrackConfig.
func (s *Service) UpdateTrackingConfig(chainID int64, address string, merge func(*TrackConfig)) error {
	key := pairKey(chainID, address)
	s.mu.Lock()
	p, ok := s.pairs[key]
	s.mu.Unlock()

	tc := TrackConfig{ChainID: chainID, Address: address}
	if ok {
		p.mu.Lock()
		tc = p.cfg
		p.mu.Unlock()
	}
	merge(&tc)
	tc.ChainID, tc.Address = chainID, address
	return s.StartTracking(tc)
}

// Status returns the current lifecycle snapshot for a tracked pair.
func (s *Service) Status(chainID int64, address string) (Status, bool) {
	s.mu.Lock()
	p, ok := s.pairs[pairKey(chainID, address)]
	s.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, true
}

// Destroy stops every tracked pair and rejects further StartTracking
// calls; idempotent.
func (s *Service) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	all := s.pairs
	s.pairs = make(map[string]*pair)
	s.mu.Unlock()
	for _, p := range all {
		p.stopOnce.Do(func() { close(p.stop) })
	}
}

func (s *Service) pollLoop(p *pair) {
	t := s.clk.NewTicker(p.cfg.PollingInterval)
	defer t.Stop()

	tick := func() { s.tick(p) }
	tick()
	for {
		select {
		case <-p.stop:
			return
		case <-t.Chan():
			tick()
		}
	}
}

func (s *Service) tick(p *pair) {
	p.mu.Lock()
	tc := p.cfg
	p.mu.Unlock()

	ctx := context.Background()

	if tc.TrackBalances && s.cfg.Balances != nil {
		bal, err := s.cfg.Balances.GetBalance(ctx, tc.Address, tc.ChainID, balance.GetBalanceOptions{ForceFresh: true})
		if err != nil {
			s.recordError(p, err, tc)
		} else {
			p.mu.Lock()
			old, had := p.lastBalance, p.haveBalance
			p.lastBalance, p.haveBalance = bal, true
			p.status.LastUpdate = s.clk.Now()
			p.mu.Unlock()
			if had && old.Raw != bal.Raw && tc.OnBalanceChange != nil {
				tc.OnBalanceChange(old, bal)
			}
		}
	}

	if tc.TrackTransactions && s.cfg.Transactions != nil {
		page, err := s.cfg.Transactions.GetTransactions(ctx, tc.Address, tc.ChainID, transaction.Options{
			TransactionOptions: chain.TransactionOptions{PageSize: maxTrackedHashes},
		})
		if err != nil {
			s.recordError(p, err, tc)
		} else {
			s.diffTransactions(p, page.Items, tc)
			p.mu.Lock()
			p.status.LastUpdate = s.clk.Now()
			p.mu.Unlock()
		}
	}
}

// diffTransactions implements spec.md §4.20's baseline-then-diff rule: the
// first tick per pair only records the hash set; subsequent ticks emit
// on_new_transaction for hashes not yet seen, capping the remembered set
// at maxTrackedHashes by evicting the oldest insertion.
func (s *Service) diffTransactions(p *pair, txs []chain.Transaction, tc TrackConfig) {
	p.mu.Lock()
	firstTick := !p.txBaseline
	p.txBaseline = true
	var fresh []chain.Transaction
	for _, tx := range txs {
		if p.seenHashes[tx.Hash] {
			continue
		}
		if !firstTick {
			fresh = append(fresh, tx)
		}
		p.seenHashes[tx.Hash] = true
		p.hashOrder = append(p.hashOrder, tx.Hash)
		if len(p.hashOrder) > maxTrackedHashes {
			oldest := p.hashOrder[0]
			p.hashOrder = p.hashOrder[1:]
			delete(p.seenHashes, oldest)
		}
	}
	p.mu.Unlock()

	if tc.OnNewTransaction != nil {
		for _, tx := range fresh {
			tc.OnNewTransaction(tx)
		}
	}
}

func (s *Service) recordError(p *pair, err error, tc TrackConfig) {
	p.mu.Lock()
	p.status.ErrorCount++
	p.status.LastError = err
	p.mu.Unlock()
	s.log.Warn("tracking poll failed", "chain_id", tc.ChainID, "address", tc.Address, "error", err)
	if tc.OnError != nil {
		tc.OnError(err)
	}
}
