// Package account implements the account fan-out layer from spec.md §4.21:
// many account_ids can share one (address, chain_id) pair, so this layer
// deduplicates requests down to unique pairs before hitting BalanceService,
// then fans results back out to every account_id whose chain_scope covers
// the pair. Grounded on tracking.Service's pairKey deduplication shape
// (tracking.go), generalized from "one poll loop per pair" to "one
// balance fetch per pair, many listeners."
package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/cygnus-wealth/evm-resilience/balance"
	"github.com/cygnus-wealth/evm-resilience/chain"
)

// AddressRequest is one account's claim on an address across a set of
// chains, per spec.md §4.21.
type AddressRequest struct {
	AccountID  string
	Address    string
	ChainScope []int64
}

func pairKey(chainID int64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, chain.NormalizeAddress(address))
}

// expand flattens requests into one entry per (account_id, address, chain)
// triple, the unit get_account_balances and subscribe_account_balances
// both dedupe over.
type triple struct {
	accountID string
	address   string
	chainID   int64
}

func expand(requests []AddressRequest) []triple {
	var out []triple
	for _, r := range requests {
		for _, chainID := range r.ChainScope {
			out = append(out, triple{accountID: r.AccountID, address: r.Address, chainID: chainID})
		}
	}
	return out
}

// BalanceResult is one deduplicated (address, chain) balance fetch, fanned
// out to every account_id that claimed it.
type BalanceResult struct {
	AccountIDs []string
	Address    string
	ChainID    int64
	Balance    chain.Balance
}

// ErrorResult mirrors BalanceResult for the failure path.
type ErrorResult struct {
	AccountIDs []string
	Address    string
	ChainID    int64
	Err        error
}

// BalanceService implements spec.md §4.21's AccountBalanceService.
type BalanceService struct {
	balances *balance.Service
}

// New constructs a BalanceService backed by an existing balance.Service.
func New(balances *balance.Service) *BalanceService {
	return &BalanceService{balances: balances}
}

// GetAccountBalances deduplicates requests down to unique (address, chain)
// pairs, invokes the core balance path once per pair, then fans each
// result out to every account_id whose chain_scope covered that pair.
func (s *BalanceService) GetAccountBalances(ctx context.Context, requests []AddressRequest) ([]BalanceResult, []ErrorResult) {
	type pairInfo struct {
		address    string
		chainID    int64
		accountIDs []string
	}
	pairs := make(map[string]*pairInfo)
	var order []string

	for _, t := range expand(requests) {
		key := pairKey(t.chainID, t.address)
		p, ok := pairs[key]
		if !ok {
			p = &pairInfo{address: t.address, chainID: t.chainID}
			pairs[key] = p
			order = append(order, key)
		}
		p.accountIDs = append(p.accountIDs, t.accountID)
	}

	var results []BalanceResult
	var errs []ErrorResult
	for _, key := range order {
		p := pairs[key]
		bal, err := s.balances.GetBalance(ctx, p.address, p.chainID, balance.GetBalanceOptions{})
		if err != nil {
			errs = append(errs, ErrorResult{AccountIDs: p.accountIDs, Address: p.address, ChainID: p.chainID, Err: err})
			continue
		}
		results = append(results, BalanceResult{AccountIDs: p.accountIDs, Address: p.address, ChainID: p.chainID, Balance: bal})
	}
	return results, errs
}

// BalanceEvent is what subscribe_account_balances delivers: a balance
// update enriched with every account_id that claimed the underlying pair.
type BalanceEvent struct {
	AccountIDs []string
	Address    string
	ChainID    int64
	Balance    chain.Balance
}

// SubscriptionService implements spec.md §4.21's AccountSubscriptionService.
type SubscriptionService struct {
	balances *balance.Service

	mu   sync.Mutex
	subs map[string]chain.Unsubscribe
}

// NewSubscriptionService constructs a SubscriptionService.
func NewSubscriptionService(balances *balance.Service) *SubscriptionService {
	return &SubscriptionService{balances: balances, subs: make(map[string]chain.Unsubscribe)}
}

// SubscribeAccountBalances creates one native subscription per unique
// (address, chain) pair and enriches every emitted event with the matching
// set of account_ids before invoking cb. The returned Unsubscribe tears
// down every underlying native subscription this call created.
func (s *SubscriptionService) SubscribeAccountBalances(requests []AddressRequest, cb func(BalanceEvent)) (chain.Unsubscribe, error) {
	type pairInfo struct {
		address    string
		chainID    int64
		accountIDs []string
	}
	pairs := make(map[string]*pairInfo)
	var order []string

	for _, t := range expand(requests) {
		key := pairKey(t.chainID, t.address)
		p, ok := pairs[key]
		if !ok {
			p = &pairInfo{address: t.address, chainID: t.chainID}
			pairs[key] = p
			order = append(order, key)
		}
		p.accountIDs = append(p.accountIDs, t.accountID)
	}

	var unsubs []chain.Unsubscribe
	rollback := func() {
		for _, u := range unsubs {
			u()
		}
	}

	for _, key := range order {
		p := pairs[key]
		accountIDs := append([]string(nil), p.accountIDs...)
		address, chainID := p.address, p.chainID
		unsub, err := s.balances.SubscribeToBalance(chainID, address, func(bal chain.Balance) {
			cb(BalanceEvent{AccountIDs: accountIDs, Address: address, ChainID: chainID, Balance: bal})
		})
		if err != nil {
			rollback()
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}

	id := fmt.Sprintf("%p", &unsubs)
	s.mu.Lock()
	s.subs[id] = func() {
		for _, u := range unsubs {
			u()
		}
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		unsub, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ok {
			unsub()
		}
	}, nil
}
