package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/balance"
	"github.com/cygnus-wealth/evm-resilience/cache"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0x00000000000000000000000000000000000000aa"

type fakeBalanceAdapter struct {
	chain.Adapter
	mu   sync.Mutex
	raws []string
	call int
}

func (a *fakeBalanceAdapter) GetBalance(ctx context.Context, address string) (chain.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw := a.raws[a.call]
	if a.call < len(a.raws)-1 {
		a.call++
	}
	return chain.Balance{Address: address, Raw: raw}, nil
}

type fakeTxAdapter struct {
	chain.Adapter
	mu   sync.Mutex
	sets [][]chain.Transaction
	call int
}

func (a *fakeTxAdapter) GetTransactions(ctx context.Context, address string, opts chain.TransactionOptions) ([]chain.Transaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set := a.sets[a.call]
	if a.call < len(a.sets)-1 {
		a.call++
	}
	return set, nil
}

func newBalanceService(raws ...string) *balance.Service {
	a := &fakeBalanceAdapter{raws: raws}
	return balance.New(balance.Config{
		Resolver: func(chainID int64) (chain.Adapter, error) { return a, nil },
		Cache:    cache.New[chain.Balance](cache.Config{Clock: clock.NewFake()}),
	})
}

func newTransactionService(sets ...[]chain.Transaction) *transaction.Service {
	a := &fakeTxAdapter{sets: sets}
	return transaction.New(transaction.Config{
		Resolver: func(chainID int64) (chain.Adapter, error) { return a, nil },
	})
}

func TestService_StartTracking_EmitsBalanceChangeOnInequality(t *testing.T) {
	fc := clock.NewFake()
	bs := newBalanceService("100", "100", "200")
	s := New(Config{Balances: bs, Clock: fc})

	var mu sync.Mutex
	var changes int
	require.NoError(t, s.StartTracking(TrackConfig{
		ChainID: 1, Address: addr, TrackBalances: true, PollingInterval: time.Second,
		OnBalanceChange: func(old, new chain.Balance) {
			mu.Lock()
			changes++
			mu.Unlock()
		},
	}))

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	fc.BlockUntil(1)
	fc.Advance(time.Second)
	fc.BlockUntil(1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := changes
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, changes, "100->200 transition must fire exactly once as a change")
}

func TestService_StartTracking_TransactionsBaselineThenDiff(t *testing.T) {
	fc := clock.NewFake()
	first := []chain.Transaction{{Hash: "0x1"}}
	second := []chain.Transaction{{Hash: "0x1"}, {Hash: "0x2"}}
	ts := newTransactionService(first, second, second)
	s := New(Config{Transactions: ts, Clock: fc})

	var mu sync.Mutex
	var newHashes []string
	require.NoError(t, s.StartTracking(TrackConfig{
		ChainID: 1, Address: addr, TrackTransactions: true, PollingInterval: time.Second,
		OnNewTransaction: func(tx chain.Transaction) {
			mu.Lock()
			newHashes = append(newHashes, tx.Hash)
			mu.Unlock()
		},
	}))

	fc.BlockUntil(1)
	fc.Advance(time.Second)
	fc.BlockUntil(1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(newHashes)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0x2"}, newHashes, "0x1 was the baseline, only 0x2 is new")
}

func TestService_StopTracking_HaltsPolling(t *testing.T) {
	fc := clock.NewFake()
	bs := newBalanceService("1")
	s := New(Config{Balances: bs, Clock: fc})

	require.NoError(t, s.StartTracking(TrackConfig{ChainID: 1, Address: addr, TrackBalances: true, PollingInterval: time.Second}))
	status, ok := s.Status(1, addr)
	require.True(t, ok)
	assert.True(t, status.IsActive)

	s.StopTracking(1, addr)
	_, ok = s.Status(1, addr)
	assert.False(t, ok)
}

func TestService_Destroy_RejectsFurtherTracking(t *testing.T) {
	s := New(Config{Clock: clock.NewFake()})
	s.Destroy()
	err := s.StartTracking(TrackConfig{ChainID: 1, Address: addr})
	assert.Error(t, err)
}

func TestService_ErrorsAreCountedNotFatal(t *testing.T) {
	fc := clock.NewFake()
	s := New(Config{
		Balances: balance.New(balance.Config{
			Resolver: func(chainID int64) (chain.Adapter, error) { return nil, assertAnError{} },
		}),
		Clock: fc,
	})

	var mu sync.Mutex
	var errCount int
	require.NoError(t, s.StartTracking(TrackConfig{
		ChainID: 1, Address: addr, TrackBalances: true, PollingInterval: time.Second,
		OnError: func(error) { mu.Lock(); errCount++; mu.Unlock() },
	}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := errCount
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	status, ok := s.Status(1, addr)
	require.True(t, ok)
	assert.True(t, status.IsActive, "tracking must not halt on a transient error")
	assert.GreaterOrEqual(t, status.ErrorCount, 1)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "resolver failure" }
