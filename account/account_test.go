package account

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/cygnus-wealth/evm-resilience/balance"
	"github.com/cygnus-wealth/evm-resilience/cache"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addrA = "0x00000000000000000000000000000000000000aa"
const addrB = "0x00000000000000000000000000000000000000bb"

type fakeAdapter struct {
	chain.Adapter
	calls int32
	bal   chain.Balance
	err   error
}

func (a *fakeAdapter) GetBalance(ctx context.Context, address string) (chain.Balance, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return chain.Balance{}, a.err
	}
	return chain.Balance{Address: address, Raw: a.bal.Raw}, nil
}

func (a *fakeAdapter) SubscribeToBalance(address string, cb chain.BalanceCallback) (chain.Unsubscribe, error) {
	cb(chain.Balance{Address: address, Raw: a.bal.Raw})
	return func() {}, nil
}

func newBalanceService(a *fakeAdapter) *balance.Service {
	return balance.New(balance.Config{
		Resolver: func(chainID int64) (chain.Adapter, error) { return a, nil },
		Cache:    cache.New[chain.Balance](cache.Config{Clock: clock.NewFake()}),
	})
}

func TestBalanceService_GetAccountBalances_DedupesSharedPair(t *testing.T) {
	a := &fakeAdapter{bal: chain.Balance{Raw: "100"}}
	bs := newBalanceService(a)
	s := New(bs)

	results, errs := s.GetAccountBalances(context.Background(), []AddressRequest{
		{AccountID: "acct-1", Address: addrA, ChainScope: []int64{1}},
		{AccountID: "acct-2", Address: addrA, ChainScope: []int64{1}},
	})

	require.Empty(t, errs)
	require.Len(t, results, 1, "both accounts share one (address, chain) pair")
	ids := append([]string(nil), results[0].AccountIDs...)
	sort.Strings(ids)
	assert.Equal(t, []string{"acct-1", "acct-2"}, ids)
	assert.EqualValues(t, 1, atomic.LoadInt32(&a.calls), "the pair is fetched exactly once")
}

func TestBalanceService_GetAccountBalances_FansOutAcrossDistinctAddresses(t *testing.T) {
	a := &fakeAdapter{bal: chain.Balance{Raw: "1"}}
	bs := newBalanceService(a)
	s := New(bs)

	results, errs := s.GetAccountBalances(context.Background(), []AddressRequest{
		{AccountID: "acct-1", Address: addrA, ChainScope: []int64{1}},
		{AccountID: "acct-1", Address: addrB, ChainScope: []int64{1}},
	})

	require.Empty(t, errs)
	require.Len(t, results, 2)
}

func TestBalanceService_GetAccountBalances_ErrorsFanOutIdentically(t *testing.T) {
	a := &fakeAdapter{err: errors.New("rpc down")}
	bs := newBalanceService(a)
	s := New(bs)

	results, errs := s.GetAccountBalances(context.Background(), []AddressRequest{
		{AccountID: "acct-1", Address: addrA, ChainScope: []int64{1}},
		{AccountID: "acct-2", Address: addrA, ChainScope: []int64{1}},
	})

	require.Empty(t, results)
	require.Len(t, errs, 1)
	ids := append([]string(nil), errs[0].AccountIDs...)
	sort.Strings(ids)
	assert.Equal(t, []string{"acct-1", "acct-2"}, ids)
}

func TestBalanceService_GetAccountBalances_ChainScopeLimitsFanOut(t *testing.T) {
	a := &fakeAdapter{bal: chain.Balance{Raw: "1"}}
	bs := newBalanceService(a)
	s := New(bs)

	results, errs := s.GetAccountBalances(context.Background(), []AddressRequest{
		{AccountID: "acct-1", Address: addrA, ChainScope: []int64{1, 2}},
		{AccountID: "acct-2", Address: addrA, ChainScope: []int64{2}},
	})

	require.Empty(t, errs)
	require.Len(t, results, 2)
	for _, r := range results {
		if r.ChainID == 1 {
			assert.Equal(t, []string{"acct-1"}, r.AccountIDs)
		}
		if r.ChainID == 2 {
			ids := append([]string(nil), r.AccountIDs...)
			sort.Strings(ids)
			assert.Equal(t, []string{"acct-1", "acct-2"}, ids)
		}
	}
}

func TestSubscriptionService_SubscribeAccountBalances_EnrichesWithAccountIDs(t *testing.T) {
	a := &fakeAdapter{bal: chain.Balance{Raw: "7"}}
	bs := newBalanceService(a)
	s := NewSubscriptionService(bs)

	var got []BalanceEvent
	unsub, err := s.SubscribeAccountBalances([]AddressRequest{
		{AccountID: "acct-1", Address: addrA, ChainScope: []int64{1}},
		{AccountID: "acct-2", Address: addrA, ChainScope: []int64{1}},
	}, func(ev BalanceEvent) { got = append(got, ev) })

	require.NoError(t, err)
	require.Len(t, got, 1, "one native subscription per unique pair")
	ids := append([]string(nil), got[0].AccountIDs...)
	sort.Strings(ids)
	assert.Equal(t, []string{"acct-1", "acct-2"}, ids)
	assert.Equal(t, "7", got[0].Balance.Raw)

	unsub()
}
