package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/cache"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addr = "0x00000000000000000000000000000000000000aa"

type fakeAdapter struct {
	chain.Adapter
	calls   int
	txs     []chain.Transaction
	armedCb chain.TransactionCallback
}

func (a *fakeAdapter) GetTransactions(ctx context.Context, address string, opts chain.TransactionOptions) ([]chain.Transaction, error) {
	a.calls++
	return a.txs, nil
}

func (a *fakeAdapter) SubscribeToTransactions(address string, cb chain.TransactionCallback) (chain.Unsubscribe, error) {
	a.armedCb = cb
	return func() {}, nil
}

func newService(a *fakeAdapter) *Service {
	return New(Config{
		Resolver: func(chainID int64) (chain.Adapter, error) { return a, nil },
		Cache:    cache.New[[]chain.Transaction](cache.Config{Clock: clock.NewFake()}),
	})
}

func sampleTxs() []chain.Transaction {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []chain.Transaction{
		{Hash: "0x1", Type: "native", Status: "confirmed", Timestamp: now},
		{Hash: "0x2", Type: "erc20", Status: "pending", Timestamp: now.Add(time.Hour)},
		{Hash: "0x3", Type: "native", Status: "confirmed", Timestamp: now.Add(2 * time.Hour)},
	}
}

func TestService_GetTransactions_ValidatesAddress(t *testing.T) {
	s := newService(&fakeAdapter{})
	_, err := s.GetTransactions(context.Background(), "bad", 1, Options{})
	require.Error(t, err)
}

func TestService_GetTransactions_CachesAcrossPages(t *testing.T) {
	a := &fakeAdapter{txs: sampleTxs()}
	s := newService(a)

	p1, err := s.GetTransactions(context.Background(), addr, 1, Options{TransactionOptions: chain.TransactionOptions{PageSize: 2}, ForceFresh: false})
	require.NoError(t, err)
	assert.Len(t, p1.Items, 2)
	assert.True(t, p1.HasMore)

	p2, err := s.GetTransactions(context.Background(), addr, 1, Options{TransactionOptions: chain.TransactionOptions{Page: 2, PageSize: 2}})
	require.NoError(t, err)
	assert.Len(t, p2.Items, 1)
	assert.False(t, p2.HasMore)

	assert.Equal(t, 1, a.calls, "second page must reuse the cached full fetch")
}

func TestService_GetTransactions_FiltersExcludePending(t *testing.T) {
	a := &fakeAdapter{txs: sampleTxs()}
	s := newService(a)

	p, err := s.GetTransactions(context.Background(), addr, 1, Options{
		TransactionOptions: chain.TransactionOptions{ExcludePending: true, PageSize: 10},
	})
	require.NoError(t, err)
	for _, tx := range p.Items {
		assert.NotEqual(t, "pending", tx.Status)
	}
	assert.Equal(t, 2, p.Total)
}

func TestService_GetTransactions_FiltersByType(t *testing.T) {
	a := &fakeAdapter{txs: sampleTxs()}
	s := newService(a)

	p, err := s.GetTransactions(context.Background(), addr, 1, Options{
		TransactionOptions: chain.TransactionOptions{Types: []string{"erc20"}, PageSize: 10},
	})
	require.NoError(t, err)
	require.Len(t, p.Items, 1)
	assert.Equal(t, "0x2", p.Items[0].Hash)
}

func TestService_GetTransactions_RejectsInvalidPagination(t *testing.T) {
	s := newService(&fakeAdapter{})
	_, err := s.GetTransactions(context.Background(), addr, 1, Options{TransactionOptions: chain.TransactionOptions{Page: -1}})
	require.Error(t, err)
	_, err = s.GetTransactions(context.Background(), addr, 1, Options{TransactionOptions: chain.TransactionOptions{PageSize: maxPageSize + 1}})
	require.Error(t, err)
}

func TestService_SubscribeToTransactions_FiltersPending(t *testing.T) {
	a := &fakeAdapter{}
	s := New(Config{Resolver: func(chainID int64) (chain.Adapter, error) { return a, nil }})

	var got []chain.Transaction
	unsub, err := s.SubscribeToTransactions(1, addr, func(tx chain.Transaction) { got = append(got, tx) }, nil, false)
	require.NoError(t, err)
	require.NotNil(t, a.armedCb)

	a.armedCb(chain.Transaction{Hash: "0x1", Status: "pending"})
	a.armedCb(chain.Transaction{Hash: "0x2", Status: "confirmed"})

	require.Len(t, got, 1)
	assert.Equal(t, "0x2", got[0].Hash)

	unsub()
}
