package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu          sync.Mutex
	connectErr  error
	pingErr     error
	pingCalls   int
	closed      bool
	name        string
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }
func (c *fakeClient) Close() error                       { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingCalls++
	return c.pingErr
}
func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error)            { return 0, nil }
func (c *fakeClient) GetBlockByNumber(ctx context.Context, n uint64) (BlockHeader, error) {
	return BlockHeader{}, nil
}
func (c *fakeClient) GetBalance(ctx context.Context, address string) (string, error) { return "0", nil }
func (c *fakeClient) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)    { return nil, nil }
func (c *fakeClient) WatchNewHeads(ctx context.Context, onHeader func(BlockHeader)) (Subscription, error) {
	return noopSub{}, nil
}
func (c *fakeClient) WatchLogs(ctx context.Context, filter LogFilter, onLog func(Log)) (Subscription, error) {
	return noopSub{}, nil
}
func (c *fakeClient) WatchPendingTransactions(ctx context.Context, onHash func(string)) (Subscription, error) {
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() {}

func TestConnectionManager_GetClient_PrefersWebsocket(t *testing.T) {
	bus := eventbus.New()
	var events []eventbus.Event
	bus.OnAll(func(e eventbus.Event) { events = append(events, e) })

	ws := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }
	http := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }

	cm := NewConnectionManager(bus, ws, http, ConnectionManagerConfig{Clock: clock.NewFake()})
	c, tr, err := cm.GetClient(1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, TransportWebsocket, tr)
	require.Len(t, events, 1)
	assert.Equal(t, eventbus.Kind("WEBSOCKET_CONNECTED"), events[0].Type)
}

func TestConnectionManager_GetClient_FallsBackToHTTPOnWSFailure(t *testing.T) {
	bus := eventbus.New()
	ws := func(ctx context.Context, chainID int64) (Client, error) { return nil, errors.New("ws unreachable") }
	http := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }

	cm := NewConnectionManager(bus, ws, http, ConnectionManagerConfig{Clock: clock.NewFake()})
	c, tr, err := cm.GetClient(1)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, TransportPolling, tr)
}

func TestConnectionManager_GetClient_CachesPerChain(t *testing.T) {
	bus := eventbus.New()
	var calls int
	ws := func(ctx context.Context, chainID int64) (Client, error) {
		calls++
		return &fakeClient{}, nil
	}
	http := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }

	cm := NewConnectionManager(bus, ws, http, ConnectionManagerConfig{Clock: clock.NewFake()})
	_, _, err := cm.GetClient(1)
	require.NoError(t, err)
	_, _, err = cm.GetClient(1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second GetClient for the same chain must reuse the cached client")
}

func TestConnectionManager_SubscriptionCount(t *testing.T) {
	bus := eventbus.New()
	ws := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }
	http := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }
	cm := NewConnectionManager(bus, ws, http, ConnectionManagerConfig{Clock: clock.NewFake()})

	cm.IncrementSubscriptionCount(1)
	cm.IncrementSubscriptionCount(1)
	assert.Equal(t, 1, cm.DecrementSubscriptionCount(1))
	assert.Equal(t, 0, cm.DecrementSubscriptionCount(1))
	assert.Equal(t, 0, cm.DecrementSubscriptionCount(1), "must not go negative")
}

func TestConnectionManager_HandleDisconnect_EmitsDisconnectedAndReconnects(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var kinds []eventbus.Kind
	bus.OnAll(func(e eventbus.Event) {
		mu.Lock()
		kinds = append(kinds, e.Type)
		mu.Unlock()
	})

	attempt := 0
	ws := func(ctx context.Context, chainID int64) (Client, error) {
		attempt++
		if attempt == 1 {
			return &fakeClient{}, nil
		}
		return &fakeClient{}, nil
	}
	http := func(ctx context.Context, chainID int64) (Client, error) { return &fakeClient{}, nil }

	fc := clock.NewFake()
	cm := NewConnectionManager(bus, ws, http, ConnectionManagerConfig{
		Clock:             fc,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  time.Millisecond,
	})

	first, _, err := cm.GetClient(1)
	require.NoError(t, err)

	cm.handleDisconnect(1, first)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(kinds)
		mu.Unlock()
		if n >= 3 {
			break
		}
		fc.Advance(10 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, eventbus.Kind("WEBSOCKET_DISCONNECTED"))
	connected := 0
	for _, k := range kinds {
		if k == eventbus.Kind("WEBSOCKET_CONNECTED") {
			connected++
		}
	}
	assert.Equal(t, 2, connected, "reconnect loop must emit a second WEBSOCKET_CONNECTED")
}
