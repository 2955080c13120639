package realtime

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferFakeClient struct {
	fakeClient
	onLog func(Log)
}

func (c *transferFakeClient) WatchLogs(ctx context.Context, filter LogFilter, onLog func(Log)) (Subscription, error) {
	c.onLog = onLog
	return noopSub{}, nil
}

func padAddr(addr string) string {
	a := strings.TrimPrefix(addr, "0x")
	return "0x" + strings.Repeat("0", 64-len(a)) + a
}

func TestTransferLogsWatcher_EmitsForTrackedAddress(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var evts []eventbus.Event
	bus.OnAll(func(e eventbus.Event) {
		mu.Lock()
		evts = append(evts, e)
		mu.Unlock()
	})

	c := &transferFakeClient{}
	w := NewTransferLogsWatcher(bus, nil)

	var got TransferEvent
	err := w.Subscribe(context.Background(), 1, "consumer-1", c, []string{"0x0000000000000000000000000000000000000abc"}, func(e TransferEvent) {
		got = e
	}, nil)
	require.NoError(t, err)

	c.onLog(Log{
		Address:     "0xTOKEN",
		Topics:      []string{chain.TransferTopic, padAddr("0x0000000000000000000000000000000000000abc"), padAddr("0x0000000000000000000000000000000000000def")},
		Data:        "100",
		BlockNumber: 10,
		TxHash:      "0xhash",
		Index:       3,
	})

	assert.Equal(t, "0x0000000000000000000000000000000000000abc", got.From)
	assert.Equal(t, "0x0000000000000000000000000000000000000def", got.To)
	assert.Equal(t, "100", got.Value)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evts, 2)
	assert.Equal(t, chain.EventSubscriptionCreated, evts[0].Type)
	assert.Equal(t, chain.EventLiveTransferDetected, evts[1].Type)
}

func TestTransferLogsWatcher_SkipsUntrackedAddresses(t *testing.T) {
	bus := eventbus.New()
	c := &transferFakeClient{}
	w := NewTransferLogsWatcher(bus, nil)

	called := false
	err := w.Subscribe(context.Background(), 1, "consumer-1", c, []string{"0xzzz"}, func(e TransferEvent) {
		called = true
	}, nil)
	require.NoError(t, err)

	c.onLog(Log{
		Address: "0xtoken",
		Topics:  []string{chain.TransferTopic, padAddr("0x0000000000000000000000000000000000000abc"), padAddr("0x0000000000000000000000000000000000000def")},
		Data:    "5",
	})

	assert.False(t, called, "neither from nor to is tracked; must not emit")
}

func TestTransferLogsWatcher_SkipsUndecodableLogs(t *testing.T) {
	bus := eventbus.New()
	c := &transferFakeClient{}
	w := NewTransferLogsWatcher(bus, nil)

	called := false
	require.NoError(t, w.Subscribe(context.Background(), 1, "consumer-1", c, []string{"0x0000000000000000000000000000000000000abc"}, func(e TransferEvent) {
		called = true
	}, nil))

	c.onLog(Log{Address: "0xtoken", Topics: []string{chain.TransferTopic}}) // missing from/to topics

	assert.False(t, called)
}

func TestTransferLogsWatcher_MultipleConsumersFilterIndependently(t *testing.T) {
	bus := eventbus.New()
	c := &transferFakeClient{}
	w := NewTransferLogsWatcher(bus, nil)

	var got1, got2 int
	require.NoError(t, w.Subscribe(context.Background(), 1, "consumer-1", c, []string{"0x0000000000000000000000000000000000000abc"}, func(e TransferEvent) { got1++ }, nil))
	require.NoError(t, w.Subscribe(context.Background(), 1, "consumer-2", c, []string{"0xzzz"}, func(e TransferEvent) { got2++ }, nil))

	c.onLog(Log{
		Address: "0xtoken",
		Topics:  []string{chain.TransferTopic, padAddr("0x0000000000000000000000000000000000000abc"), padAddr("0x0000000000000000000000000000000000000def")},
		Data:    "1",
	})

	assert.Equal(t, 1, got1, "consumer-1 tracks 0xabc")
	assert.Equal(t, 0, got2, "consumer-2 tracks an unrelated address")

	w.UnsubscribeConsumer(1, "consumer-1")
	c.onLog(Log{
		Address: "0xtoken",
		Topics:  []string{chain.TransferTopic, padAddr("0x0000000000000000000000000000000000000abc"), padAddr("0x0000000000000000000000000000000000000def")},
		Data:    "1",
	})
	assert.Equal(t, 1, got1, "consumer-1 no longer registered")
	assert.True(t, w.IsSubscribed(1), "consumer-2 still active")
}

func TestTransferLogsWatcher_ResubscribeRebuildsWithSameAddresses(t *testing.T) {
	bus := eventbus.New()
	c1 := &transferFakeClient{}
	w := NewTransferLogsWatcher(bus, nil)
	require.NoError(t, w.Subscribe(context.Background(), 1, "consumer-1", c1, []string{"0x0000000000000000000000000000000000000abc"}, nil, nil))

	c2 := &transferFakeClient{}
	require.NoError(t, w.Resubscribe(context.Background(), 1, c2))
	require.NotNil(t, c2.onLog, "resubscribe must rearm the watch on the new client")

	var got TransferEvent
	w.mu.Lock()
	st := w.chains[1]
	w.mu.Unlock()
	st.mu.Lock()
	st.consumers["consumer-1"].onTransfer = func(e TransferEvent) { got = e }
	st.mu.Unlock()

	c2.onLog(Log{
		Address: "0xtoken",
		Topics:  []string{chain.TransferTopic, padAddr("0x0000000000000000000000000000000000000abc"), padAddr("0x0000000000000000000000000000000000000def")},
		Data:    "1",
	})
	assert.Equal(t, "0x0000000000000000000000000000000000000abc", got.From)
}
