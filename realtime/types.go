// Package realtime plays the role of the teacher's adapter/websocket
// subpackage: a WebSocket-first, polling-fallback transport layer driving
// live block/balance/transfer event delivery over the shared eventbus.Bus.
// Grounded directly on connection_manager.go, message_handler.go,
// message_parser.go, and subscription_manager.go.
package realtime

import (
	"context"
	"time"
)

// Transport identifies which transport a SubscriptionHandle is currently
// riding.
type Transport string

const (
	TransportWebsocket Transport = "websocket"
	TransportPolling    Transport = "polling"
)

// BlockHeader is the subset of block data the drivers and bus payloads
// need.
type BlockHeader struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
	GasUsed    uint64
	TxCount    int
}

// Log is a raw decoded event log, pre-filtering.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber uint64
	TxHash      string
	Index       uint
}

// LogFilter narrows WatchLogs/GetLogs to a topic and address set.
type LogFilter struct {
	Addresses []string
	Topics    []string
	FromBlock uint64
	ToBlock   *uint64 // nil = latest
}

// Subscription is a live watch handle; Unsubscribe tears it down and is
// idempotent.
type Subscription interface {
	Unsubscribe()
}

// Client is the per-chain collaborator realtime drivers operate against.
// A single concrete type may implement it over either a WebSocket or a
// plain HTTP JSON-RPC transport — ConnectionManager decides which one to
// construct and hands out whichever succeeds.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	BlockNumber(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, number uint64) (BlockHeader, error)
	GetBalance(ctx context.Context, address string) (string, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]Log, error)

	WatchNewHeads(ctx context.Context, onHeader func(BlockHeader)) (Subscription, error)
	WatchLogs(ctx context.Context, filter LogFilter, onLog func(Log)) (Subscription, error)
	WatchPendingTransactions(ctx context.Context, onHash func(string)) (Subscription, error)
}

// ClientFactory constructs a Client for one chain. ConnectionManager holds
// two: one that attempts a WebSocket-capable client, one that always
// succeeds with an HTTP-capable (polling-only) client.
type ClientFactory func(ctx context.Context, chainID int64) (Client, error)
