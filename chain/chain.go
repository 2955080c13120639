// Package chain holds the external chain-adapter contract and the shared
// on-chain data model this module's services and realtime drivers operate
// on (spec.md §6): one Adapter per chain, the event kinds emitted on the
// bus, the canonical ERC-20 Transfer topic, and the spam-token filter the
// adapter boundary is responsible for applying. Grounded on the teacher's
// BrokerClient/WebSocketClient interfaces in adapter/interfaces.go, which
// play the analogous "one external collaborator per upstream" role for the
// Saxo brokerage API.
package chain

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cygnus-wealth/evm-resilience/eventbus"
)

// TransferTopic is the canonical keccak-256 topic for the ERC-20
// Transfer(address,address,uint256) event.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Event kinds emitted on the shared eventbus.Bus, per spec.md §6.
const (
	EventWebsocketConnected     eventbus.Kind = "WEBSOCKET_CONNECTED"
	EventWebsocketDisconnected  eventbus.Kind = "WEBSOCKET_DISCONNECTED"
	EventSubscriptionCreated    eventbus.Kind = "SUBSCRIPTION_CREATED"
	EventSubscriptionRemoved    eventbus.Kind = "SUBSCRIPTION_REMOVED"
	EventLiveBlockReceived      eventbus.Kind = "LIVE_BLOCK_RECEIVED"
	EventLiveBalanceUpdated     eventbus.Kind = "LIVE_BALANCE_UPDATED"
	EventLiveTransferDetected   eventbus.Kind = "LIVE_TRANSFER_DETECTED"
)

// Balance is the native or token balance for one address.
type Balance struct {
	Address      string
	ChainID      int64
	TokenAddress string // empty for the native asset
	Symbol       string
	Decimals     int
	Raw          string // decimal-string integer amount, to avoid float precision loss
}

// Transaction is one on-chain transaction touching a tracked address.
type Transaction struct {
	Hash        string
	ChainID     int64
	BlockNumber uint64
	From        string
	To          string
	Value       string
	Type        string // "native", "erc20", "contract_call", ...
	Status      string // "pending", "confirmed", "failed"
	Timestamp   time.Time
}

// TransactionOptions filters and paginates TransactionService/Adapter
// queries.
type TransactionOptions struct {
	Limit          int
	FromBlock      *uint64
	ToBlock        *uint64
	Types          []string
	Statuses       []string
	From, To       *time.Time
	ExcludePending bool
	Page           int
	PageSize       int
}

// TokenDiscovery is the result of Adapter.DiscoverTokens.
type TokenDiscovery struct {
	Address string
	ChainID int64
	Tokens  []Balance
	Errors  []error
}

// Info describes a chain's static identity.
type Info struct {
	ID       int64
	Name     string
	Symbol   string
	Decimals int
	Explorer string
}

// BalanceCallback and TransactionCallback are invoked by Adapter
// subscriptions; Unsubscribe tears the subscription down.
type BalanceCallback func(Balance)
type TransactionCallback func(Transaction)
type Unsubscribe func()

// Resolver looks up the Adapter responsible for chainID, supplied by the
// consuming application. The balance and transaction services (and so
// tracking and account, which go through them) call it on every operation
// and keep no per-chain copy of the result.
type Resolver func(chainID int64) (Adapter, error)

// Adapter is the external collaborator contract from spec.md §6: one
// implementation per chain, supplied by the consuming application. This
// module depends only on the interface; no concrete adapter ships here.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsHealthy() bool

	GetBalance(ctx context.Context, address string) (Balance, error)
	GetTokenBalances(ctx context.Context, address string, tokens []string) ([]Balance, error)
	GetTransactions(ctx context.Context, address string, opts TransactionOptions) ([]Transaction, error)

	SubscribeToBalance(address string, cb BalanceCallback) (Unsubscribe, error)
	SubscribeToTransactions(address string, cb TransactionCallback) (Unsubscribe, error)

	DiscoverTokens(ctx context.Context, address string) (TokenDiscovery, error)
	GetChainInfo() Info
}

// spamSignals are applied case-insensitively against "symbol name", per
// spec.md §6: any match drops the token as obvious spam.
var spamSignals = regexp.MustCompile(`(?i)https?://|\.com|\.io|\.live|\.xyz|\.finance|claim|reward|airdrop|visit|redeem`)

// IsSpamToken reports whether symbol/name look like an airdropped spam
// token advertising a URL or a claim/reward lure.
func IsSpamToken(symbol, name string) bool {
	return spamSignals.MatchString(strings.TrimSpace(symbol + " " + name))
}

// FilterSpamTokens returns balances whose Symbol (paired with the
// provided names, matched by index) don't trip IsSpamToken. names may be
// shorter than balances; missing entries are treated as empty.
func FilterSpamTokens(balances []Balance, names []string) []Balance {
	out := make([]Balance, 0, len(balances))
	for i, b := range balances {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		if IsSpamToken(b.Symbol, name) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// NormalizeAddress lowercases an address for case-insensitive comparison,
// per spec.md §4.15's "store lowercase" contract for tracked-address sets.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
