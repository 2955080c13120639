package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cygnus-wealth/evm-resilience/clock"
	"github.com/cygnus-wealth/evm-resilience/pool"
)

// httpClientConn is the pooled resource: a plain *http.Client plus the
// keep-alive transport it owns, so pool.Pool[C] (SPEC_FULL.md §4.23) can
// health-check and recycle it instead of every poll tick paying a fresh
// TLS handshake.
type httpClientConn struct {
	client *http.Client
}

type httpConnFactory struct {
	timeout time.Duration
}

func (f httpConnFactory) Create() (*httpClientConn, error) {
	return &httpClientConn{client: &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}}, nil
}

func (f httpConnFactory) Destroy(c *httpClientConn) {
	c.client.CloseIdleConnections()
}

func (f httpConnFactory) IsHealthy(c *httpClientConn) bool {
	return c.client != nil
}

// HTTPClientConfig configures NewHTTPClient.
type HTTPClientConfig struct {
	Endpoint      string
	RequestTimeout time.Duration // default 10s
	PollInterval   time.Duration // default 4s, used by Watch* methods
	Clock          clock.Clock
}

// httpPollSubscription is the Subscription returned by the Watch* methods;
// Unsubscribe stops the background poll goroutine.
type httpPollSubscription struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *httpPollSubscription) Unsubscribe() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// httpJSONRPCClient implements Client over plain HTTP JSON-RPC, pooling
// *http.Client connections via pool.Pool. This is the concrete transport
// ConnectionManager's httpFactory constructs when a chain has no
// WebSocket-capable ClientFactory configured, or when the WS dial breaker
// is open (SPEC_FULL.md §4.23). Watch* methods simulate push delivery by
// polling, since plain HTTP has none.
type httpJSONRPCClient struct {
	endpoint string
	cfg      HTTPClientConfig
	pool     *pool.Pool[*httpClientConn]
	clk      clock.Clock

	id int64
}

// NewHTTPClient builds a ClientFactory suitable as ConnectionManager's
// polling-fallback httpFactory argument.
func NewHTTPClient(cfg HTTPClientConfig) ClientFactory {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewReal()
	}
	return func(ctx context.Context, chainID int64) (Client, error) {
		p := pool.New[*httpClientConn](
			fmt.Sprintf("realtime-http-chain-%d", chainID),
			httpConnFactory{timeout: cfg.RequestTimeout},
			pool.Config{Clock: cfg.Clock},
		)
		return &httpJSONRPCClient{endpoint: cfg.Endpoint, cfg: cfg, pool: p, clk: cfg.Clock, id: chainID}, nil
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpJSONRPCClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	return c.pool.Execute(func(conn *httpClientConn) error {
		body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := conn.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if out.Error != nil {
			return fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message)
		}
		if result != nil {
			return json.Unmarshal(out.Result, result)
		}
		return nil
	})
}

func (c *httpJSONRPCClient) Connect(ctx context.Context) error { return c.Ping(ctx) }

func (c *httpJSONRPCClient) Close() error {
	c.pool.Drain(true)
	c.pool.Close()
	return nil
}

func (c *httpJSONRPCClient) Ping(ctx context.Context) error {
	var hex string
	return c.call(ctx, "eth_blockNumber", &hex)
}

func (c *httpJSONRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.call(ctx, "eth_blockNumber", &hex); err != nil {
		return 0, err
	}
	return parseHexUint(hex)
}

func (c *httpJSONRPCClient) GetBlockByNumber(ctx context.Context, number uint64) (BlockHeader, error) {
	var raw struct {
		Number       string `json:"number"`
		Hash         string `json:"hash"`
		ParentHash   string `json:"parentHash"`
		Timestamp    string `json:"timestamp"`
		GasUsed      string `json:"gasUsed"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	tag := "0x" + strconv.FormatUint(number, 16)
	if err := c.call(ctx, "eth_getBlockByNumber", &raw, tag, false); err != nil {
		return BlockHeader{}, err
	}
	num, err := parseHexUint(raw.Number)
	if err != nil {
		return BlockHeader{}, err
	}
	ts, err := parseHexUint(raw.Timestamp)
	if err != nil {
		return BlockHeader{}, err
	}
	gasUsed, _ := parseHexUint(raw.GasUsed)
	return BlockHeader{
		Number:     num,
		Hash:       raw.Hash,
		ParentHash: raw.ParentHash,
		Timestamp:  time.Unix(int64(ts), 0).UTC(),
		GasUsed:    gasUsed,
		TxCount:    len(raw.Transactions),
	}, nil
}

func (c *httpJSONRPCClient) GetBalance(ctx context.Context, address string) (string, error) {
	var hex string
	if err := c.call(ctx, "eth_getBalance", &hex, address, "latest"); err != nil {
		return "", err
	}
	raw := new(big.Int)
	if len(hex) > 2 {
		raw.SetString(hex[2:], 16)
	}
	return raw.String(), nil
}

func (c *httpJSONRPCClient) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	params := map[string]interface{}{
		"fromBlock": "0x" + strconv.FormatUint(filter.FromBlock, 16),
	}
	if filter.ToBlock != nil {
		params["toBlock"] = "0x" + strconv.FormatUint(*filter.ToBlock, 16)
	} else {
		params["toBlock"] = "latest"
	}
	if len(filter.Addresses) > 0 {
		params["address"] = filter.Addresses
	}
	if len(filter.Topics) > 0 {
		params["topics"] = filter.Topics
	}

	var raw []struct {
		Address     string   `json:"address"`
		Topics      []string `json:"topics"`
		Data        string   `json:"data"`
		BlockNumber string   `json:"blockNumber"`
		TxHash      string   `json:"transactionHash"`
		LogIndex    string   `json:"logIndex"`
	}
	if err := c.call(ctx, "eth_getLogs", &raw, params); err != nil {
		return nil, err
	}

	out := make([]Log, 0, len(raw))
	for _, r := range raw {
		blockNum, _ := parseHexUint(r.BlockNumber)
		idx, _ := parseHexUint(r.LogIndex)
		out = append(out, Log{
			Address: r.Address, Topics: r.Topics, Data: r.Data,
			BlockNumber: blockNum, TxHash: r.TxHash, Index: uint(idx),
		})
	}
	return out, nil
}

// WatchNewHeads polls BlockNumber and fetches each newly-seen block,
// standing in for a WS newHeads push subscription.
func (c *httpJSONRPCClient) WatchNewHeads(ctx context.Context, onHeader func(BlockHeader)) (Subscription, error) {
	sub := &httpPollSubscription{stop: make(chan struct{})}
	go func() {
		ticker := c.clk.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		var lastSeen uint64
		for {
			select {
			case <-sub.stop:
				return
			case <-ticker.Chan():
				num, err := c.BlockNumber(ctx)
				if err != nil || num <= lastSeen {
					continue
				}
				if lastSeen == 0 {
					// first tick establishes the baseline at the tip instead
					// of backfilling every historical block
					if header, err := c.GetBlockByNumber(ctx, num); err == nil {
						onHeader(header)
					}
					lastSeen = num
					continue
				}
				for n := lastSeen + 1; n <= num; n++ {
					if header, err := c.GetBlockByNumber(ctx, n); err == nil {
						onHeader(header)
					}
				}
				lastSeen = num
			}
		}
	}()
	return sub, nil
}

// WatchLogs polls GetLogs from the last-seen block forward.
func (c *httpJSONRPCClient) WatchLogs(ctx context.Context, filter LogFilter, onLog func(Log)) (Subscription, error) {
	sub := &httpPollSubscription{stop: make(chan struct{})}
	go func() {
		ticker := c.clk.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		cursor := filter.FromBlock
		for {
			select {
			case <-sub.stop:
				return
			case <-ticker.Chan():
				tip, err := c.BlockNumber(ctx)
				if err != nil || tip < cursor {
					continue
				}
				f := filter
				f.FromBlock = cursor
				f.ToBlock = &tip
				logs, err := c.GetLogs(ctx, f)
				if err != nil {
					continue
				}
				for _, l := range logs {
					onLog(l)
				}
				cursor = tip + 1
			}
		}
	}()
	return sub, nil
}

// WatchPendingTransactions has no plain-HTTP equivalent to the WS
// newPendingTransactions push feed; it returns a no-op subscription so
// callers relying on polling fallback degrade to "no pending visibility"
// rather than erroring.
func (c *httpJSONRPCClient) WatchPendingTransactions(ctx context.Context, onHash func(string)) (Subscription, error) {
	return &httpPollSubscription{stop: make(chan struct{})}, nil
}

func parseHexUint(hex string) (uint64, error) {
	if len(hex) < 2 {
		return 0, fmt.Errorf("realtime: malformed hex quantity %q", hex)
	}
	return strconv.ParseUint(hex[2:], 16, 64)
}
