// Package transaction implements TransactionService from spec.md §4.19:
// the same validate → cache → coalesce → breaker(retry(adapter)) stack as
// balance, plus post-fetch filtering (type/status/date-range/pending) and
// pagination. Grounded on the same SaxoBrokerClient shape as balance
// (adapter/saxo.go's GetOpenPositions/GetClosedPositions pairing, which is
// exactly "fetch everything, let the caller filter/paginate client-side"
// since Saxo's own position endpoints don't support these exact filters
// server-side either).
package transaction

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cygnus-wealth/evm-resilience/breaker"
	"github.com/cygnus-wealth/evm-resilience/cache"
	"github.com/cygnus-wealth/evm-resilience/chain"
	"github.com/cygnus-wealth/evm-resilience/coalesce"
	"github.com/cygnus-wealth/evm-resilience/errs"
	"github.com/cygnus-wealth/evm-resilience/retry"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func validateAddress(address string) error {
	if !addressPattern.MatchString(address) {
		return errs.NewValidation("address", "0x-prefixed 40 hex chars", address)
	}
	return nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Page is the paginated result spec.md §4.19 step 4 describes.
type Page struct {
	Items      []chain.Transaction
	PageNum    int
	PageSize   int
	Total      int
	TotalPages int
	HasMore    bool
}

// Config configures a Service; see balance.Config for the shared-stack
// toggles this mirrors.
type Config struct {
	Resolver      chain.Resolver
	Cache         *cache.Cache[[]chain.Transaction]
	Coalescer     *coalesce.Coalescer[[]chain.Transaction]
	EnableBreaker bool
	BreakerConfig breaker.Config
	EnableRetry   bool
	RetryConfig   retry.Config
}

// Service implements spec.md §4.19.
type Service struct {
	cfg       Config
	cch       *cache.Cache[[]chain.Transaction]
	coalescer *coalesce.Coalescer[[]chain.Transaction]

	mu       sync.Mutex
	breakers map[int64]*breaker.Breaker
	policies map[int64]*retry.Policy

	subMu sync.Mutex
	subs  map[string]chain.Unsubscribe
}

// New constructs a Service.
func New(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		cch:      cfg.Cache,
		coalescer: cfg.Coalescer,
		breakers: make(map[int64]*breaker.Breaker),
		policies: make(map[int64]*retry.Policy),
		subs:     make(map[string]chain.Unsubscribe),
	}
}

func (s *Service) breakerFor(chainID int64) *breaker.Breaker {
	if !s.cfg.EnableBreaker {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[chainID]
	if !ok {
		cfg := s.cfg.BreakerConfig
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("transaction-chain-%d", chainID)
		}
		b = breaker.New(cfg)
		s.breakers[chainID] = b
	}
	return b
}

func (s *Service) policyFor(chainID int64) *retry.Policy {
	if !s.cfg.EnableRetry {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[chainID]
	if !ok {
		built, err := retry.New(s.cfg.RetryConfig)
		if err != nil {
			built, _ = retry.New(retry.Config{})
		}
		p = built
		s.policies[chainID] = p
	}
	return p
}

func (s *Service) runThroughStack(chainID int64, fn func() error) error {
	b := s.breakerFor(chainID)
	p := s.policyFor(chainID)
	wrapped := fn
	if p != nil {
		wrapped = func() error { return p.Execute(fn) }
	}
	if b != nil {
		return b.Execute(wrapped)
	}
	return wrapped()
}

// cacheKey builds the deterministic key spec.md §4.19 step 2 lists:
// (chain, address, limit?, fromBlock?, toBlock?, types?, statuses?,
// dateRange?, excludePending?). Page/PageSize are pagination, not cache
// identity, so they're deliberately excluded.
func cacheKey(c *cache.Cache[[]chain.Transaction], chainID int64, address string, opts chain.TransactionOptions) string {
	types := append([]string(nil), opts.Types...)
	statuses := append([]string(nil), opts.Statuses...)
	sort.Strings(types)
	sort.Strings(statuses)

	var from, to string
	if opts.From != nil {
		from = opts.From.UTC().Format("20060102")
	}
	if opts.To != nil {
		to = opts.To.UTC().Format("20060102")
	}
	var fromBlock, toBlock string
	if opts.FromBlock != nil {
		fromBlock = strconv.FormatUint(*opts.FromBlock, 10)
	}
	if opts.ToBlock != nil {
		toBlock = strconv.FormatUint(*opts.ToBlock, 10)
	}

	return c.GenerateKey(
		"tx", fmt.Sprintf("%d", chainID), address,
		strconv.Itoa(opts.Limit), fromBlock, toBlock,
		strings.Join(types, ","), strings.Join(statuses, ","),
		from, to, strconv.FormatBool(opts.ExcludePending),
	)
}

// Options bundles the caller-facing query: chain.TransactionOptions plus
// ForceFresh, mirroring balance.GetBalanceOptions.
type Options struct {
	chain.TransactionOptions
	ForceFresh bool
}

// GetTransactions implements spec.md §4.19's get_transactions.
func (s *Service) GetTransactions(ctx context.Context, address string, chainID int64, opts Options) (Page, error) {
	if err := validateAddress(address); err != nil {
		return Page{}, err
	}
	if opts.Page < 0 {
		return Page{}, errs.NewValidation("page", "page >= 1", opts.Page)
	}
	if opts.PageSize < 0 || opts.PageSize > maxPageSize {
		return Page{}, errs.NewValidation("pageSize", fmt.Sprintf("1 <= pageSize <= %d", maxPageSize), opts.PageSize)
	}
	if opts.Page == 0 {
		opts.Page = 1
	}
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}
	address = chain.NormalizeAddress(address)

	fetch := func() ([]chain.Transaction, error) {
		var result []chain.Transaction
		err := s.runThroughStack(chainID, func() error {
			adapter, err := s.cfg.Resolver(chainID)
			if err != nil {
				return err
			}
			txs, err := adapter.GetTransactions(ctx, address, opts.TransactionOptions)
			if err != nil {
				return err
			}
			result = txs
			return nil
		})
		return result, err
	}

	var key string
	var txs []chain.Transaction
	var err error
	if s.cch != nil {
		key = cacheKey(s.cch, chainID, address, opts.TransactionOptions)
		if !opts.ForceFresh {
			if v, ok := s.cch.Get(key); ok {
				txs = v
			}
		}
	}

	if txs == nil {
		if s.coalescer != nil {
			txs, err = s.coalescer.Execute(coalesce.Key("getTransactions", chainID, address, key), fetch)
		} else {
			txs, err = fetch()
		}
		if err != nil {
			return Page{}, err
		}
		if s.cch != nil {
			s.cch.Set(key, txs, 0)
		}
	}

	filtered := filter(txs, opts.TransactionOptions)
	return paginate(filtered, opts.Page, opts.PageSize), nil
}

func filter(txs []chain.Transaction, opts chain.TransactionOptions) []chain.Transaction {
	typeSet := toSet(opts.Types)
	statusSet := toSet(opts.Statuses)

	out := make([]chain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if opts.ExcludePending && tx.Status == "pending" {
			continue
		}
		if len(typeSet) > 0 && !typeSet[tx.Type] {
			continue
		}
		if len(statusSet) > 0 && !statusSet[tx.Status] {
			continue
		}
		if opts.From != nil && tx.Timestamp.Before(*opts.From) {
			continue
		}
		if opts.To != nil && tx.Timestamp.After(*opts.To) {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

func paginate(items []chain.Transaction, page, pageSize int) Page {
	total := len(items)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return Page{
		Items:      items[start:end],
		PageNum:    page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    page < totalPages,
	}
}

// SubscribeToTransactions implements spec.md §4.19's
// subscribe_to_transactions: wraps the adapter's callback with a type and
// include-pending filter before routing through the adapter.
func (s *Service) SubscribeToTransactions(chainID int64, address string, cb chain.TransactionCallback, types []string, includePending bool) (chain.Unsubscribe, error) {
	if err := validateAddress(address); err != nil {
		return nil, err
	}
	adapter, err := s.cfg.Resolver(chainID)
	if err != nil {
		return nil, err
	}
	typeSet := toSet(types)

	wrapped := func(tx chain.Transaction) {
		if !includePending && tx.Status == "pending" {
			return
		}
		if len(typeSet) > 0 && !typeSet[tx.Type] {
			return
		}
		cb(tx)
	}

	unsub, err := adapter.SubscribeToTransactions(chain.NormalizeAddress(address), wrapped)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("%d:%s", chainID, chain.NormalizeAddress(address))
	s.subMu.Lock()
	s.subs[id] = unsub
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		unsub()
	}, nil
}
