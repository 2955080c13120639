// Package errs implements the tagged error taxonomy shared by every
// resilience primitive in this module: a single base kind carrying a code,
// a retriable flag and a redacted context map, plus the handful of
// specialized variants the spec calls out by name.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Code identifies the machine-readable error code carried by every Error.
type Code string

const (
	CodeTimeout       Code = "CONNECTION_TIMEOUT"
	CodeRefused       Code = "CONNECTION_REFUSED"
	CodeReset         Code = "CONNECTION_RESET"
	CodeDNSFailed     Code = "CONNECTION_DNS_FAILED"
	CodeUnknownConn   Code = "CONNECTION_UNKNOWN"
	CodeRateLimit     Code = "RATE_LIMIT"
	CodeValidation    Code = "VALIDATION"
	CodeData          Code = "DATA"
	CodeCircuitOpen   Code = "CIRCUIT_BREAKER_OPEN"
	CodeQueueTimeout  Code = "QUEUE_TIMEOUT"
	CodePoolExhausted Code = "POOL_EXHAUSTED"
	CodeUnknown       Code = "UNKNOWN"
)

// defaultRetriableCodes are the codes the retry policy and fallback chain
// treat as retriable for generic errors that don't carry their own flag.
var defaultRetriableCodes = map[Code]bool{
	CodeTimeout:     true,
	CodeRefused:     true,
	CodeReset:       true,
	CodeDNSFailed:   true,
	CodeUnknownConn: true,
	CodeRateLimit:   true,
	CodeCircuitOpen: true,
}

// redactPattern matches context keys that must never be serialized in the
// clear: api keys, secrets, passwords, tokens, authorization headers.
var redactPattern = regexp.MustCompile(`(?i)api[_-]?key|secret|private|password|token|authorization`)

const redacted = "[REDACTED]"

// Context is an opaque boxed map of diagnostic context. Values are copied on
// Error construction. Keys matching redactPattern are scrubbed before
// serialization, never before storage, so in-process inspection (tests,
// logging with a trusted sink) still sees the real value via Get.
type Context map[string]any

// MarshalJSON redacts sensitive keys before encoding.
func (c Context) MarshalJSON() ([]byte, error) {
	safe := make(map[string]any, len(c))
	for k, v := range c {
		if redactPattern.MatchString(k) {
			safe[k] = redacted
			continue
		}
		safe[k] = v
	}
	return json.Marshal(safe)
}

// Error is the base taxonomy type. Specialized constructors below populate
// Code/Retriable/Context consistently; callers may also build one directly
// for an ad-hoc classification.
type Error struct {
	Kind      string
	Code      Code
	Retriable bool
	Context   Context
	Cause     error
	Timestamp time.Time
	ChainID   *int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s[%s]", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetriable reports whether err should be retried: an *Error (found via
// errors.As) reports its own Retriable flag; any other error is treated as
// non-retriable. ClassifyRetriable adds a configured retriable-code set.
func IsRetriable(err error) bool {
	var e *Error
	if As(err, &e) {
		return e.Retriable
	}
	return false
}

// As is a thin re-export of errors.As kept local so callers of this package
// don't need a second import for the common case.
func As(err error, target any) bool { return errors.As(err, target) }

func newBase(kind string, code Code, retriable bool, cause error, ctx Context) *Error {
	if ctx == nil {
		ctx = Context{}
	}
	return &Error{
		Kind:      kind,
		Code:      code,
		Retriable: retriable,
		Context:   ctx,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	}
}

// ConnectionSubtype enumerates the Connection error family.
type ConnectionSubtype string

const (
	ConnTimeout   ConnectionSubtype = "TIMEOUT"
	ConnRefused   ConnectionSubtype = "REFUSED"
	ConnReset     ConnectionSubtype = "RESET"
	ConnDNS       ConnectionSubtype = "DNS_FAILED"
	ConnUnknown   ConnectionSubtype = "UNKNOWN"
)

func connCode(s ConnectionSubtype) Code {
	switch s {
	case ConnTimeout:
		return CodeTimeout
	case ConnRefused:
		return CodeRefused
	case ConnReset:
		return CodeReset
	case ConnDNS:
		return CodeDNSFailed
	default:
		return CodeUnknownConn
	}
}

// NewConnection builds a retriable connection-family error.
func NewConnection(subtype ConnectionSubtype, cause error) *Error {
	e := newBase("Connection", connCode(subtype), true, cause, nil)
	e.Context["subtype"] = string(subtype)
	return e
}

// NewRateLimit builds a retriable rate-limit error carrying the provider's
// reset hint. WaitTime is the caller-facing minimum backoff.
func NewRateLimit(provider string, limit int, period time.Duration, resetAt time.Time) *Error {
	e := newBase("RateLimit", CodeRateLimit, true, nil, Context{
		"provider": provider,
		"limit":    limit,
		"period":   period.String(),
		"reset_at": resetAt,
	})
	return e
}

// RateLimitWaitTime returns max(0, reset_at-now) for a RateLimit error, or 0
// if err isn't one.
func RateLimitWaitTime(err error, now time.Time) time.Duration {
	var e *Error
	if !As(err, &e) || e.Code != CodeRateLimit {
		return 0
	}
	resetAt, _ := e.Context["reset_at"].(time.Time)
	if resetAt.IsZero() {
		return 0
	}
	if d := resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NewValidation builds a non-retriable field-validation error. received is
// sanitized by the caller before being stored (this package does not know
// which fields are sensitive beyond the generic redaction pattern).
func NewValidation(field string, expected, received any) *Error {
	return newBase("Validation", CodeValidation, false, nil, Context{
		"field":    field,
		"expected": expected,
		"received": received,
	})
}

// NewData builds a non-retriable schema/format violation error.
func NewData(message string, cause error) *Error {
	e := newBase("Data", CodeData, false, cause, nil)
	e.Context["message"] = message
	return e
}

// NewCircuitBreakerOpen builds the error a breaker returns while OPEN.
func NewCircuitBreakerOpen(circuitName string, resetAt time.Time, failureCount int) *Error {
	return newBase("CircuitBreakerOpen", CodeCircuitOpen, true, nil, Context{
		"circuit_name":  circuitName,
		"reset_at":      resetAt,
		"failure_count": failureCount,
	})
}

// CircuitBreakerWaitTime mirrors RateLimitWaitTime for CircuitBreakerOpen.
func CircuitBreakerWaitTime(err error, now time.Time) time.Duration {
	var e *Error
	if !As(err, &e) || e.Code != CodeCircuitOpen {
		return 0
	}
	resetAt, _ := e.Context["reset_at"].(time.Time)
	if d := resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// NewQueueTimeout builds a retriable-looking-but-not error for a bulkhead
// queue wait or rate-limiter wait that exceeded its max wait time. These are
// deliberately NOT retriable by default: a caller that already waited its
// budget should not be silently retried by an outer policy too.
func NewQueueTimeout(name string, waited time.Duration) *Error {
	e := newBase("QueueTimeout", CodeQueueTimeout, false, nil, Context{
		"name":   name,
		"waited": waited.String(),
	})
	return e
}

// NewPoolExhausted builds the error ConnectionPool.acquire returns when
// total >= max and no idle connection is available.
func NewPoolExhausted(poolName string, max int) *Error {
	e := newBase("PoolExhausted", CodePoolExhausted, false, nil, Context{
		"pool": poolName,
		"max":  max,
	})
	return e
}

// WithChainID attaches a chain id to any Error, for context enrichment at
// the adapter boundary.
func (e *Error) WithChainID(chainID int64) *Error {
	e.ChainID = &chainID
	return e
}

// WithContext merges additional context key/values and returns e for
// chaining.
func (e *Error) WithContext(kv map[string]any) *Error {
	for k, v := range kv {
		e.Context[k] = v
	}
	return e
}

// ClassifyRetriable decides retriability for an arbitrary error against a
// configured set of additional retriable codes: an *Error is retriable if
// its own flag is set or its code is in the set; any other error only if
// its whole message equals one of the codes (the default set when nil).
// RetryPolicy uses it for every error it sees.
func ClassifyRetriable(err error, retriableCodes map[Code]bool) bool {
	if err == nil {
		return false
	}
	var e *Error
	if As(err, &e) {
		if retriableCodes == nil {
			return e.Retriable
		}
		return e.Retriable || retriableCodes[e.Code]
	}
	if retriableCodes == nil {
		retriableCodes = defaultRetriableCodes
	}
	msg := err.Error()
	for code, ok := range retriableCodes {
		if ok && msg == string(code) {
			return true
		}
	}
	return false
}

// DefaultRetriableCodes returns a copy of the built-in retriable code set.
func DefaultRetriableCodes() map[Code]bool {
	out := make(map[Code]bool, len(defaultRetriableCodes))
	for k, v := range defaultRetriableCodes {
		out[k] = v
	}
	return out
}
