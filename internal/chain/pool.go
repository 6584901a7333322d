// Package chain is the ledger client: a pool of gateway endpoints with
// key rotation, retrying read-only calls, a short-lived metadata cache,
// and a broadcast path that validates responses and retries once on a
// too-low fee.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/mbd888/custodian/internal/circuitbreaker"
	"github.com/mbd888/custodian/internal/logging"
	"github.com/mbd888/custodian/internal/retry"
)

// KeyRotation selects how API keys are drawn for each request.
type KeyRotation string

const (
	RotateRoundRobin KeyRotation = "round_robin"
	RotateRandom     KeyRotation = "random"
)

// Options configures a Pool. Zero values take the defaults noted.
type Options struct {
	Contract    string // contract identifier for read-only calls
	Sender      string // sender principal for read-only calls
	APIKeys     []string
	KeyRotation KeyRotation  // round robin
	Retry       retry.Policy // retry.Default
	// RequestsPerSecond limits each endpoint; 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	Breaker           *circuitbreaker.Breaker // 5 failures / 30s
	FeePadding        uint64                  // added to the ledger's suggested fee on retry
	Logger            *slog.Logger
}

// Pool spreads ledger traffic across endpoints.
type Pool struct {
	endpoints []Endpoint
	limiters  []*rate.Limiter
	opts      Options
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger

	nextEndpoint atomic.Uint64
	nextKey      atomic.Uint64
}

// NewPool returns a pool over endpoints.
func NewPool(endpoints []Endpoint, opts Options) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.KeyRotation == "" {
		opts.KeyRotation = RotateRoundRobin
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.Default
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(5, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		endpoints: endpoints,
		limiters:  make([]*rate.Limiter, len(endpoints)),
		opts:      opts,
		breaker:   opts.Breaker,
		logger:    logger.With("component", "ledger_pool"),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		for i := range p.limiters {
			p.limiters[i] = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
		}
	}
	return p, nil
}

// Endpoints returns the endpoint names in rotation order.
func (p *Pool) Endpoints() []string {
	names := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		names[i] = ep.Name()
	}
	return names
}

// Breaker exposes the endpoint breaker for health reporting.
func (p *Pool) Breaker() *circuitbreaker.Breaker { return p.breaker }

// pick returns the next endpoint in round-robin order, skipping endpoints
// whose breaker is open. When every breaker is open it returns the plain
// round-robin choice rather than failing.
func (p *Pool) pick() (int, Endpoint) {
	n := uint64(len(p.endpoints))
	start := p.nextEndpoint.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		idx := int((start + i) % n)
		if p.breaker.Allow(p.endpoints[idx].Name()) {
			return idx, p.endpoints[idx]
		}
	}
	idx := int(start % n)
	return idx, p.endpoints[idx]
}

func (p *Pool) apiKey() string {
	keys := p.opts.APIKeys
	switch {
	case len(keys) == 0:
		return ""
	case p.opts.KeyRotation == RotateRandom:
		return keys[rand.IntN(len(keys))] //nolint:gosec // key spreading, not security
	default:
		return keys[(p.nextKey.Add(1)-1)%uint64(len(keys))]
	}
}

func (p *Pool) wait(ctx context.Context, idx int) error {
	if l := p.limiters[idx]; l != nil {
		return l.Wait(ctx)
	}
	return nil
}

// CallReadOnly evaluates a read-only contract function. Each attempt goes
// to the next endpoint with the next key; after the policy's attempts are
// exhausted the last failure is returned as a *ReadOnlyError.
func (p *Pool) CallReadOnly(ctx context.Context, function string, args ...string) (json.RawMessage, error) {
	defer observeCall(function)()

	call := ReadOnlyCall{
		Contract: p.opts.Contract,
		Function: function,
		Sender:   p.opts.Sender,
		Args:     args,
	}

	var result json.RawMessage
	attempts := 0
	err := p.opts.Retry.Do(ctx, func(attempt int) error {
		attempts = attempt + 1
		idx, ep := p.pick()
		if err := p.wait(ctx, idx); err != nil {
			return retry.Permanent(err)
		}

		res, err := ep.CallReadOnly(ctx, p.apiKey(), call)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			if !errors.Is(err, ErrCallRejected) {
				p.breaker.RecordFailure(ep.Name())
			}
			logging.L(ctx).Debug("read-only call failed",
				"function", function, "endpoint", ep.Name(), "attempt", attempt+1, "error", err)
			return err
		}
		p.breaker.RecordSuccess(ep.Name())
		result = res
		return nil
	})
	if err != nil {
		readOnlyCalls.WithLabelValues(function, "error").Inc()
		return nil, &ReadOnlyError{Function: function, Attempts: attempts, Err: err}
	}
	readOnlyCalls.WithLabelValues(function, "ok").Inc()
	return result, nil
}

// -----------------------------------------------------------------------------
// Broadcast
// -----------------------------------------------------------------------------

// PreparedTx is a signed transaction plus the means to rebuild it at a
// different fee.
type PreparedTx struct {
	Raw []byte
	Fee uint64
	// Rebuild re-signs the same logical transaction at fee. Nil disables
	// the fee retry.
	Rebuild func(ctx context.Context, fee uint64) ([]byte, error)
}

// BroadcastResult describes an accepted submission.
type BroadcastResult struct {
	TxID     string
	Fee      uint64
	Rebuilt  bool
	Endpoint string
}

// Broadcast submits tx. A FeeTooLow rejection is retried exactly once at
// the ledger's suggested fee plus padding; any other failure surfaces
// immediately.
func (p *Pool) Broadcast(ctx context.Context, tx PreparedTx) (*BroadcastResult, error) {
	resp, name, err := p.send(ctx, tx.Raw)
	if err != nil {
		broadcasts.WithLabelValues("error").Inc()
		return nil, &BroadcastError{Code: CodeBroadcastError, Endpoint: name, Fee: tx.Fee, Err: err}
	}

	verr := ValidateBroadcast(resp)
	if verr == nil {
		broadcasts.WithLabelValues("ok").Inc()
		return &BroadcastResult{TxID: resp.TxID, Fee: tx.Fee, Endpoint: name}, nil
	}

	if !isFeeTooLow(resp) || tx.Rebuild == nil {
		broadcasts.WithLabelValues("error").Inc()
		return nil, &BroadcastError{Code: CodeBroadcastError, Endpoint: name, Fee: tx.Fee, Response: resp.Raw, Err: verr}
	}

	fee := tx.Fee + p.opts.FeePadding
	if resp.ReasonData != nil && resp.ReasonData.Expected > 0 {
		fee = resp.ReasonData.Expected + p.opts.FeePadding
	}
	logging.L(ctx).Warn("broadcast fee too low, rebuilding",
		"endpoint", name, "fee", tx.Fee, "retry_fee", fee)

	raw, err := tx.Rebuild(ctx, fee)
	if err != nil {
		broadcasts.WithLabelValues("retry_error").Inc()
		return nil, &BroadcastError{Code: CodeRetryBroadcastError, Fee: fee, Err: fmt.Errorf("rebuild: %w", err)}
	}

	resp, name, err = p.send(ctx, raw)
	if err != nil {
		broadcasts.WithLabelValues("retry_error").Inc()
		return nil, &BroadcastError{Code: CodeRetryBroadcastError, Endpoint: name, Fee: fee, Err: err}
	}
	if verr := ValidateBroadcast(resp); verr != nil {
		broadcasts.WithLabelValues("retry_error").Inc()
		return nil, &BroadcastError{Code: CodeRetryBroadcastError, Endpoint: name, Fee: fee, Response: resp.Raw, Err: verr}
	}

	broadcasts.WithLabelValues("fee_retry_ok").Inc()
	return &BroadcastResult{TxID: resp.TxID, Fee: fee, Rebuilt: true, Endpoint: name}, nil
}

func (p *Pool) send(ctx context.Context, raw []byte) (*BroadcastResponse, string, error) {
	idx, ep := p.pick()
	if err := p.wait(ctx, idx); err != nil {
		return nil, ep.Name(), err
	}
	resp, err := ep.Broadcast(ctx, p.apiKey(), raw)
	if err != nil {
		p.breaker.RecordFailure(ep.Name())
		return nil, ep.Name(), err
	}
	p.breaker.RecordSuccess(ep.Name())
	return resp, ep.Name(), nil
}

// ValidateBroadcast accepts a response only if it carries a txid, no
// error or reason, and (when present) a success or pending status.
func ValidateBroadcast(resp *BroadcastResponse) error {
	if resp == nil {
		return ErrMissingTxID
	}
	if resp.Error != "" || resp.Reason != "" {
		return fmt.Errorf("%w: %s %s", ErrTxRejected, resp.Error, resp.Reason)
	}
	if resp.TxID == "" {
		return ErrMissingTxID
	}
	switch resp.Status {
	case "", "success", "pending":
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, resp.Status)
	}
}

func isFeeTooLow(resp *BroadcastResponse) bool {
	return resp != nil && resp.Reason == ReasonFeeTooLow
}
