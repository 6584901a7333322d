// Package chaintest provides an in-memory ledger endpoint for tests.
package chaintest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/mbd888/custodian/internal/chain"
)

// Ledger is a scriptable chain.Endpoint. Zero value is not usable; call New.
type Ledger struct {
	mu sync.Mutex

	name     string
	markets  map[string]chain.MarketInfo
	receipts map[uint64]chain.ReceiptInfo
	owners   map[uint64]string
	quotes   map[uint64]uint64
	nonce    uint64

	// BroadcastFunc, when set, decides each broadcast's response.
	BroadcastFunc func(n int, raw []byte) (*chain.BroadcastResponse, error)
	// ReadErr, when set, fails every read-only call.
	ReadErr error

	calls      map[string]int
	broadcasts [][]byte
	keys       []string
}

// New returns an empty ledger that accepts every broadcast.
func New(name string) *Ledger {
	return &Ledger{
		name:     name,
		markets:  make(map[string]chain.MarketInfo),
		receipts: make(map[uint64]chain.ReceiptInfo),
		owners:   make(map[uint64]string),
		quotes:   make(map[uint64]uint64),
		calls:    make(map[string]int),
	}
}

var _ chain.Endpoint = (*Ledger)(nil)

func (l *Ledger) Name() string { return l.name }

// SetMarket records market state.
func (l *Ledger) SetMarket(id string, resolved bool, winning *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markets[id] = chain.MarketInfo{MarketID: id, Resolved: resolved, WinningOutcome: winning}
}

// MintReceipt records a receipt and its owner.
func (l *Ledger) MintReceipt(id uint64, marketID string, outcome int, amount uint64, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts[id] = chain.ReceiptInfo{ReceiptID: id, MarketID: marketID, OutcomeID: outcome, Amount: amount}
	if owner != "" {
		l.owners[id] = owner
	}
}

// Redeem removes the receipt's owner, keeping its info.
func (l *Ledger) Redeem(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.owners, id)
}

// SetQuote sets the reward quote of a receipt.
func (l *Ledger) SetQuote(id, reward uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotes[id] = reward
}

// SetNonce sets the operator account nonce.
func (l *Ledger) SetNonce(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonce = n
}

// Calls returns how many times function was called.
func (l *Ledger) Calls(function string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[function]
}

// Broadcasts returns the raw transactions received.
func (l *Ledger) Broadcasts() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.broadcasts))
	copy(out, l.broadcasts)
	return out
}

// Keys returns the API keys seen, in order.
func (l *Ledger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

func (l *Ledger) CallReadOnly(ctx context.Context, apiKey string, call chain.ReadOnlyCall) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[call.Function]++
	l.keys = append(l.keys, apiKey)
	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	if len(call.Args) != 1 {
		return nil, fmt.Errorf("%w: %s expects one argument", chain.ErrCallRejected, call.Function)
	}
	arg := call.Args[0]

	switch call.Function {
	case chain.FnMarketInfo:
		m, ok := l.markets[arg]
		return marshalOrNull(m, ok)
	case chain.FnAccountNonce:
		return json.Marshal(l.nonce)
	}

	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad receipt id %q", chain.ErrCallRejected, arg)
	}
	switch call.Function {
	case chain.FnReceiptInfo:
		r, ok := l.receipts[id]
		return marshalOrNull(r, ok)
	case chain.FnReceiptOwner:
		o, ok := l.owners[id]
		return marshalOrNull(o, ok)
	case chain.FnRewardQuote:
		q, ok := l.quotes[id]
		return marshalOrNull(map[string]uint64{"reward": q}, ok)
	}
	return nil, errors.New("chaintest: unknown function " + call.Function)
}

func (l *Ledger) Broadcast(ctx context.Context, apiKey string, raw []byte) (*chain.BroadcastResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.broadcasts = append(l.broadcasts, raw)
	l.keys = append(l.keys, apiKey)
	n := len(l.broadcasts)
	fn := l.BroadcastFunc
	l.nonce++
	l.mu.Unlock()

	if fn != nil {
		return fn(n, raw)
	}
	return Accepted(fmt.Sprintf("0xtx%04d", n)), nil
}

// Accepted builds a success response.
func Accepted(txid string) *chain.BroadcastResponse {
	raw, _ := json.Marshal(map[string]string{"txid": txid})
	return &chain.BroadcastResponse{TxID: txid, Raw: raw}
}

// FeeTooLow builds a FeeTooLow rejection suggesting expected.
func FeeTooLow(expected, actual uint64) *chain.BroadcastResponse {
	rd := &chain.ReasonData{Expected: expected, Actual: actual}
	raw, _ := json.Marshal(map[string]any{"error": "transaction rejected", "reason": chain.ReasonFeeTooLow, "reason_data": rd})
	return &chain.BroadcastResponse{Error: "transaction rejected", Reason: chain.ReasonFeeTooLow, ReasonData: rd, Raw: raw}
}

// Rejected builds a rejection with reason.
func Rejected(reason string) *chain.BroadcastResponse {
	raw, _ := json.Marshal(map[string]string{"error": "transaction rejected", "reason": reason})
	return &chain.BroadcastResponse{Error: "transaction rejected", Reason: reason, Raw: raw}
}

func marshalOrNull(v any, ok bool) (json.RawMessage, error) {
	if !ok {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v)
}
