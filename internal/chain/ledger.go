package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Read-only contract functions.
const (
	FnMarketInfo   = "get-market-info"
	FnReceiptInfo  = "get-receipt-info"
	FnReceiptOwner = "get-owner"
	FnRewardQuote  = "get-reward-quote"
	FnAccountNonce = "get-nonce"
)

// Caller performs read-only calls. *Pool implements it.
type Caller interface {
	CallReadOnly(ctx context.Context, function string, args ...string) (json.RawMessage, error)
}

// MarketInfo is the on-chain state of a market.
type MarketInfo struct {
	MarketID       string `json:"marketId"`
	Resolved       bool   `json:"resolved"`
	WinningOutcome *int   `json:"winningOutcome,omitempty"`
}

// ReceiptInfo describes a minted prediction receipt.
type ReceiptInfo struct {
	ReceiptID uint64 `json:"receiptId"`
	MarketID  string `json:"marketId"`
	OutcomeID int    `json:"outcomeId"`
	Amount    uint64 `json:"amount"`
}

type rewardQuote struct {
	Reward uint64 `json:"reward"`
}

type queryOptions struct {
	fresh bool
}

// QueryOption adjusts a single query.
type QueryOption func(*queryOptions)

// Fresh skips the cache for this query. The fresh answer is still cached.
func Fresh() QueryOption {
	return func(o *queryOptions) { o.fresh = true }
}

// Ledger wraps a Caller with typed queries and the metadata cache.
type Ledger struct {
	caller Caller
	cache  *Cache
}

// NewLedger caches answers for ttl (DefaultCacheTTL when <= 0).
func NewLedger(caller Caller, ttl time.Duration) *Ledger {
	return &Ledger{caller: caller, cache: NewCache(ttl)}
}

// Cache exposes the underlying cache.
func (l *Ledger) Cache() *Cache { return l.cache }

func cached[T any](ctx context.Context, l *Ledger, b Bucket, key string, opts []QueryOption, fetch func(context.Context) (T, error)) (T, error) {
	var o queryOptions
	for _, fn := range opts {
		fn(&o)
	}
	if !o.fresh {
		if v, ok := l.cache.Get(b, key); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
		}
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.cache.Set(b, key, v)
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func decode[T any](function string, raw json.RawMessage) (*T, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", function, err)
	}
	return &v, nil
}

func receiptKey(id uint64) string { return strconv.FormatUint(id, 10) }

// MarketInfo returns the market's ledger state, or nil if unknown.
func (l *Ledger) MarketInfo(ctx context.Context, marketID string, opts ...QueryOption) (*MarketInfo, error) {
	return cached(ctx, l, BucketMarketInfo, marketID, opts, func(ctx context.Context) (*MarketInfo, error) {
		raw, err := l.caller.CallReadOnly(ctx, FnMarketInfo, marketID)
		if err != nil {
			return nil, err
		}
		info, err := decode[MarketInfo](FnMarketInfo, raw)
		if info != nil && info.MarketID == "" {
			info.MarketID = marketID
		}
		return info, err
	})
}

// ReceiptInfo returns the receipt's ledger record, or nil if none exists.
func (l *Ledger) ReceiptInfo(ctx context.Context, receiptID uint64, opts ...QueryOption) (*ReceiptInfo, error) {
	key := receiptKey(receiptID)
	return cached(ctx, l, BucketReceiptInfo, key, opts, func(ctx context.Context) (*ReceiptInfo, error) {
		raw, err := l.caller.CallReadOnly(ctx, FnReceiptInfo, key)
		if err != nil {
			return nil, err
		}
		info, err := decode[ReceiptInfo](FnReceiptInfo, raw)
		if info != nil {
			info.ReceiptID = receiptID
		}
		return info, err
	})
}

// ReceiptOwner returns the current owner, or "" when nobody holds the receipt.
func (l *Ledger) ReceiptOwner(ctx context.Context, receiptID uint64, opts ...QueryOption) (string, error) {
	key := receiptKey(receiptID)
	return cached(ctx, l, BucketReceiptOwner, key, opts, func(ctx context.Context) (string, error) {
		raw, err := l.caller.CallReadOnly(ctx, FnReceiptOwner, key)
		if err != nil {
			return "", err
		}
		owner, err := decode[string](FnReceiptOwner, raw)
		if err != nil || owner == nil {
			return "", err
		}
		return *owner, nil
	})
}

// RewardQuote returns the payout the receipt would redeem for; 0 when none.
func (l *Ledger) RewardQuote(ctx context.Context, receiptID uint64, opts ...QueryOption) (uint64, error) {
	key := receiptKey(receiptID)
	return cached(ctx, l, BucketRewardQuote, key, opts, func(ctx context.Context) (uint64, error) {
		raw, err := l.caller.CallReadOnly(ctx, FnRewardQuote, key)
		if err != nil {
			return 0, err
		}
		if isNull(raw) {
			return 0, nil
		}
		var q rewardQuote
		if err := json.Unmarshal(raw, &q); err != nil {
			var n uint64
			if json.Unmarshal(raw, &n) != nil {
				return 0, fmt.Errorf("%s: decode result: %w", FnRewardQuote, err)
			}
			return n, nil
		}
		return q.Reward, nil
	})
}

// ReceiptExists reports whether the ledger knows the receipt. It always
// bypasses the cache.
func (l *Ledger) ReceiptExists(ctx context.Context, receiptID uint64) (bool, error) {
	owner, err := l.ReceiptOwner(ctx, receiptID, Fresh())
	if err != nil {
		return false, err
	}
	if owner != "" {
		return true, nil
	}
	info, err := l.ReceiptInfo(ctx, receiptID, Fresh())
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// AccountNonce returns the next transaction nonce for address. Not cached.
func (l *Ledger) AccountNonce(ctx context.Context, address string) (uint64, error) {
	raw, err := l.caller.CallReadOnly(ctx, FnAccountNonce, address)
	if err != nil {
		return 0, err
	}
	if isNull(raw) {
		return 0, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%s: decode result: %w", FnAccountNonce, err)
	}
	return n, nil
}

// InvalidateMarket drops cached state for a market, e.g. after resolution.
func (l *Ledger) InvalidateMarket(marketID string) {
	l.cache.Invalidate(marketID, BucketMarketInfo)
}

// InvalidateReceipt drops every cached answer about a receipt, e.g. after
// it was minted, redeemed, or claimed.
func (l *Ledger) InvalidateReceipt(receiptID uint64) {
	l.cache.Invalidate(receiptKey(receiptID), BucketReceiptInfo, BucketReceiptOwner, BucketRewardQuote)
}
