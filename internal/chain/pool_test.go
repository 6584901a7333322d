package chain_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/chain/chaintest"
	"github.com/mbd888/custodian/internal/circuitbreaker"
	"github.com/mbd888/custodian/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func newPool(t *testing.T, opts chain.Options, eps ...chain.Endpoint) *chain.Pool {
	t.Helper()
	if opts.Retry.Attempts == 0 {
		opts.Retry = fastRetry
	}
	p, err := chain.NewPool(eps, opts)
	require.NoError(t, err)
	return p
}

func TestNewPool_NoEndpoints(t *testing.T) {
	_, err := chain.NewPool(nil, chain.Options{})
	assert.ErrorIs(t, err, chain.ErrNoEndpoints)
}

func TestPool_RoundRobinEndpoints(t *testing.T) {
	a, b := chaintest.New("a"), chaintest.New("b")
	p := newPool(t, chain.Options{}, a, b)

	for i := 0; i < 4; i++ {
		_, err := p.CallReadOnly(context.Background(), chain.FnMarketInfo, "m1")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a.Calls(chain.FnMarketInfo))
	assert.Equal(t, 2, b.Calls(chain.FnMarketInfo))
	assert.Equal(t, []string{"a", "b"}, p.Endpoints())
}

func TestPool_KeyRotationRoundRobin(t *testing.T) {
	a := chaintest.New("a")
	p := newPool(t, chain.Options{APIKeys: []string{"k1", "k2", "k3"}}, a)

	for i := 0; i < 4; i++ {
		_, err := p.CallReadOnly(context.Background(), chain.FnMarketInfo, "m1")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"k1", "k2", "k3", "k1"}, a.Keys())
}

func TestPool_KeyRotationRandomDrawsFromSet(t *testing.T) {
	a := chaintest.New("a")
	p := newPool(t, chain.Options{APIKeys: []string{"k1", "k2"}, KeyRotation: chain.RotateRandom}, a)

	for i := 0; i < 10; i++ {
		_, err := p.CallReadOnly(context.Background(), chain.FnMarketInfo, "m1")
		require.NoError(t, err)
	}
	for _, k := range a.Keys() {
		assert.Contains(t, []string{"k1", "k2"}, k)
	}
}

func TestPool_RetriesOnNextEndpoint(t *testing.T) {
	bad, good := chaintest.New("bad"), chaintest.New("good")
	bad.ReadErr = errors.New("connection reset")
	good.SetMarket("m1", true, nil)
	p := newPool(t, chain.Options{}, bad, good)

	raw, err := p.CallReadOnly(context.Background(), chain.FnMarketInfo, "m1")
	require.NoError(t, err)

	var info chain.MarketInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.True(t, info.Resolved)
	assert.Equal(t, 1, bad.Calls(chain.FnMarketInfo))
}

func TestPool_ReadOnlyCallFailedAfterRetries(t *testing.T) {
	a := chaintest.New("a")
	a.ReadErr = errors.New("timeout")
	p := newPool(t, chain.Options{}, a)

	_, err := p.CallReadOnly(context.Background(), chain.FnReceiptOwner, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrReadOnlyCallFailed)
	assert.Equal(t, chain.CodeReadOnlyCallFailed, chain.ErrorCode(err))

	var roe *chain.ReadOnlyError
	require.ErrorAs(t, err, &roe)
	assert.Equal(t, 3, roe.Attempts)
	assert.Equal(t, 3, a.Calls(chain.FnReceiptOwner))
}

func TestPool_BreakerSkipsFailingEndpoint(t *testing.T) {
	bad, good := chaintest.New("bad"), chaintest.New("good")
	bad.ReadErr = errors.New("down")
	p := newPool(t, chain.Options{Breaker: circuitbreaker.New(1, time.Hour)}, bad, good)

	for i := 0; i < 5; i++ {
		_, err := p.CallReadOnly(context.Background(), chain.FnMarketInfo, "m1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, bad.Calls(chain.FnMarketInfo), "open endpoint must leave rotation")
	assert.Equal(t, circuitbreaker.StateOpen, p.Breaker().State("bad"))
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestValidateBroadcast(t *testing.T) {
	tests := []struct {
		name string
		resp *chain.BroadcastResponse
		want error
	}{
		{"ok", &chain.BroadcastResponse{TxID: "0x1"}, nil},
		{"pending", &chain.BroadcastResponse{TxID: "0x1", Status: "pending"}, nil},
		{"success", &chain.BroadcastResponse{TxID: "0x1", Status: "success"}, nil},
		{"no txid", &chain.BroadcastResponse{}, chain.ErrMissingTxID},
		{"nil", nil, chain.ErrMissingTxID},
		{"error field", &chain.BroadcastResponse{TxID: "0x1", Error: "bad"}, chain.ErrTxRejected},
		{"reason only", &chain.BroadcastResponse{TxID: "0x1", Reason: "BadNonce"}, chain.ErrTxRejected},
		{"failed status", &chain.BroadcastResponse{TxID: "0x1", Status: "abort_by_response"}, chain.ErrUnknownStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := chain.ValidateBroadcast(tc.resp)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestBroadcast_Accepted(t *testing.T) {
	a := chaintest.New("a")
	p := newPool(t, chain.Options{}, a)

	res, err := p.Broadcast(context.Background(), chain.PreparedTx{Raw: []byte{1}, Fee: 100})
	require.NoError(t, err)
	assert.Equal(t, "0xtx0001", res.TxID)
	assert.Equal(t, uint64(100), res.Fee)
	assert.False(t, res.Rebuilt)
}

func TestBroadcast_RejectionCarriesResponse(t *testing.T) {
	a := chaintest.New("a")
	a.BroadcastFunc = func(int, []byte) (*chain.BroadcastResponse, error) {
		return chaintest.Rejected("BadNonce"), nil
	}
	p := newPool(t, chain.Options{}, a)

	var rebuilt atomic.Bool
	_, err := p.Broadcast(context.Background(), chain.PreparedTx{
		Raw: []byte{1}, Fee: 100,
		Rebuild: func(context.Context, uint64) ([]byte, error) { rebuilt.Store(true); return nil, nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrBroadcast)
	assert.Equal(t, chain.CodeBroadcastError, chain.ErrorCode(err))
	assert.False(t, rebuilt.Load(), "non-fee rejections are not retried")

	var be *chain.BroadcastError
	require.ErrorAs(t, err, &be)
	assert.Contains(t, string(be.Response), "BadNonce")
	assert.Len(t, a.Broadcasts(), 1)
}

func TestBroadcast_TransportError(t *testing.T) {
	a := chaintest.New("a")
	a.BroadcastFunc = func(int, []byte) (*chain.BroadcastResponse, error) {
		return nil, errors.New("connection refused")
	}
	p := newPool(t, chain.Options{}, a)

	_, err := p.Broadcast(context.Background(), chain.PreparedTx{Raw: []byte{1}})
	assert.Equal(t, chain.CodeBroadcastError, chain.ErrorCode(err))
}

func TestBroadcast_FeeTooLowRetriesOnce(t *testing.T) {
	a := chaintest.New("a")
	a.BroadcastFunc = func(n int, raw []byte) (*chain.BroadcastResponse, error) {
		if n == 1 {
			return chaintest.FeeTooLow(500, 100), nil
		}
		return chaintest.Accepted("0xretry"), nil
	}
	p := newPool(t, chain.Options{FeePadding: 10}, a)

	var rebuiltAt uint64
	res, err := p.Broadcast(context.Background(), chain.PreparedTx{
		Raw: []byte{1}, Fee: 100,
		Rebuild: func(_ context.Context, fee uint64) ([]byte, error) {
			rebuiltAt = fee
			return []byte{2}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(510), rebuiltAt)
	assert.Equal(t, "0xretry", res.TxID)
	assert.Equal(t, uint64(510), res.Fee)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, [][]byte{{1}, {2}}, a.Broadcasts())
}

func TestBroadcast_FeeRetryFailureIsRetryError(t *testing.T) {
	a := chaintest.New("a")
	a.BroadcastFunc = func(int, []byte) (*chain.BroadcastResponse, error) {
		return chaintest.FeeTooLow(500, 100), nil
	}
	p := newPool(t, chain.Options{}, a)

	_, err := p.Broadcast(context.Background(), chain.PreparedTx{
		Raw: []byte{1}, Fee: 100,
		Rebuild: func(context.Context, uint64) ([]byte, error) { return []byte{2}, nil },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrRetryBroadcast)
	assert.NotErrorIs(t, err, chain.ErrBroadcast)
	assert.Equal(t, chain.CodeRetryBroadcastError, chain.ErrorCode(err))
	assert.Len(t, a.Broadcasts(), 2, "exactly one retry")
}

func TestBroadcast_FeeTooLowWithoutRebuild(t *testing.T) {
	a := chaintest.New("a")
	a.BroadcastFunc = func(int, []byte) (*chain.BroadcastResponse, error) {
		return chaintest.FeeTooLow(500, 100), nil
	}
	p := newPool(t, chain.Options{}, a)

	_, err := p.Broadcast(context.Background(), chain.PreparedTx{Raw: []byte{1}, Fee: 100})
	assert.Equal(t, chain.CodeBroadcastError, chain.ErrorCode(err))
}
