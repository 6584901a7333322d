package chain_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/chain/chaintest"
)

func newSettler(t *testing.T, fake *chaintest.Ledger, padding uint64) (*chain.Settler, *chain.Ledger) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	builder, err := chain.NewSettlementBuilder(hex.EncodeToString(crypto.FromECDSA(key)), 1,
		"0x5FbDB2315678afecb367f032d93F642f64180aa3")
	require.NoError(t, err)

	pool := newPool(t, chain.Options{FeePadding: padding}, fake)
	ledger := chain.NewLedger(pool, time.Minute)
	return chain.NewSettler(builder, pool, ledger, chain.DefaultFeePolicy, nil), ledger
}

func TestSettler_SubmitSettlement(t *testing.T) {
	fake := chaintest.New("node")
	fake.SetNonce(12)
	settler, ledger := newSettler(t, fake, 0)
	ctx := context.Background()

	// Prime the cache with "receipt absent".
	info, err := ledger.ReceiptInfo(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, info)

	items := []chain.SettlementItem{{RecordID: "ctx_1", Signer: "0x1111111111111111111111111111111111111111",
		Nonce: 1, ReceiptID: 1, MarketID: "m1", Amount: 50, Signature: "0xabc123"}}
	res, err := settler.SubmitSettlement(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, "0xtx0001", res.TxID)
	assert.Equal(t, chain.DefaultFeePolicy.For(1), res.Fee)

	broadcasts := fake.Broadcasts()
	require.Len(t, broadcasts, 1)
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(broadcasts[0]))
	assert.Equal(t, uint64(12), tx.Nonce())

	// The ledger minted the receipt; the cached absence must be gone.
	fake.MintReceipt(1, "m1", 0, 50, "0xowner")
	info, err = ledger.ReceiptInfo(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestSettler_FeeRetryKeepsNonce(t *testing.T) {
	fake := chaintest.New("node")
	fake.SetNonce(4)
	fake.BroadcastFunc = func(n int, _ []byte) (*chain.BroadcastResponse, error) {
		if n == 1 {
			return chaintest.FeeTooLow(10_000_000, 1), nil
		}
		return chaintest.Accepted("0xok"), nil
	}
	settler, _ := newSettler(t, fake, 100)

	res, err := settler.SubmitSettlement(context.Background(), []chain.SettlementItem{{ReceiptID: 1, MarketID: "m1", Amount: 1}})
	require.NoError(t, err)
	assert.True(t, res.Rebuilt)
	assert.Equal(t, uint64(10_000_100), res.Fee)

	broadcasts := fake.Broadcasts()
	require.Len(t, broadcasts, 2)
	var first, second types.Transaction
	require.NoError(t, first.UnmarshalBinary(broadcasts[0]))
	require.NoError(t, second.UnmarshalBinary(broadcasts[1]))
	assert.Equal(t, first.Nonce(), second.Nonce())
}

func TestSettler_EmptyBatch(t *testing.T) {
	settler, _ := newSettler(t, chaintest.New("node"), 0)
	_, err := settler.SubmitSettlement(context.Background(), nil)
	assert.ErrorIs(t, err, chain.ErrEmptyBatch)
}
