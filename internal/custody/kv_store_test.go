package custody

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodian/internal/kv"
)

func testRecord(id, sig string, at time.Time) *Record {
	return &Record{
		ID:             id,
		Signature:      sig,
		Nonce:          1,
		Signer:         "0xsigner",
		Type:           TypePredict,
		UserID:         "user-1",
		Payload:        &PredictPayload{MarketID: "m1", OutcomeID: 1, Amount: 5, ReceiptID: 1},
		TakenCustodyAt: at,
		UpdatedAt:      at,
		Status:         StatusPending,
	}
}

// storeContract exercises any Store implementation.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b := testRecord("ctx_b", "0x02", base.Add(time.Minute))
	a := testRecord("ctx_a", "0x01", base)
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Create(ctx, a))

	assert.ErrorIs(t, s.Create(ctx, testRecord("ctx_other", "0x01", base)), ErrDuplicateCustody)
	assert.ErrorIs(t, s.Create(ctx, testRecord("ctx_a", "0x03", base)), ErrIDCollision)

	got, err := s.Get(ctx, "ctx_a")
	require.NoError(t, err)
	p, ok := got.Predict()
	require.True(t, ok)
	assert.Equal(t, "m1", p.MarketID)

	bySig, err := s.GetBySignature(ctx, "0x02")
	require.NoError(t, err)
	assert.Equal(t, "ctx_b", bySig.ID)

	for name, list := range map[string]func() ([]*Record, error){
		"user":   func() ([]*Record, error) { return s.ListByUser(ctx, "user-1") },
		"signer": func() ([]*Record, error) { return s.ListBySigner(ctx, "0xsigner") },
		"market": func() ([]*Record, error) { return s.ListByMarket(ctx, "m1") },
		"status": func() ([]*Record, error) { return s.ListByStatus(ctx, StatusPending) },
	} {
		recs, err := list()
		require.NoError(t, err, name)
		require.Len(t, recs, 2, name)
		assert.Equal(t, "ctx_a", recs[0].ID, name)
		assert.Equal(t, "ctx_b", recs[1].ID, name)
	}

	a.Status = StatusSubmitted
	a.TxID = "0xtx"
	require.NoError(t, s.Update(ctx, a, StatusPending))
	pending, err := s.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	submitted, err := s.ListByStatus(ctx, StatusSubmitted)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, "0xtx", submitted[0].TxID)

	require.NoError(t, s.Delete(ctx, "ctx_b"))
	_, err = s.Get(ctx, "ctx_b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetBySignature(ctx, "0x02")
	assert.ErrorIs(t, err, ErrNotFound)
	recs, err := s.ListByMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, s.Create(ctx, testRecord("ctx_b2", "0x02", base)))
	require.NoError(t, s.Ping(ctx))
}

func TestKVStore(t *testing.T) {
	storeContract(t, NewKVStore(kv.NewMemoryStore()))
}

func TestKVStore_RecordRoundTripKeepsPayloadVariant(t *testing.T) {
	s := NewKVStore(kv.NewMemoryStore())
	ctx := context.Background()
	rec := &Record{
		ID: "ctx_c", Signature: "0xc", Type: TypeClaimReward, UserID: "u", Signer: "s",
		Payload: &ClaimRewardPayload{ReceiptID: 12, MarketID: "m9"},
		Status:  StatusPending,
	}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, "ctx_c")
	require.NoError(t, err)
	claim, ok := got.Payload.(*ClaimRewardPayload)
	require.True(t, ok)
	assert.Equal(t, uint64(12), claim.ReceiptID)

	byMarket, err := s.ListByMarket(ctx, "m9")
	require.NoError(t, err)
	assert.Len(t, byMarket, 1)
}
