package custody

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanReturn(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		h := newHarness(t)
		check, err := h.svc.CanReturn(ctx, "ctx_nothing")
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonNotFound, check.Reason)
	})

	t.Run("fresh pending prediction", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, check.Eligible)
		assert.Empty(t, check.Reason)
	})

	t.Run("window closes at min age", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()

		h.clock.Advance(DefaultMinAge - time.Second)
		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, check.Eligible)

		h.clock.Advance(time.Second)
		check, err = h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonWindowClosed, check.Reason)
	})

	t.Run("not a prediction", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, Intent{
			Signature: "0xbeef", Nonce: 1, Signer: "0x00000000000000000000000000000000000000aa", Type: TypeTransfer, UserID: "user-1",
			Payload: &TransferPayload{To: "0xbb", Amount: 1},
		})
		require.NoError(t, err)

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonNotPrediction, check.Reason)
	})

	t.Run("already submitted", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()
		_, err = h.svc.MarkSubmitted(ctx, rec.ID, "0xtx")
		require.NoError(t, err)

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonNotPending, check.Reason)
	})

	t.Run("receipt on ledger", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(4))
		require.NoError(t, err)
		h.svc.Wait()
		h.ledger.onLedger[4] = true

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonOnLedger, check.Reason)
	})

	t.Run("ledger unreachable", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(4))
		require.NoError(t, err)
		h.svc.Wait()
		h.ledger.existsErr = errors.New("timeout")

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonLedgerUnchecked, check.Reason)
	})

	t.Run("no ledger checker", func(t *testing.T) {
		h := newHarness(t)
		h.svc.receipts = nil
		rec, err := h.svc.TakeCustody(ctx, predictIntent(4))
		require.NoError(t, err)
		h.svc.Wait()

		check, err := h.svc.CanReturn(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonNoLedgerCheck, check.Reason)
	})
}

func TestReturnPrediction(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes eligible record", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()

		check, err := h.svc.ReturnPrediction(ctx, "user-1", rec.ID)
		require.NoError(t, err)
		assert.True(t, check.Eligible)

		_, err = h.svc.GetTransaction(ctx, rec.ID, GetOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other user", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()

		check, err := h.svc.ReturnPrediction(ctx, "user-2", rec.ID)
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonNotOwner, check.Reason)
		assert.Nil(t, check.Record)

		_, err = h.svc.GetTransaction(ctx, rec.ID, GetOptions{})
		assert.NoError(t, err)
	})

	t.Run("missing record", func(t *testing.T) {
		h := newHarness(t)
		check, err := h.svc.ReturnPrediction(ctx, "user-1", "ctx_nothing")
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonNotFound, check.Reason)

		// same answer as the read-only check
		can, err := h.svc.CanReturn(ctx, "ctx_nothing")
		require.NoError(t, err)
		assert.Equal(t, can.Reason, check.Reason)
	})

	t.Run("minted meanwhile becomes submitted", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(8))
		require.NoError(t, err)
		h.svc.Wait()
		h.ledger.onLedger[8] = true

		check, err := h.svc.ReturnPrediction(ctx, "user-1", rec.ID)
		require.NoError(t, err)
		assert.False(t, check.Eligible)
		assert.Equal(t, ReasonOnLedger, check.Reason)

		got, err := h.svc.GetTransaction(ctx, rec.ID, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, StatusSubmitted, got.Status)
		assert.NotNil(t, got.SubmittedAt)
	})

	t.Run("window closed keeps record", func(t *testing.T) {
		h := newHarness(t)
		rec, err := h.svc.TakeCustody(ctx, predictIntent(1))
		require.NoError(t, err)
		h.svc.Wait()
		h.clock.Advance(DefaultMinAge)

		check, err := h.svc.ReturnPrediction(ctx, "user-1", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ReasonWindowClosed, check.Reason)

		_, err = h.svc.GetTransaction(ctx, rec.ID, GetOptions{})
		assert.NoError(t, err)
	})
}

func TestHoldForSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var recs []*Record
	for i := uint64(1); i <= 3; i++ {
		rec, err := h.svc.TakeCustody(ctx, predictIntent(i))
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	h.svc.Wait()
	require.NoError(t, h.svc.DeleteTransaction(ctx, recs[1].ID))
	_, err := h.svc.MarkSubmitted(ctx, recs[2].ID, "0xtx")
	require.NoError(t, err)

	held, release, err := h.svc.HoldForSettlement(ctx, recs)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, recs[0].ID, held[0].ID)

	check, err := h.svc.CanReturn(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.False(t, check.Eligible)
	assert.Equal(t, ReasonSettling, check.Reason)
	require.ErrorIs(t, h.svc.DeleteTransaction(ctx, recs[0].ID), ErrInvalidTransition)

	release()
	check, err = h.svc.CanReturn(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.True(t, check.Eligible)
}
