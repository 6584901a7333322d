package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/custody"
	"github.com/mbd888/custodian/internal/kv"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type fakeSubmitter struct {
	mu      sync.Mutex
	batches [][]chain.SettlementItem
	err     error
	block   chan struct{}
}

func (f *fakeSubmitter) SubmitSettlement(_ context.Context, items []chain.SettlementItem) (*chain.BroadcastResult, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, items)
	return &chain.BroadcastResult{TxID: fmt.Sprintf("0xtx%d", len(f.batches)), Fee: uint64(len(items)) * 10}, nil
}

// flakyRecords fails MarkSubmitted for the listed ids.
type flakyRecords struct {
	*custody.Service
	fail map[string]bool
}

func (f *flakyRecords) MarkSubmitted(ctx context.Context, id, txID string) (*custody.Record, error) {
	if f.fail[id] {
		return nil, errors.New("store unavailable")
	}
	return f.Service.MarkSubmitted(ctx, id, txID)
}

// returningRecords deletes one record right after selection, as an owner
// returning it between listing and the hold would.
type returningRecords struct {
	*custody.Service
	drop string
}

func (r *returningRecords) ListPendingPredictions(ctx context.Context, marketID string) ([]*custody.Record, error) {
	recs, err := r.Service.ListPendingPredictions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := r.Service.DeleteTransaction(ctx, r.drop); err != nil {
		return nil, err
	}
	return recs, nil
}

type fixture struct {
	svc   *custody.Service
	sub   *fakeSubmitter
	eng   *Engine
	now   time.Time
	clock func() time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), sub: &fakeSubmitter{}}
	f.clock = func() time.Time { return f.now }
	f.svc = custody.NewService(custody.NewKVStore(kv.NewMemoryStore()), testLogger).WithClock(f.clock)
	f.eng = NewEngine(f.svc, f.sub, testLogger).WithClock(f.clock)
	return f
}

// take creates a predict record taken at the fixture's current time.
func (f *fixture) take(t *testing.T, n uint64, market string) *custody.Record {
	t.Helper()
	rec, err := f.svc.TakeCustody(context.Background(), custody.Intent{
		Signature: fmt.Sprintf("0x%064x", n),
		Nonce:     n,
		Signer:    "0x00000000000000000000000000000000000000aa",
		Type:      custody.TypePredict,
		UserID:    "user-1",
		Payload:   &custody.PredictPayload{MarketID: market, OutcomeID: 0, Amount: 50},
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) status(t *testing.T, id string) custody.Status {
	t.Helper()
	rec, err := f.svc.GetTransaction(context.Background(), id, custody.GetOptions{})
	require.NoError(t, err)
	return rec.Status
}

func TestSettle_FIFOAndTruncation(t *testing.T) {
	f := newFixture(t)
	f.eng.WithLimits(0, 2)

	r1 := f.take(t, 1, "m1")
	f.now = f.now.Add(time.Minute)
	r2 := f.take(t, 2, "m1")
	f.now = f.now.Add(time.Minute)
	r3 := f.take(t, 3, "m1")
	f.now = f.now.Add(time.Hour)

	res, err := f.eng.Settle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Batched)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, "0xtx1", res.TxID)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, f.sub.batches, 1)
	assert.Equal(t, r1.ID, f.sub.batches[0][0].RecordID)
	assert.Equal(t, r2.ID, f.sub.batches[0][1].RecordID)

	assert.Equal(t, custody.StatusSubmitted, f.status(t, r1.ID))
	assert.Equal(t, custody.StatusSubmitted, f.status(t, r2.ID))
	assert.Equal(t, custody.StatusPending, f.status(t, r3.ID))

	rec, err := f.svc.GetTransaction(context.Background(), r1.ID, custody.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0xtx1", rec.TxID)
}

func TestSettle_AgeGate(t *testing.T) {
	f := newFixture(t)
	rec := f.take(t, 1, "m1")
	f.now = f.now.Add(5 * time.Minute)

	res, err := f.eng.Settle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batched)
	assert.Empty(t, f.sub.batches)
	assert.Equal(t, custody.StatusPending, f.status(t, rec.ID))

	res, err = f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batched)
	assert.Equal(t, custody.StatusSubmitted, f.status(t, rec.ID))
}

func TestSettle_ExactlyMinAgeIsNotEligible(t *testing.T) {
	f := newFixture(t)
	f.take(t, 1, "m1")
	f.now = f.now.Add(DefaultMinAge)

	res, err := f.eng.Settle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)

	f.now = f.now.Add(time.Nanosecond)
	res, err = f.eng.Settle(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batched)
}

func TestSettle_MarketScope(t *testing.T) {
	f := newFixture(t)
	a := f.take(t, 1, "m1")
	b := f.take(t, 2, "m2")

	res, err := f.eng.Settle(context.Background(), Options{MarketID: "m2", ForceProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Batched)
	assert.Equal(t, custody.StatusPending, f.status(t, a.ID))
	assert.Equal(t, custody.StatusSubmitted, f.status(t, b.ID))
}

func TestSettle_BroadcastFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.take(t, 1, "m1")
	b := f.take(t, 2, "m1")
	f.sub.err = &chain.BroadcastError{Code: chain.CodeBroadcastError, Err: errors.New("rejected")}

	_, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrBroadcast)
	assert.Equal(t, custody.StatusPending, f.status(t, a.ID))
	assert.Equal(t, custody.StatusPending, f.status(t, b.ID))
}

func TestSettle_EmptyIsNoop(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batched)
	assert.Empty(t, res.TxID)
	assert.Empty(t, f.sub.batches)
}

func TestSettle_StatusUpdateFailuresCounted(t *testing.T) {
	f := newFixture(t)
	a := f.take(t, 1, "m1")
	b := f.take(t, 2, "m1")
	f.eng = NewEngine(&flakyRecords{Service: f.svc, fail: map[string]bool{a.ID: true}}, f.sub, testLogger).WithClock(f.clock)

	before := counterValue(t)
	res, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Batched)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, []string{a.ID}, res.Failed)
	assert.Equal(t, custody.StatusSubmitted, f.status(t, b.ID))
	assert.Equal(t, before+1, counterValue(t))
}

func TestSettle_SingleFlight(t *testing.T) {
	f := newFixture(t)
	f.take(t, 1, "m1")
	f.sub.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
		done <- err
	}()

	require.Eventually(t, func() bool { return f.eng.running.Load() }, time.Second, time.Millisecond)
	_, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	assert.ErrorIs(t, err, ErrInProgress)

	close(f.sub.block)
	require.NoError(t, <-done)
}

func TestSettle_ForcedBatchBlocksReturns(t *testing.T) {
	f := newFixture(t)
	rec := f.take(t, 1, "m1")
	f.sub.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
		done <- err
	}()

	// Still inside the cancellation window, but held by the broadcast.
	require.Eventually(t, func() bool {
		check, err := f.svc.CanReturn(context.Background(), rec.ID)
		return err == nil && check.Reason == custody.ReasonSettling
	}, time.Second, time.Millisecond)

	check, err := f.svc.ReturnPrediction(context.Background(), "user-1", rec.ID)
	require.NoError(t, err)
	assert.False(t, check.Eligible)
	assert.Equal(t, custody.ReasonSettling, check.Reason)
	require.ErrorIs(t, f.svc.DeleteTransaction(context.Background(), rec.ID), custody.ErrInvalidTransition)

	close(f.sub.block)
	require.NoError(t, <-done)
	assert.Equal(t, custody.StatusSubmitted, f.status(t, rec.ID))
}

func TestSettle_FailedBroadcastReleasesHold(t *testing.T) {
	f := newFixture(t)
	rec := f.take(t, 1, "m1")
	f.sub.err = errors.New("node down")

	_, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.Error(t, err)

	require.NoError(t, f.svc.DeleteTransaction(context.Background(), rec.ID))
}

func TestSettle_SkipsRecordReturnedAfterSelection(t *testing.T) {
	f := newFixture(t)
	a := f.take(t, 1, "m1")
	b := f.take(t, 2, "m1")
	f.eng = NewEngine(&returningRecords{Service: f.svc, drop: a.ID}, f.sub, testLogger).WithClock(f.clock)

	res, err := f.eng.Settle(context.Background(), Options{ForceProcess: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Batched)
	assert.Zero(t, res.Errors)
	require.Len(t, f.sub.batches, 1)
	require.Len(t, f.sub.batches[0], 1)
	assert.Equal(t, b.ID, f.sub.batches[0][0].RecordID)
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.eng, 10*time.Millisecond, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)
	require.Eventually(t, timer.Running, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, time.Millisecond)
}

func counterValue(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, statusUpdateFailures.Write(m))
	return m.Counter.GetValue()
}
