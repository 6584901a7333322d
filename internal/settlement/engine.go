// Package settlement batches pending custody records into single ledger
// writes.
//
// A run selects pending predictions older than the minimum age, takes the
// oldest first up to the batch limit, and broadcasts them as one
// transaction. Nothing changes locally unless the broadcast is accepted;
// after acceptance every record is moved to submitted independently.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/custody"
	"github.com/mbd888/custodian/internal/logging"
	"github.com/mbd888/custodian/internal/traces"
)

const (
	DefaultMinAge   = custody.DefaultMinAge
	DefaultMaxBatch = 200
)

// ErrInProgress is returned when a run is already underway.
var ErrInProgress = errors.New("settlement: run already in progress")

// Records is the slice of the custody service a run needs.
// ListPendingPredictions returns records oldest first.
type Records interface {
	ListPendingPredictions(ctx context.Context, marketID string) ([]*custody.Record, error)
	HoldForSettlement(ctx context.Context, recs []*custody.Record) ([]*custody.Record, func(), error)
	MarkSubmitted(ctx context.Context, id, txID string) (*custody.Record, error)
}

// Submitter broadcasts a settlement batch. *chain.Settler implements it.
type Submitter interface {
	SubmitSettlement(ctx context.Context, items []chain.SettlementItem) (*chain.BroadcastResult, error)
}

// Options scope a single run.
type Options struct {
	MarketID     string // empty means all markets
	ForceProcess bool   // skip the minimum age filter
}

// Result summarizes a run.
type Result struct {
	RunID     string   `json:"runId"`
	Processed int      `json:"processed"` // eligible before truncation
	Batched   int      `json:"batched"`
	Errors    int      `json:"errors"` // local status updates that failed after broadcast
	TxID      string   `json:"txId,omitempty"`
	Fee       uint64   `json:"fee,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// Engine runs settlement batches. Runs never overlap.
type Engine struct {
	records   Records
	submitter Submitter
	minAge    time.Duration
	maxBatch  int
	now       func() time.Time
	logger    *slog.Logger
	running   atomic.Bool
}

// NewEngine creates an engine with the default age and batch limits.
func NewEngine(records Records, submitter Submitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		records:   records,
		submitter: submitter,
		minAge:    DefaultMinAge,
		maxBatch:  DefaultMaxBatch,
		now:       time.Now,
		logger:    logger.With("component", "settlement"),
	}
}

// WithLimits overrides the minimum age and maximum batch size. Zero
// values keep the current setting.
func (e *Engine) WithLimits(minAge time.Duration, maxBatch int) *Engine {
	if minAge > 0 {
		e.minAge = minAge
	}
	if maxBatch > 0 {
		e.maxBatch = maxBatch
	}
	return e
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Settle runs one batch. An empty selection is a successful no-op. A
// failed broadcast returns the error and leaves every record pending.
func (e *Engine) Settle(ctx context.Context, opts Options) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		runsTotal.WithLabelValues("busy").Inc()
		return nil, ErrInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{RunID: uuid.NewString()}
	ctx = logging.WithRunID(logging.WithLogger(ctx, e.logger), res.RunID)
	log := logging.L(ctx)

	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.RunID(res.RunID),
		traces.MarketID(opts.MarketID),
		attribute.Bool("settlement.force", opts.ForceProcess))
	defer span.End()

	batch, processed, err := e.selectBatch(ctx, opts)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("select batch: %w", err)
	}
	res.Processed = processed
	backlog.Set(float64(processed))

	// Held records cannot be returned by their owners while the broadcast
	// is in flight; anything returned since selection is dropped here.
	batch, release, err := e.records.HoldForSettlement(ctx, batch)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("hold batch: %w", err)
	}
	defer release()
	if len(batch) == 0 {
		runsTotal.WithLabelValues("empty").Inc()
		log.Debug("nothing to settle", "market_id", opts.MarketID)
		return res, nil
	}

	items := make([]chain.SettlementItem, 0, len(batch))
	for _, rec := range batch {
		items = append(items, toItem(rec))
	}

	sub, err := e.submitter.SubmitSettlement(ctx, items)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		traces.RecordError(span, err)
		log.Error("settlement broadcast failed, batch left pending",
			"items", len(items), "code", chain.ErrorCode(err), "error", err)
		return nil, fmt.Errorf("broadcast settlement: %w", err)
	}
	res.Batched = len(batch)
	res.TxID = sub.TxID
	res.Fee = sub.Fee
	batchSize.Observe(float64(len(batch)))

	// The ledger write is final from here on; local failures are only logged.
	for _, rec := range batch {
		if _, err := e.records.MarkSubmitted(context.WithoutCancel(ctx), rec.ID, sub.TxID); err != nil {
			res.Errors++
			res.Failed = append(res.Failed, rec.ID)
			statusUpdateFailures.Inc()
			log.Error("CRITICAL: record broadcast but status not updated",
				"id", rec.ID, "txid", sub.TxID, "error", err)
		}
	}

	runsTotal.WithLabelValues("submitted").Inc()
	span.SetAttributes(attribute.String("tx.id", sub.TxID), attribute.Int("settlement.batched", res.Batched))
	log.Info("settlement run complete",
		"processed", res.Processed, "batched", res.Batched, "errors", res.Errors, "txid", res.TxID)
	return res, nil
}

// selectBatch returns the FIFO head of eligible records and how many were
// eligible in total.
func (e *Engine) selectBatch(ctx context.Context, opts Options) ([]*custody.Record, int, error) {
	pending, err := e.records.ListPendingPredictions(ctx, opts.MarketID)
	if err != nil {
		return nil, 0, err
	}

	eligible := pending[:0:0]
	cutoff := e.now().Add(-e.minAge)
	for _, rec := range pending {
		if rec.Status != custody.StatusPending || rec.Type != custody.TypePredict {
			continue
		}
		if !opts.ForceProcess && !rec.TakenCustodyAt.Before(cutoff) {
			continue
		}
		eligible = append(eligible, rec)
	}

	processed := len(eligible)
	if len(eligible) > e.maxBatch {
		eligible = eligible[:e.maxBatch]
	}
	return eligible, processed, nil
}

func toItem(rec *custody.Record) chain.SettlementItem {
	p, _ := rec.Predict()
	return chain.SettlementItem{
		RecordID:  rec.ID,
		Signer:    rec.Signer,
		Nonce:     rec.Nonce,
		ReceiptID: p.ReceiptID,
		MarketID:  p.MarketID,
		OutcomeID: p.OutcomeID,
		Amount:    p.Amount,
		Signature: rec.Signature,
	}
}
