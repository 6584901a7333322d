// Package reconciliation derives what the ledger says about submitted
// predictions and applies it to their custody records.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/custody"
	"github.com/mbd888/custodian/internal/logging"
	"github.com/mbd888/custodian/internal/traces"
)

const (
	DefaultChunkSize    = 10
	DefaultChunkDelay   = 250 * time.Millisecond
	DefaultUnknownGrace = 6 * time.Hour
)

// ReasonReceiptMissing is recorded when a submitted receipt never appears.
const ReasonReceiptMissing = "receipt not found on ledger"

// ErrInProgress is returned when a sync is already underway.
var ErrInProgress = errors.New("reconciliation: sync already in progress")

// Ledger is the cached ledger query surface. *chain.Ledger implements it.
type Ledger interface {
	MarketInfo(ctx context.Context, marketID string, opts ...chain.QueryOption) (*chain.MarketInfo, error)
	ReceiptInfo(ctx context.Context, receiptID uint64, opts ...chain.QueryOption) (*chain.ReceiptInfo, error)
	ReceiptOwner(ctx context.Context, receiptID uint64, opts ...chain.QueryOption) (string, error)
	RewardQuote(ctx context.Context, receiptID uint64, opts ...chain.QueryOption) (uint64, error)
	ReceiptExists(ctx context.Context, receiptID uint64) (bool, error)
}

// Records is the slice of the custody service a sync needs.
type Records interface {
	ListSubmittedPredictions(ctx context.Context) ([]*custody.Record, error)
	ApplyVerification(ctx context.Context, id string, v custody.Verification) (*custody.Record, error)
}

// Check is the derived status of one receipt.
type Check struct {
	ReceiptID uint64                   `json:"receiptId"`
	Status    custody.BlockchainStatus `json:"status"`
	Payout    uint64                   `json:"payout,omitempty"`
	Owner     string                   `json:"owner,omitempty"`
	MarketID  string                   `json:"marketId,omitempty"`
	CheckedAt time.Time                `json:"checkedAt"`
}

// BatchResult partitions checks by outcome. Each bucket is ordered by
// receipt id.
type BatchResult struct {
	Won      []Check
	Lost     []Check
	Pending  []Check
	Redeemed []Check
	Unknown  []Check
	Errors   map[uint64]error
}

// Checks returns every successful check ordered by receipt id.
func (b *BatchResult) Checks() []Check {
	all := make([]Check, 0, len(b.Won)+len(b.Lost)+len(b.Pending)+len(b.Redeemed)+len(b.Unknown))
	for _, bucket := range [][]Check{b.Won, b.Lost, b.Pending, b.Redeemed, b.Unknown} {
		all = append(all, bucket...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceiptID < all[j].ReceiptID })
	return all
}

// SyncSummary reports one reconciliation pass.
type SyncSummary struct {
	RunID     string `json:"runId"`
	Checked   int    `json:"checked"`
	Won       int    `json:"won"`
	Lost      int    `json:"lost"`
	Pending   int    `json:"pending"`
	Redeemed  int    `json:"redeemed"`
	Unknown   int    `json:"unknown"`
	Confirmed int    `json:"confirmed"`
	Rejected  int    `json:"rejected"`
	Errors    int    `json:"errors"`
}

// Service performs receipt checks and record reconciliation.
type Service struct {
	ledger       Ledger
	records      Records
	chunkSize    int
	chunkDelay   time.Duration
	unknownGrace time.Duration
	now          func() time.Time
	logger       *slog.Logger
	running      atomic.Bool
}

// NewService creates a reconciliation service. records may be nil when
// only receipt checks are needed.
func NewService(ledger Ledger, records Records, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:       ledger,
		records:      records,
		chunkSize:    DefaultChunkSize,
		chunkDelay:   DefaultChunkDelay,
		unknownGrace: DefaultUnknownGrace,
		now:          time.Now,
		logger:       logger.With("component", "reconciliation"),
	}
}

// SetRecords attaches the custody records to sync.
func (s *Service) SetRecords(records Records) { s.records = records }

// WithChunking sets the fan-out chunk size and the pause between chunks.
func (s *Service) WithChunking(size int, delay time.Duration) *Service {
	if size > 0 {
		s.chunkSize = size
	}
	if delay >= 0 {
		s.chunkDelay = delay
	}
	return s
}

// WithUnknownGrace sets how long a submitted receipt may stay unknown
// before its record is rejected.
func (s *Service) WithUnknownGrace(d time.Duration) *Service {
	if d > 0 {
		s.unknownGrace = d
	}
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckReceipt derives the receipt's status from cached ledger reads.
func (s *Service) CheckReceipt(ctx context.Context, receiptID uint64) (*Check, error) {
	return s.checkReceipt(ctx, receiptID)
}

func (s *Service) checkReceipt(ctx context.Context, receiptID uint64, opts ...chain.QueryOption) (*Check, error) {
	var f Facts
	var err error

	if f.Owner, err = s.ledger.ReceiptOwner(ctx, receiptID, opts...); err != nil {
		return nil, fmt.Errorf("receipt %d owner: %w", receiptID, err)
	}
	if f.Receipt, err = s.ledger.ReceiptInfo(ctx, receiptID, opts...); err != nil {
		return nil, fmt.Errorf("receipt %d info: %w", receiptID, err)
	}
	if f.Owner != "" && f.Receipt != nil {
		if f.Market, err = s.ledger.MarketInfo(ctx, f.Receipt.MarketID, opts...); err != nil {
			return nil, fmt.Errorf("market %s: %w", f.Receipt.MarketID, err)
		}
		if f.Market != nil && f.Market.Resolved {
			if f.Quote, err = s.ledger.RewardQuote(ctx, receiptID, opts...); err != nil {
				return nil, fmt.Errorf("receipt %d reward quote: %w", receiptID, err)
			}
		}
	}

	out := Derive(f)
	receiptChecks.WithLabelValues(statusLabel(string(out.Status))).Inc()
	c := &Check{
		ReceiptID: receiptID,
		Status:    out.Status,
		Payout:    out.Payout,
		Owner:     f.Owner,
		CheckedAt: s.now(),
	}
	if f.Receipt != nil {
		c.MarketID = f.Receipt.MarketID
	}
	return c, nil
}

// CheckBatch checks receipts in chunks: all of a chunk concurrently, then a
// pause before the next. A failed check lands in Errors and does not stop
// the batch. Only ctx cancellation returns an error.
func (s *Service) CheckBatch(ctx context.Context, receiptIDs []uint64) (*BatchResult, error) {
	ids := dedupe(receiptIDs)
	checks := make([]*Check, len(ids))
	errs := make([]error, len(ids))

	for start := 0; start < len(ids); start += s.chunkSize {
		if start > 0 && s.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.chunkDelay):
			}
		}
		end := min(start+s.chunkSize, len(ids))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				checks[i], errs[i] = s.checkReceipt(ctx, ids[i])
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	res := &BatchResult{Errors: make(map[uint64]error)}
	for i, id := range ids {
		if errs[i] != nil {
			res.Errors[id] = errs[i]
			continue
		}
		c := *checks[i]
		switch c.Status {
		case custody.ChainWon:
			res.Won = append(res.Won, c)
		case custody.ChainLost:
			res.Lost = append(res.Lost, c)
		case custody.ChainPending:
			res.Pending = append(res.Pending, c)
		case custody.ChainRedeemed:
			res.Redeemed = append(res.Redeemed, c)
		default:
			res.Unknown = append(res.Unknown, c)
		}
	}
	return res, nil
}

// dedupe returns the distinct ids in ascending order.
func dedupe(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifyRecord checks a predict record's receipt and returns the update to
// apply, or nil when the ledger has nothing conclusive yet.
func (s *Service) VerifyRecord(ctx context.Context, rec *custody.Record) (*custody.Verification, error) {
	p, ok := rec.Predict()
	if !ok {
		return nil, nil
	}
	c, err := s.CheckReceipt(ctx, p.ReceiptID)
	if err != nil {
		return nil, err
	}
	return s.verification(rec, c), nil
}

func (s *Service) verification(rec *custody.Record, c *Check) *custody.Verification {
	if c.Status != custody.ChainUnknown {
		return &custody.Verification{Status: c.Status, PotentialPayout: c.Payout, VerifiedAt: c.CheckedAt}
	}
	if rec.Status != custody.StatusSubmitted {
		return nil
	}
	since := rec.TakenCustodyAt
	if rec.SubmittedAt != nil {
		since = *rec.SubmittedAt
	}
	if c.CheckedAt.Sub(since) < s.unknownGrace {
		return nil
	}
	return &custody.Verification{VerifiedAt: c.CheckedAt, Reject: true, RejectReason: ReasonReceiptMissing}
}

// IsWinner re-checks the receipt against the ledger, bypassing the cache,
// and reports whether it redeems for a non-zero payout.
func (s *Service) IsWinner(ctx context.Context, receiptID uint64) (bool, uint64, error) {
	c, err := s.checkReceipt(ctx, receiptID, chain.Fresh())
	if err != nil {
		return false, 0, err
	}
	return c.Status == custody.ChainWon, c.Payout, nil
}

// ReceiptExists asks the ledger, uncached, whether the receipt exists.
func (s *Service) ReceiptExists(ctx context.Context, receiptID uint64) (bool, error) {
	return s.ledger.ReceiptExists(ctx, receiptID)
}

// Sync reconciles every submitted predict record. Records whose receipt
// check failed keep their last known state and count as errors.
func (s *Service) Sync(ctx context.Context) (*SyncSummary, error) {
	if s.records == nil {
		return nil, errors.New("reconciliation: no records attached")
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	sum := &SyncSummary{RunID: uuid.NewString()}
	ctx = logging.WithRunID(logging.WithLogger(ctx, s.logger), sum.RunID)
	log := logging.L(ctx)
	ctx, span := traces.StartSpan(ctx, "reconciliation.Sync", traces.RunID(sum.RunID))
	defer span.End()

	recs, err := s.records.ListSubmittedPredictions(ctx)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("list submitted: %w", err)
	}
	submittedBacklog.Set(float64(len(recs)))
	if len(recs) == 0 {
		return sum, nil
	}

	byReceipt := make(map[uint64][]*custody.Record, len(recs))
	ids := make([]uint64, 0, len(recs))
	for _, rec := range recs {
		p, _ := rec.Predict()
		byReceipt[p.ReceiptID] = append(byReceipt[p.ReceiptID], rec)
		ids = append(ids, p.ReceiptID)
	}

	batch, err := s.CheckBatch(ctx, ids)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	sum.Won, sum.Lost, sum.Pending = len(batch.Won), len(batch.Lost), len(batch.Pending)
	sum.Redeemed, sum.Unknown = len(batch.Redeemed), len(batch.Unknown)

	for id, err := range batch.Errors {
		for _, rec := range byReceipt[id] {
			sum.Errors++
			reconcileErrors.Inc()
			log.Warn("receipt check failed", "id", rec.ID, "receipt_id", id, "error", err)
		}
	}

	for _, c := range batch.Checks() {
		for _, rec := range byReceipt[c.ReceiptID] {
			sum.Checked++
			v := s.verification(rec, &c)
			if v == nil {
				continue
			}
			updated, err := s.records.ApplyVerification(ctx, rec.ID, *v)
			if err != nil {
				sum.Errors++
				reconcileErrors.Inc()
				log.Warn("apply verification failed", "id", rec.ID, "error", err)
				continue
			}
			switch updated.Status {
			case custody.StatusConfirmed:
				sum.Confirmed++
				recordsResolved.WithLabelValues(string(updated.Status)).Inc()
			case custody.StatusRejected:
				sum.Rejected++
				recordsResolved.WithLabelValues(string(updated.Status)).Inc()
				log.Warn("submitted record rejected", "id", rec.ID, "reason", updated.RejectionReason)
			}
		}
	}

	span.SetAttributes(attribute.Int("reconciliation.checked", sum.Checked), attribute.Int("reconciliation.errors", sum.Errors))
	log.Info("reconciliation sync complete",
		"checked", sum.Checked, "won", sum.Won, "lost", sum.Lost, "redeemed", sum.Redeemed,
		"confirmed", sum.Confirmed, "rejected", sum.Rejected, "errors", sum.Errors)
	return sum, nil
}
