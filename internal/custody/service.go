package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/custodian/internal/idgen"
	"github.com/mbd888/custodian/internal/logging"
	"github.com/mbd888/custodian/internal/markets"
	"github.com/mbd888/custodian/internal/syncutil"
	"github.com/mbd888/custodian/internal/validation"
)

// DefaultMinAge is both the settlement hold and the cancellation window.
const DefaultMinAge = 15 * time.Minute

// ReasonNotEligible is recorded when a redemption is refused.
const ReasonNotEligible = "not eligible for redemption"

var ErrNoVerifier = errors.New("custody: redemption requires ledger verification")

// MarketDirectory supplies display data and receives intake statistics.
type MarketDirectory interface {
	GetMarket(ctx context.Context, id string) (*markets.Market, error)
	UpdateMarketStats(ctx context.Context, marketID string, outcomeID int, amount uint64, userID string) error
}

// Verifier re-derives a predict record's ledger status.
type Verifier interface {
	// VerifyRecord returns nil when the ledger has nothing conclusive.
	VerifyRecord(ctx context.Context, rec *Record) (*Verification, error)
	// IsWinner reports whether the receipt redeems for a non-zero payout.
	IsWinner(ctx context.Context, receiptID uint64) (bool, uint64, error)
}

// ReceiptChecker answers whether a receipt exists on the ledger, uncached.
type ReceiptChecker interface {
	ReceiptExists(ctx context.Context, receiptID uint64) (bool, error)
}

// ReceiptInvalidator drops cached ledger answers about a receipt.
type ReceiptInvalidator interface {
	InvalidateReceipt(receiptID uint64)
}

// GetOptions tunes GetTransaction.
type GetOptions struct {
	// VerifyBlockchain re-checks a submitted predict record against the
	// ledger before returning it.
	VerifyBlockchain bool
}

// Service owns custody records and every status change applied to them.
// Transitions on one record are serialized.
type Service struct {
	store       Store
	markets     MarketDirectory
	verifier    Verifier
	receipts    ReceiptChecker
	invalidator ReceiptInvalidator

	locks  *syncutil.KeyedMutex
	idFunc func(signature string, nonce uint64) string
	now    func() time.Time
	minAge time.Duration
	logger *slog.Logger

	heldMu sync.Mutex
	held   map[string]struct{} // ids in an in-flight settlement broadcast

	bg sync.WaitGroup
}

// NewService creates a custody service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		locks:  syncutil.NewKeyedMutex(),
		held:   make(map[string]struct{}),
		idFunc: idgen.CustodyID,
		now:    time.Now,
		minAge: DefaultMinAge,
		logger: logger.With("component", "custody"),
	}
}

func (s *Service) WithMarkets(m MarketDirectory) *Service {
	s.markets = m
	return s
}

func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

func (s *Service) WithReceiptChecker(c ReceiptChecker) *Service {
	s.receipts = c
	return s
}

func (s *Service) WithInvalidator(i ReceiptInvalidator) *Service {
	s.invalidator = i
	return s
}

// WithLegacyIDs switches to the signature-prefix id format.
func (s *Service) WithLegacyIDs() *Service {
	s.idFunc = idgen.LegacyCustodyID
	return s
}

// WithMinAge sets the cancellation window.
func (s *Service) WithMinAge(d time.Duration) *Service {
	if d > 0 {
		s.minAge = d
	}
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Wait blocks until background intake side effects have finished.
func (s *Service) Wait() { s.bg.Wait() }

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

// -----------------------------------------------------------------------------
// Intake
// -----------------------------------------------------------------------------

func validateIntent(in Intent) error {
	validators := []func() *validation.ValidationError{
		validation.Required("signature", in.Signature),
		validation.ValidHex("signature", in.Signature),
		validation.MaxLength("signature", in.Signature, 1024),
		validation.Required("signer", in.Signer),
		validation.ValidAddress("signer", in.Signer),
		validation.Required("userId", in.UserID),
		validation.MaxLength("userId", in.UserID, 255),
		validation.OneOf("type", string(in.Type), string(TypeTransfer), string(TypePredict), string(TypeClaimReward)),
	}
	if in.Payload == nil || in.Payload.Type() != in.Type {
		validators = append(validators, func() *validation.ValidationError {
			return &validation.ValidationError{Field: "payload", Message: "missing or does not match type"}
		})
	}

	switch p := in.Payload.(type) {
	case *PredictPayload:
		validators = append(validators,
			validation.Required("payload.marketId", p.MarketID),
			validation.Positive("payload.amount", p.Amount),
			validation.When(p.OutcomeID < 0, func() *validation.ValidationError {
				return &validation.ValidationError{Field: "payload.outcomeId", Message: "must not be negative"}
			}),
		)
	case *TransferPayload:
		validators = append(validators,
			validation.Required("payload.to", p.To),
			validation.Positive("payload.amount", p.Amount),
		)
	}

	if errs := validation.Validate(validators...); errs != nil {
		return errs
	}
	return nil
}

// TakeCustody validates a signed intent and stores it as a pending record.
// A signature already in custody fails with ErrDuplicateCustody. Predict
// records are enriched with market display data and a receipt; enrichment
// failures are logged and do not fail intake.
func (s *Service) TakeCustody(ctx context.Context, in Intent) (*Record, error) {
	in.Signature = strings.TrimSpace(in.Signature)
	in.Signer = validation.SanitizeAddress(in.Signer)
	if err := validateIntent(in); err != nil {
		intakeTotal.WithLabelValues(string(in.Type), "invalid").Inc()
		return nil, err
	}

	payload := in.Payload.clone()
	if p, ok := payload.(*PredictPayload); ok && p.ReceiptID == 0 {
		p.ReceiptID = in.Nonce
	}

	now := s.now()
	rec := &Record{
		ID:             s.idFunc(in.Signature, in.Nonce),
		Signature:      in.Signature,
		Nonce:          in.Nonce,
		Signer:         in.Signer,
		Type:           in.Type,
		SubnetID:       in.SubnetID,
		UserID:         in.UserID,
		Payload:        payload,
		TakenCustodyAt: now,
		UpdatedAt:      now,
		Status:         StatusPending,
	}
	if p, ok := rec.Predict(); ok {
		s.enrich(ctx, rec, p)
	}

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateCustody) {
			intakeTotal.WithLabelValues(string(in.Type), "duplicate").Inc()
			return nil, err
		}
		intakeTotal.WithLabelValues(string(in.Type), "error").Inc()
		return nil, fmt.Errorf("store custody record: %w", err)
	}
	intakeTotal.WithLabelValues(string(in.Type), "accepted").Inc()

	logging.L(ctx).Info("custody taken",
		"id", rec.ID, "type", rec.Type, "user_id", rec.UserID, "market_id", rec.MarketID())

	if p, ok := rec.Predict(); ok && s.markets != nil {
		s.updateStatsAsync(ctx, rec.UserID, *p)
	}
	return rec.Clone(), nil
}

func (s *Service) enrich(ctx context.Context, rec *Record, p *PredictPayload) {
	marketName := p.MarketID
	outcomeName := fmt.Sprintf("Outcome %d", p.OutcomeID)

	if s.markets != nil {
		m, err := s.markets.GetMarket(ctx, p.MarketID)
		if err != nil {
			s.logger.Warn("market lookup failed during intake", "market_id", p.MarketID, "error", err)
		} else {
			marketName = m.Name
			if o, ok := m.Outcome(p.OutcomeID); ok {
				outcomeName = o.Name
			}
			rec.MarketName = marketName
			rec.OutcomeName = outcomeName
		}
	}
	rec.Receipt = GenerateReceipt(rec, p, marketName, outcomeName, rec.TakenCustodyAt)
}

// updateStatsAsync updates market statistics without holding up intake.
// It outlives the request context.
func (s *Service) updateStatsAsync(ctx context.Context, userID string, p PredictPayload) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer cancel()
		if err := s.markets.UpdateMarketStats(bgCtx, p.MarketID, p.OutcomeID, p.Amount, userID); err != nil {
			s.logger.Warn("market stats update failed", "market_id", p.MarketID, "error", err)
		}
	}()
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetTransaction returns a record by id. With VerifyBlockchain a submitted
// predict record is reconciled against the ledger first; a failed check
// is logged and the stored record returned.
func (s *Service) GetTransaction(ctx context.Context, id string, opts GetOptions) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !opts.VerifyBlockchain || rec.Status != StatusSubmitted || rec.Type != TypePredict || s.verifier == nil {
		return rec, nil
	}

	v, err := s.verifier.VerifyRecord(ctx, rec)
	if err != nil {
		s.logger.Warn("read-through verification failed", "id", id, "error", err)
		return rec, nil
	}
	if v == nil {
		return rec, nil
	}
	return s.ApplyVerification(ctx, id, *v)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) ListBySigner(ctx context.Context, signer string) ([]*Record, error) {
	return s.store.ListBySigner(ctx, validation.SanitizeAddress(signer))
}

func (s *Service) ListByMarket(ctx context.Context, marketID string) ([]*Record, error) {
	return s.store.ListByMarket(ctx, marketID)
}

// ListPendingPredictions returns pending predict records, oldest first,
// optionally limited to one market.
func (s *Service) ListPendingPredictions(ctx context.Context, marketID string) ([]*Record, error) {
	return s.listPredictions(ctx, StatusPending, marketID)
}

// ListSubmittedPredictions returns submitted predict records, oldest first.
func (s *Service) ListSubmittedPredictions(ctx context.Context) ([]*Record, error) {
	return s.listPredictions(ctx, StatusSubmitted, "")
}

func (s *Service) listPredictions(ctx context.Context, status Status, marketID string) ([]*Record, error) {
	recs, err := s.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Type != TypePredict || r.Status != status {
			continue
		}
		if marketID != "" && r.MarketID() != marketID {
			continue
		}
		out = append(out, r)
	}
	sortByCustodyTime(out)
	return out, nil
}

// -----------------------------------------------------------------------------
// Transitions
// -----------------------------------------------------------------------------

// UpdateStatus moves a record to status. Confirming a predict record is a
// redemption: the receipt is re-verified first and, if it is not a winner,
// the record is rejected with ReasonNotEligible instead. A confirmed
// redemption is stored as ChainRedeemed, the same state reconciliation
// records when it observes the redemption on the ledger.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, reason string) (*Record, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := rec.Status
	if !CanTransition(prev, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, status)
	}

	redeemed := false
	if p, ok := rec.Predict(); ok && status == StatusConfirmed {
		if s.verifier == nil {
			return nil, ErrNoVerifier
		}
		won, payout, err := s.verifier.IsWinner(ctx, p.ReceiptID)
		if err != nil {
			return nil, fmt.Errorf("verify redemption: %w", err)
		}
		now := s.now()
		rec.VerifiedAt = &now
		if won {
			rec.BlockchainStatus = ChainRedeemed
			rec.IsVerifiedWinner = true
			rec.PotentialPayout = payout
			redeemed = true
		} else {
			rec.IsVerifiedWinner = false
			status = StatusRejected
			reason = ReasonNotEligible
			s.logger.Warn("redemption refused", "id", id, "receipt_id", p.ReceiptID)
		}
	}

	s.applyStatus(rec, status, reason)
	if err := s.store.Update(ctx, rec, prev); err != nil {
		return nil, fmt.Errorf("persist status: %w", err)
	}
	transitionsTotal.WithLabelValues(string(prev), string(status)).Inc()

	if redeemed && s.invalidator != nil {
		p, _ := rec.Predict()
		s.invalidator.InvalidateReceipt(p.ReceiptID)
	}
	return rec, nil
}

// MarkSubmitted records that a pending record went out in transaction txID.
func (s *Service) MarkSubmitted(ctx context.Context, id, txID string) (*Record, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := rec.Status
	if !CanTransition(prev, StatusSubmitted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, StatusSubmitted)
	}
	rec.TxID = txID
	s.applyStatus(rec, StatusSubmitted, "")
	if err := s.store.Update(ctx, rec, prev); err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(prev), string(StatusSubmitted)).Inc()
	return rec, nil
}

// ApplyVerification stores a reconciliation result on a predict record.
// An observed redemption confirms a submitted record; v.Reject rejects it.
func (s *Service) ApplyVerification(ctx context.Context, id string, v Verification) (*Record, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != TypePredict {
		return nil, ErrWrongType
	}
	prev := rec.Status

	verifiedAt := v.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = s.now()
	}
	rec.VerifiedAt = &verifiedAt
	if v.Status != ChainUnknown {
		rec.BlockchainStatus = v.Status
	}
	switch v.Status {
	case ChainWon:
		rec.IsVerifiedWinner = true
		rec.PotentialPayout = v.PotentialPayout
	case ChainRedeemed:
		rec.IsVerifiedWinner = true
	case ChainLost:
		rec.IsVerifiedWinner = false
		rec.PotentialPayout = 0
	}

	switch {
	case v.Status == ChainRedeemed && prev == StatusSubmitted:
		s.applyStatus(rec, StatusConfirmed, "")
	case v.Reject && prev == StatusSubmitted:
		s.applyStatus(rec, StatusRejected, v.RejectReason)
	default:
		rec.UpdatedAt = s.now()
	}

	if err := s.store.Update(ctx, rec, prev); err != nil {
		return nil, err
	}
	if rec.Status != prev {
		transitionsTotal.WithLabelValues(string(prev), string(rec.Status)).Inc()
	}
	return rec, nil
}

// DeleteTransaction removes a pending record with its indices and receipt
// while the cancellation window is open. Submitted, confirmed and rejected
// records are kept as audit history.
func (s *Service) DeleteTransaction(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusPending {
		return fmt.Errorf("%w: cannot delete %s record", ErrInvalidTransition, rec.Status)
	}
	if s.now().Sub(rec.TakenCustodyAt) >= s.minAge {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, ReasonWindowClosed)
	}
	if s.isHeld(id) {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, ReasonSettling)
	}
	return s.store.Delete(ctx, id)
}

// caller holds the record lock and has checked the transition
func (s *Service) applyStatus(rec *Record, status Status, reason string) {
	now := s.now()
	rec.Status = status
	rec.UpdatedAt = now
	switch status {
	case StatusSubmitted:
		if rec.SubmittedAt == nil {
			rec.SubmittedAt = &now
		}
	case StatusConfirmed:
		rec.ConfirmedAt = &now
	case StatusRejected:
		rec.RejectedAt = &now
		rec.RejectionReason = reason
	}
}
