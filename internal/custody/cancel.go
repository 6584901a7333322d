package custody

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reasons reported when a prediction cannot be returned.
const (
	ReasonNotFound        = "transaction not found"
	ReasonNotOwner        = "transaction belongs to another user"
	ReasonNotPrediction   = "only predictions can be returned"
	ReasonNotPending      = "transaction is no longer pending"
	ReasonSettling        = "prediction is being settled"
	ReasonWindowClosed    = "cancellation window has closed"
	ReasonNoLedgerCheck   = "ledger verification unavailable"
	ReasonLedgerUnchecked = "unable to verify ledger state"
	ReasonOnLedger        = "prediction already recorded on ledger"
)

// ReturnCheck is the answer to whether a prediction can still be returned.
type ReturnCheck struct {
	Eligible bool    `json:"eligible"`
	Reason   string  `json:"reason,omitempty"`
	Record   *Record `json:"record,omitempty"`
}

// CanReturn reports whether the record may be returned to its owner. It
// never fails for a missing or ineligible record; the reason says why.
func (s *Service) CanReturn(ctx context.Context, id string) (*ReturnCheck, error) {
	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &ReturnCheck{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	check := &ReturnCheck{Record: rec}
	if reason := s.returnBlocker(rec); reason != "" {
		check.Reason = reason
		return check, nil
	}

	p, _ := rec.Predict()
	onLedger, err := s.receipts.ReceiptExists(ctx, p.ReceiptID)
	switch {
	case err != nil:
		s.logger.Warn("receipt check failed", "id", id, "error", err)
		check.Reason = ReasonLedgerUnchecked
	case onLedger:
		check.Reason = ReasonOnLedger
	default:
		check.Eligible = true
	}
	return check, nil
}

// returnBlocker runs the checks that need no ledger access.
func (s *Service) returnBlocker(rec *Record) string {
	switch {
	case rec.Type != TypePredict:
		return ReasonNotPrediction
	case rec.Status != StatusPending:
		return ReasonNotPending
	case s.isHeld(rec.ID):
		return ReasonSettling
	case s.now().Sub(rec.TakenCustodyAt) >= s.minAge:
		return ReasonWindowClosed
	case s.receipts == nil:
		return ReasonNoLedgerCheck
	}
	return ""
}

// ReturnPrediction deletes a pending prediction on behalf of its owner.
// Refusals, including a missing record or another user's record, come back
// as a ReturnCheck with a reason; only storage failures are errors. The
// ledger is checked immediately before deletion; if the receipt has already
// been minted the record is marked submitted instead and the return refused.
func (s *Service) ReturnPrediction(ctx context.Context, userID, id string) (*ReturnCheck, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		returnsTotal.WithLabelValues("refused").Inc()
		return &ReturnCheck{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		returnsTotal.WithLabelValues("not_owner").Inc()
		return &ReturnCheck{Reason: ReasonNotOwner}, nil
	}
	if reason := s.returnBlocker(rec); reason != "" {
		returnsTotal.WithLabelValues("refused").Inc()
		return &ReturnCheck{Reason: reason, Record: rec}, nil
	}

	p, _ := rec.Predict()
	onLedger, err := s.receipts.ReceiptExists(ctx, p.ReceiptID)
	if err != nil {
		returnsTotal.WithLabelValues("refused").Inc()
		s.logger.Warn("receipt check failed", "id", id, "error", err)
		return &ReturnCheck{Reason: ReasonLedgerUnchecked, Record: rec}, nil
	}
	if onLedger {
		prev := rec.Status
		s.applyStatus(rec, StatusSubmitted, "")
		if err := s.store.Update(ctx, rec, prev); err != nil {
			return nil, fmt.Errorf("mark on-ledger record submitted: %w", err)
		}
		transitionsTotal.WithLabelValues(string(prev), string(StatusSubmitted)).Inc()
		returnsTotal.WithLabelValues("on_ledger").Inc()
		s.logger.Warn("return refused, receipt already on ledger", "id", id, "receipt_id", p.ReceiptID)
		return &ReturnCheck{Reason: ReasonOnLedger, Record: rec}, nil
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("delete returned record: %w", err)
	}
	returnsTotal.WithLabelValues("returned").Inc()
	s.logger.Info("prediction returned", "id", id, "user_id", userID,
		"age", s.now().Sub(rec.TakenCustodyAt).Round(time.Second))
	return &ReturnCheck{Eligible: true, Record: rec}, nil
}

// HoldForSettlement marks records as part of a settlement broadcast. Each
// record is re-read under its lock; records that are gone or no longer
// pending are left out of the returned slice. A held record cannot be
// returned or deleted until release is called. Forced runs may batch
// records that are still inside the cancellation window.
func (s *Service) HoldForSettlement(ctx context.Context, recs []*Record) ([]*Record, func(), error) {
	var ids []string
	release := func() {
		s.heldMu.Lock()
		for _, id := range ids {
			delete(s.held, id)
		}
		s.heldMu.Unlock()
	}

	kept := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		unlock, err := s.lock(ctx, rec.ID)
		if err != nil {
			release()
			return nil, func() {}, err
		}
		cur, err := s.store.Get(ctx, rec.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			unlock()
			continue
		case err != nil:
			unlock()
			release()
			return nil, func() {}, err
		}
		if cur.Status == StatusPending {
			s.heldMu.Lock()
			s.held[cur.ID] = struct{}{}
			s.heldMu.Unlock()
			ids = append(ids, cur.ID)
			kept = append(kept, cur)
		}
		unlock()
	}
	return kept, release, nil
}

func (s *Service) isHeld(id string) bool {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	_, ok := s.held[id]
	return ok
}
