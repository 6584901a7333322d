// Package custody holds pre-signed user intents between intake and
// on-chain settlement.
//
// A custody record is created once per signed intent and then only moves
// forward: pending -> submitted -> confirmed, with rejected reachable from
// pending or submitted. Predict records additionally carry what the ledger
// last said about their receipt (won, lost, redeemed, pending).
package custody

import (
	"context"
	"errors"
	"time"
)

// CodeDuplicateCustody is the error code for a re-submitted signature.
const CodeDuplicateCustody = "DUPLICATE_CUSTODY"

var (
	ErrNotFound          = errors.New("custody: record not found")
	ErrDuplicateCustody  = errors.New("custody: " + CodeDuplicateCustody)
	ErrIDCollision       = errors.New("custody: record id already taken by another signature")
	ErrInvalidTransition = errors.New("custody: invalid status transition")
	ErrConcurrentUpdate  = errors.New("custody: record changed concurrently")
	ErrWrongType         = errors.New("custody: operation not valid for record type")
)

// Type selects the payload variant of a record.
type Type string

const (
	TypeTransfer    Type = "transfer"
	TypePredict     Type = "predict"
	TypeClaimReward Type = "claim-reward"
)

// Status is the local lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // held, not yet broadcast
	StatusSubmitted Status = "submitted" // included in an accepted broadcast
	StatusConfirmed Status = "confirmed" // settled (for predictions: redeemed)
	StatusRejected  Status = "rejected"  // terminal failure
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusRejected},
	StatusSubmitted: {StatusConfirmed, StatusRejected},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// BlockchainStatus is what the ledger says about a predict record's receipt.
type BlockchainStatus string

const (
	ChainUnknown  BlockchainStatus = ""
	ChainPending  BlockchainStatus = "pending"
	ChainWon      BlockchainStatus = "won"
	ChainLost     BlockchainStatus = "lost"
	ChainRedeemed BlockchainStatus = "redeemed"
)

// Record is one custody entry.
type Record struct {
	ID        string  `json:"id"`
	Signature string  `json:"signature"`
	Nonce     uint64  `json:"nonce"`
	Signer    string  `json:"signer"`
	Type      Type    `json:"type"`
	SubnetID  string  `json:"subnetId"`
	UserID    string  `json:"userId"`
	Payload   Payload `json:"-"`

	TakenCustodyAt  time.Time  `json:"takenCustodyAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Status          Status     `json:"status"`
	TxID            string     `json:"txId,omitempty"`
	SubmittedAt     *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`

	// Ledger verification (predict only)
	BlockchainStatus BlockchainStatus `json:"blockchainStatus,omitempty"`
	VerifiedAt       *time.Time       `json:"verifiedAt,omitempty"`
	IsVerifiedWinner bool             `json:"isVerifiedWinner"`
	PotentialPayout  uint64           `json:"potentialPayout,omitempty"`

	// Display enrichment (predict only)
	MarketName  string   `json:"marketName,omitempty"`
	OutcomeName string   `json:"outcomeName,omitempty"`
	Receipt     *Receipt `json:"receipt,omitempty"`
}

// Predict returns the predict payload, if this is a predict record.
func (r *Record) Predict() (*PredictPayload, bool) {
	p, ok := r.Payload.(*PredictPayload)
	return p, ok
}

// MarketID returns the market the record refers to, or "".
func (r *Record) MarketID() string {
	switch p := r.Payload.(type) {
	case *PredictPayload:
		return p.MarketID
	case *ClaimRewardPayload:
		return p.MarketID
	}
	return ""
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = r.Payload.clone()
	}
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	if r.Receipt != nil {
		rc := *r.Receipt
		c.Receipt = &rc
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Intent is a signed instruction presented for custody.
type Intent struct {
	Signature string  `json:"signature"`
	Nonce     uint64  `json:"nonce"`
	Signer    string  `json:"signer"`
	Type      Type    `json:"type"`
	SubnetID  string  `json:"subnetId"`
	UserID    string  `json:"userId"`
	Payload   Payload `json:"payload"`
}

// Verification is a reconciliation result applied to a predict record.
type Verification struct {
	Status          BlockchainStatus
	PotentialPayout uint64
	VerifiedAt      time.Time
	// Reject moves a submitted record to rejected with RejectReason.
	Reject       bool
	RejectReason string
}

// Store persists custody records with their user, signer, market, status,
// and signature indices. Create and Delete update the record and every
// index together.
type Store interface {
	// Create fails with ErrDuplicateCustody when the signature is known.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetBySignature(ctx context.Context, signature string) (*Record, error)
	// Update persists rec; prev is the status rec had when it was read.
	Update(ctx context.Context, rec *Record, prev Status) error
	Delete(ctx context.Context, id string) error

	ListByUser(ctx context.Context, userID string) ([]*Record, error)
	ListBySigner(ctx context.Context, signer string) ([]*Record, error)
	ListByMarket(ctx context.Context, marketID string) ([]*Record, error)
	ListByStatus(ctx context.Context, status Status) ([]*Record, error)

	Ping(ctx context.Context) error
}
