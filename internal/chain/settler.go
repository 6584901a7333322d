package chain

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/custodian/internal/traces"
)

// Broadcaster submits prepared transactions. *Pool implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx PreparedTx) (*BroadcastResult, error)
}

// Settler turns a batch of items into one signed, broadcast transaction.
type Settler struct {
	builder *SettlementBuilder
	pool    Broadcaster
	ledger  *Ledger
	fees    FeePolicy
	logger  *slog.Logger
}

// NewSettler wires the builder, broadcaster, and ledger queries.
func NewSettler(builder *SettlementBuilder, pool Broadcaster, ledger *Ledger, fees FeePolicy, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{builder: builder, pool: pool, ledger: ledger, fees: fees, logger: logger}
}

// SubmitSettlement builds, signs, and broadcasts items as one transaction.
// On acceptance the cached state of every receipt in the batch is dropped.
func (s *Settler) SubmitSettlement(ctx context.Context, items []SettlementItem) (*BroadcastResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	ctx, span := traces.StartSpan(ctx, "chain.SubmitSettlement",
		attribute.Int("batch.size", len(items)))
	defer span.End()

	nonce, err := s.ledger.AccountNonce(ctx, s.builder.Address())
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("operator nonce: %w", err)
	}

	fee := s.fees.For(len(items))
	raw, err := s.builder.Encode(ctx, items, nonce, fee)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	res, err := s.pool.Broadcast(ctx, PreparedTx{
		Raw: raw,
		Fee: fee,
		Rebuild: func(ctx context.Context, fee uint64) ([]byte, error) {
			return s.builder.Encode(ctx, items, nonce, fee)
		},
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	for _, it := range items {
		s.ledger.InvalidateReceipt(it.ReceiptID)
	}
	span.SetAttributes(attribute.String("tx.id", res.TxID), attribute.Int64("tx.fee", int64(res.Fee))) //nolint:gosec
	s.logger.Info("settlement broadcast accepted",
		"txid", res.TxID, "items", len(items), "fee", res.Fee, "rebuilt", res.Rebuilt, "endpoint", res.Endpoint)
	return res, nil
}
