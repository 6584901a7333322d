package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidOperatorKey = errors.New("chain: invalid operator key")

// settlementABI declares the market contract's batch entry point.
const settlementABI = `[
	{"type":"function","name":"settlePredictions","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"intents","type":"tuple[]","components":[
		{"name":"signer","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"receiptId","type":"uint256"},
		{"name":"marketId","type":"string"},
		{"name":"outcomeId","type":"uint32"},
		{"name":"amount","type":"uint256"},
		{"name":"signature","type":"bytes"}]}]}
]`

// Gas model for a settlement call.
const (
	GasBase    = uint64(60_000)
	GasPerItem = uint64(45_000)
)

// SettlementItem is one pre-signed prediction carried by a batch.
type SettlementItem struct {
	RecordID  string
	Signer    string
	Nonce     uint64
	ReceiptID uint64
	MarketID  string
	OutcomeID int
	Amount    uint64
	Signature string
}

// abi tuple field names must match the component names.
type settlementIntent struct {
	Signer    common.Address
	Nonce     *big.Int
	ReceiptId *big.Int //nolint:revive,stylecheck
	MarketId  string   //nolint:revive,stylecheck
	OutcomeId uint32   //nolint:revive,stylecheck
	Amount    *big.Int
	Signature []byte
}

// FeePolicy sizes the batch fee: Base + PerItem*n, capped at Max.
type FeePolicy struct {
	Base    uint64
	PerItem uint64
	Max     uint64
}

// DefaultFeePolicy matches the default gas model at a price of 1.
var DefaultFeePolicy = FeePolicy{Base: GasBase, PerItem: GasPerItem, Max: GasBase + 200*GasPerItem}

// For returns the fee for a batch of n items.
func (f FeePolicy) For(n int) uint64 {
	fee := f.Base + f.PerItem*uint64(n) //nolint:gosec // n is a batch size
	if f.Max > 0 && fee > f.Max {
		fee = f.Max
	}
	return fee
}

// SettlementBuilder packs and signs settlement transactions with the
// operator key.
type SettlementBuilder struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
}

// NewSettlementBuilder parses the operator key (hex, optional 0x).
func NewSettlementBuilder(operatorKey string, chainID int64, contract string) (*SettlementBuilder, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(operatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperatorKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidOperatorKey)
	}
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("parse settlement ABI: %w", err)
	}
	return &SettlementBuilder{
		key:      key,
		address:  crypto.PubkeyToAddress(*pub),
		chainID:  big.NewInt(chainID),
		contract: common.HexToAddress(contract),
		abi:      parsed,
	}, nil
}

// Address returns the operator account.
func (b *SettlementBuilder) Address() string { return b.address.Hex() }

// Calldata packs items into the settlePredictions call.
func (b *SettlementBuilder) Calldata(items []SettlementItem) ([]byte, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}
	intents := make([]settlementIntent, len(items))
	for i, it := range items {
		intents[i] = settlementIntent{
			Signer:    common.HexToAddress(it.Signer),
			Nonce:     new(big.Int).SetUint64(it.Nonce),
			ReceiptId: new(big.Int).SetUint64(it.ReceiptID),
			MarketId:  it.MarketID,
			OutcomeId: uint32(it.OutcomeID), //nolint:gosec // outcome ids are small
			Amount:    new(big.Int).SetUint64(it.Amount),
			Signature: common.FromHex(it.Signature),
		}
	}
	return b.abi.Pack("settlePredictions", intents)
}

// Build signs the batch call at the given account nonce and total fee.
// The gas price is the fee spread over the gas limit, rounded up.
func (b *SettlementBuilder) Build(items []SettlementItem, nonce, fee uint64) (*types.Transaction, error) {
	data, err := b.Calldata(items)
	if err != nil {
		return nil, err
	}
	gasLimit := GasBase + GasPerItem*uint64(len(items))
	gasPrice := new(big.Int).SetUint64((fee + gasLimit - 1) / gasLimit)
	if gasPrice.Sign() == 0 {
		gasPrice.SetUint64(1)
	}

	tx := types.NewTransaction(nonce, b.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(b.chainID), b.key)
	if err != nil {
		return nil, fmt.Errorf("sign settlement: %w", err)
	}
	return signed, nil
}

// Encode is Build followed by binary encoding.
func (b *SettlementBuilder) Encode(_ context.Context, items []SettlementItem, nonce, fee uint64) ([]byte, error) {
	tx, err := b.Build(items, nonce, fee)
	if err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}
