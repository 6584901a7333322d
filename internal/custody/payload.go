package custody

import (
	"encoding/json"
	"fmt"
)

// Payload is the type-specific part of a record. Exactly one variant
// exists per record, selected by Record.Type.
type Payload interface {
	Type() Type
	clone() Payload
}

// TransferPayload moves an amount to another account.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Token  string `json:"token,omitempty"`
}

// PredictPayload stakes an amount on one outcome of a market.
type PredictPayload struct {
	MarketID  string `json:"marketId"`
	OutcomeID int    `json:"outcomeId"`
	Amount    uint64 `json:"amount"`
	ReceiptID uint64 `json:"receiptId"`
}

// ClaimRewardPayload redeems a winning receipt.
type ClaimRewardPayload struct {
	ReceiptID uint64 `json:"receiptId"`
	MarketID  string `json:"marketId,omitempty"`
}

func (*TransferPayload) Type() Type    { return TypeTransfer }
func (*PredictPayload) Type() Type     { return TypePredict }
func (*ClaimRewardPayload) Type() Type { return TypeClaimReward }

func (p *TransferPayload) clone() Payload    { c := *p; return &c }
func (p *PredictPayload) clone() Payload     { c := *p; return &c }
func (p *ClaimRewardPayload) clone() Payload { c := *p; return &c }

// DecodePayload parses raw as the variant for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeTransfer:
		p = &TransferPayload{}
	case TypePredict:
		p = &PredictPayload{}
	case TypeClaimReward:
		p = &ClaimRewardPayload{}
	default:
		return nil, fmt.Errorf("custody: unknown record type %q", t)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("custody: decode %s payload: %w", t, err)
	}
	return p, nil
}

type recordJSON Record

type recordWire struct {
	*recordJSON
	Payload json.RawMessage `json:"payload"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	rj := recordJSON(r)
	return json.Marshal(recordWire{recordJSON: &rj, Payload: payload})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	wire := recordWire{recordJSON: (*recordJSON)(r)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p, err := DecodePayload(r.Type, wire.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}

type intentWire struct {
	Signature string          `json:"signature"`
	Nonce     uint64          `json:"nonce"`
	Signer    string          `json:"signer"`
	Type      Type            `json:"type"`
	SubnetID  string          `json:"subnetId"`
	UserID    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var w intentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*i = Intent{
		Signature: w.Signature, Nonce: w.Nonce, Signer: w.Signer, Type: w.Type,
		SubnetID: w.SubnetID, UserID: w.UserID, Payload: p,
	}
	return nil
}
