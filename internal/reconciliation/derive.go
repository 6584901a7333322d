package reconciliation

import (
	"github.com/mbd888/custodian/internal/chain"
	"github.com/mbd888/custodian/internal/custody"
)

// Facts are the ledger observations a receipt's status is derived from.
// Market and Quote are only consulted when the receipt has an owner.
type Facts struct {
	Owner   string
	Receipt *chain.ReceiptInfo
	Market  *chain.MarketInfo
	Quote   uint64
}

// Outcome is a derived receipt status. Payout is set for winners only.
type Outcome struct {
	Status custody.BlockchainStatus
	Payout uint64
}

// Derive maps ledger facts to a receipt status:
//
//	owner  info  resolved  quote  status
//	no     no    -         -      unknown
//	no     yes   -         -      redeemed
//	yes    no    -         -      pending
//	yes    yes   no        -      pending
//	yes    yes   yes       0      lost
//	yes    yes   yes       >0     won
func Derive(f Facts) Outcome {
	if f.Owner == "" {
		if f.Receipt == nil {
			return Outcome{Status: custody.ChainUnknown}
		}
		return Outcome{Status: custody.ChainRedeemed}
	}
	if f.Receipt == nil || f.Market == nil || !f.Market.Resolved {
		return Outcome{Status: custody.ChainPending}
	}
	if f.Quote > 0 {
		return Outcome{Status: custody.ChainWon, Payout: f.Quote}
	}
	return Outcome{Status: custody.ChainLost}
}
