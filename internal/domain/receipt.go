package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RedemptionMode records how a settlement receipt was consumed.
type RedemptionMode string

const (
	// RedemptionModeEarly is a pre-attestation payout at a haircut, funded by
	// the protocol pool.
	RedemptionModeEarly RedemptionMode = "early"
	// RedemptionModeFull is a post-attestation payout of the full amount.
	RedemptionModeFull RedemptionMode = "full"
	// RedemptionModeVoided marks a receipt cancelled by an escrow refund; no
	// payout was made.
	RedemptionModeVoided RedemptionMode = "voided"
)

// SettlementReceipt is a transferable claim on an escrowed, not-yet-finalized
// settlement. Redeemed is monotonic false -> true; a receipt is consumed by
// exactly one redemption mode.
type SettlementReceipt struct {
	ID               uint64
	RequestID        uint64
	Owner            common.Address
	Provider         common.Address
	Asset            string
	Amount           *big.Int
	Haircut          int64 // fixed-point rate, 1e6 ticks
	AttestationRound *uint64
	Redeemed         bool
	RedeemedMode     RedemptionMode
	CreatedAt        time.Time
	RedeemedAt       *time.Time
}

// EarlyPayout returns the amount paid on early redemption: Amount * (1 - Haircut).
func (r SettlementReceipt) EarlyPayout() *big.Int {
	return SubRate(r.Amount, r.Haircut)
}
