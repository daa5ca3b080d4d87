package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidityPosition is an opt-in capital provider's position in one asset.
// Available capital can be reserved into escrow; reserved capital is
// Deposited minus Available. A position is destroyed (Active=false) on full
// withdrawal.
type LiquidityPosition struct {
	Provider    common.Address
	Asset       string
	Deposited   *big.Int
	Available   *big.Int
	MinFee      int64 // fixed-point fee rate, 1e6 ticks
	MaxDelay    time.Duration
	TotalEarned *big.Int
	Active      bool
	DepositedAt time.Time // first deposit; FIFO tie-break for matching
}

// CanCover reports whether the position can back a fast-path settlement of
// the given size within the given delay budget.
func (p LiquidityPosition) CanCover(amount *big.Int, delayBudget time.Duration) bool {
	return p.Active && p.Available.Cmp(amount) >= 0 && p.MaxDelay >= delayBudget
}
