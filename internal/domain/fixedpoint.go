package domain

import "math/big"

// TickScale is the repo-wide fixed-point scale: rates, fees, and scores are
// stored as int64 ticks where 1.0 == 1e6 ticks.
const TickScale int64 = 1_000_000

// TicksToFloat returns the display value of a fixed-point tick count.
func TicksToFloat(ticks int64) float64 {
	return float64(ticks) / float64(TickScale)
}

// FloatToTicks converts a display value to fixed-point ticks, truncating
// toward zero.
func FloatToTicks(v float64) int64 {
	return int64(v * float64(TickScale))
}

// ApplyRate returns amount * ticks / 1e6 using integer arithmetic, truncating
// toward zero. It never mutates amount.
func ApplyRate(amount *big.Int, ticks int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(ticks))
	return out.Quo(out, big.NewInt(TickScale))
}

// SubRate returns amount * (1e6 - ticks) / 1e6, the remainder after a rate
// has been applied.
func SubRate(amount *big.Int, ticks int64) *big.Int {
	return ApplyRate(amount, TickScale-ticks)
}
