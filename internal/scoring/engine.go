// Package scoring computes the fast-path confidence score for a settlement
// request. Scoring is pure and deterministic: identical inputs always produce
// identical scores and identical eligibility, and it never fails — inputs out
// of range are clamped so a mis-scored request still routes safely to the
// standard path.
package scoring

import (
	"math/big"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

// Inputs are the market and agent observations a score is derived from.
// Rates are fixed-point 1e6 ticks in [0,1].
type Inputs struct {
	PriceVolatility            int64
	AgentSuccessRate           int64
	AgentStake                 *big.Int
	ElapsedSinceSimilarFailure time.Duration
	// NoRecentFailure indicates no similar failure is on record; the time
	// factor is then 1.
	NoRecentFailure bool
}

// Params hold the hand-tuned scoring constants. They are configuration, not
// magic numbers; Defaults returns the production values.
type Params struct {
	// Base is the score ceiling before factors are applied.
	Base int64
	// FastPathThreshold is the hard eligibility threshold on the final score.
	FastPathThreshold int64
	// MaxFastVolatility gates the fast path on market calm.
	MaxFastVolatility int64
	// MaxFastAmount caps the size of a fast-path settlement.
	MaxFastAmount *big.Int
	// StabilitySlope scales how much volatility discounts the score.
	StabilitySlope float64
	// AmountSlope scales how much relative size discounts the score.
	AmountSlope float64
	// FailureWindow is how long a similar failure keeps suppressing scores.
	FailureWindow time.Duration
	// FailurePenalty is the maximum discount applied right after a failure.
	FailurePenalty float64
	// ConservativeBound is the floor of the agent factor: even a fully
	// staked, fully reliable agent record lifts the factor only from this
	// bound up to 1.
	ConservativeBound float64
	// MinAgentStake is the stake at which the agent record carries full
	// weight.
	MinAgentStake *big.Int
}

// Defaults returns the production scoring constants.
func Defaults() Params {
	return Params{
		Base:              domain.TickScale,
		FastPathThreshold: 997_000, // 0.997
		MaxFastVolatility: 20_000,  // 0.02
		MaxFastAmount:     new(big.Int).Mul(big.NewInt(100_000), big.NewInt(domain.TickScale)),
		StabilitySlope:    0.1,
		AmountSlope:       0.001,
		FailureWindow:     6 * time.Hour,
		FailurePenalty:    0.05,
		ConservativeBound: 0.98,
		MinAgentStake:     new(big.Int).Mul(big.NewInt(10_000), big.NewInt(domain.TickScale)),
	}
}

// Engine scores requests. It holds no mutable state.
type Engine struct {
	params Params
}

// NewEngine creates an Engine with the given parameters. Zero-valued critical
// parameters fall back to defaults so a partial config cannot produce an
// engine that waves everything through.
func NewEngine(params Params) *Engine {
	def := Defaults()
	if params.Base <= 0 {
		params.Base = def.Base
	}
	if params.FastPathThreshold <= 0 {
		params.FastPathThreshold = def.FastPathThreshold
	}
	if params.MaxFastVolatility <= 0 {
		params.MaxFastVolatility = def.MaxFastVolatility
	}
	if params.MaxFastAmount == nil || params.MaxFastAmount.Sign() <= 0 {
		params.MaxFastAmount = def.MaxFastAmount
	}
	if params.StabilitySlope <= 0 {
		params.StabilitySlope = def.StabilitySlope
	}
	if params.AmountSlope <= 0 {
		params.AmountSlope = def.AmountSlope
	}
	if params.FailureWindow <= 0 {
		params.FailureWindow = def.FailureWindow
	}
	if params.FailurePenalty <= 0 {
		params.FailurePenalty = def.FailurePenalty
	}
	if params.ConservativeBound <= 0 || params.ConservativeBound >= 1 {
		params.ConservativeBound = def.ConservativeBound
	}
	if params.MinAgentStake == nil || params.MinAgentStake.Sign() <= 0 {
		params.MinAgentStake = def.MinAgentStake
	}
	return &Engine{params: params}
}

// Score computes the confidence score and fast-path eligibility for a
// request. The three eligibility conditions are independently necessary:
// score threshold, volatility bound, and amount cap.
func (e *Engine) Score(req domain.Request, in Inputs) domain.Score {
	vol := clampTicks(in.PriceVolatility)
	amount := req.Amount
	if amount == nil || amount.Sign() < 0 {
		amount = big.NewInt(0)
	}

	value := domain.TicksToFloat(clampTicks(e.params.Base)) *
		e.stabilityFactor(vol) *
		e.amountFactor(amount) *
		e.timeFactor(in) *
		e.agentFactor(in)

	ticks := domain.FloatToTicks(value)
	if ticks < 0 {
		ticks = 0
	}
	if ticks > domain.TickScale {
		ticks = domain.TickScale
	}

	return domain.Score{
		Value:      ticks,
		Volatility: vol,
		EligibleFastPath: ticks >= e.params.FastPathThreshold &&
			vol < e.params.MaxFastVolatility &&
			amount.Cmp(e.params.MaxFastAmount) <= 0,
	}
}

// stabilityFactor discounts linearly in volatility: 1 - slope*v.
func (e *Engine) stabilityFactor(volTicks int64) float64 {
	return 1 - e.params.StabilitySlope*domain.TicksToFloat(volTicks)
}

// amountFactor discounts linearly in size relative to the fast-path cap,
// saturating at the cap.
func (e *Engine) amountFactor(amount *big.Int) float64 {
	ratio := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetInt(e.params.MaxFastAmount),
	)
	r, _ := ratio.Float64()
	if r > 1 {
		r = 1
	}
	return 1 - e.params.AmountSlope*r
}

// timeFactor recovers linearly from FailurePenalty back to 1 over
// FailureWindow since the last similar failure.
func (e *Engine) timeFactor(in Inputs) float64 {
	if in.NoRecentFailure {
		return 1
	}
	elapsed := in.ElapsedSinceSimilarFailure
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= e.params.FailureWindow {
		return 1
	}
	frac := float64(elapsed) / float64(e.params.FailureWindow)
	return 1 - e.params.FailurePenalty*(1-frac)
}

// agentFactor interpolates between the conservative bound and 1 by the
// agent's success rate weighted by its stake coverage.
func (e *Engine) agentFactor(in Inputs) float64 {
	rate := domain.TicksToFloat(clampTicks(in.AgentSuccessRate))

	stake := in.AgentStake
	if stake == nil || stake.Sign() < 0 {
		stake = big.NewInt(0)
	}
	w := new(big.Float).Quo(
		new(big.Float).SetInt(stake),
		new(big.Float).SetInt(e.params.MinAgentStake),
	)
	sw, _ := w.Float64()
	if sw > 1 {
		sw = 1
	}

	cb := e.params.ConservativeBound
	return cb + (1-cb)*rate*sw
}

// clampTicks bounds a fixed-point rate to [0, 1e6].
func clampTicks(t int64) int64 {
	if t < 0 {
		return 0
	}
	if t > domain.TickScale {
		return domain.TickScale
	}
	return t
}
