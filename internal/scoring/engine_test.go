package scoring

import (
	"math/big"
	"testing"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(domain.TickScale))
}

func cleanInputs() Inputs {
	return Inputs{
		PriceVolatility:  10_000, // 0.01
		AgentSuccessRate: domain.TickScale,
		AgentStake:       tokens(50_000),
		NoRecentFailure:  true,
	}
}

func request(amount *big.Int) domain.Request {
	return domain.Request{
		ID:     1,
		Kind:   domain.RequestKindRedemption,
		Asset:  "wbtc",
		Amount: amount,
	}
}

func TestScoreDeterministic(t *testing.T) {
	e := NewEngine(Defaults())
	req := request(tokens(1000))
	in := cleanInputs()

	first := e.Score(req, in)
	for i := 0; i < 100; i++ {
		got := e.Score(req, in)
		if got != first {
			t.Fatalf("score not deterministic: call %d = %+v, first = %+v", i, got, first)
		}
	}
}

func TestScoreEligibleOnCleanInputs(t *testing.T) {
	e := NewEngine(Defaults())
	got := e.Score(request(tokens(1000)), cleanInputs())

	if !got.EligibleFastPath {
		t.Fatalf("expected eligibility, got score %d", got.Value)
	}
	if got.Value < 997_000 {
		t.Fatalf("score = %d, want >= 997000", got.Value)
	}
	if got.Value > domain.TickScale {
		t.Fatalf("score = %d, want <= %d", got.Value, domain.TickScale)
	}
}

func TestScoreGateConditionsIndependentlyNecessary(t *testing.T) {
	e := NewEngine(Defaults())

	tests := []struct {
		name   string
		mutate func(req *domain.Request, in *Inputs)
	}{
		{"volatility at bound", func(req *domain.Request, in *Inputs) {
			in.PriceVolatility = 20_000 // 0.02 is not < 0.02
		}},
		{"amount above cap", func(req *domain.Request, in *Inputs) {
			req.Amount = tokens(100_001)
		}},
		{"score below threshold", func(req *domain.Request, in *Inputs) {
			in.AgentSuccessRate = 0 // agent factor drops to conservative bound
		}},
		{"recent failure", func(req *domain.Request, in *Inputs) {
			in.NoRecentFailure = false
			in.ElapsedSinceSimilarFailure = time.Minute
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tokens(1000))
			in := cleanInputs()
			tt.mutate(&req, &in)
			if got := e.Score(req, in); got.EligibleFastPath {
				t.Fatalf("expected ineligibility, got %+v", got)
			}
		})
	}
}

func TestScoreClampsOutOfRangeInputs(t *testing.T) {
	e := NewEngine(Defaults())

	tests := []struct {
		name string
		in   Inputs
	}{
		{"volatility above one", Inputs{PriceVolatility: 5 * domain.TickScale, AgentSuccessRate: domain.TickScale, AgentStake: tokens(50_000), NoRecentFailure: true}},
		{"negative volatility", Inputs{PriceVolatility: -1, AgentSuccessRate: domain.TickScale, AgentStake: tokens(50_000), NoRecentFailure: true}},
		{"negative success rate", Inputs{AgentSuccessRate: -500, AgentStake: tokens(50_000), NoRecentFailure: true}},
		{"nil stake", Inputs{AgentSuccessRate: domain.TickScale, NoRecentFailure: true}},
		{"negative elapsed", Inputs{AgentSuccessRate: domain.TickScale, AgentStake: tokens(50_000), ElapsedSinceSimilarFailure: -time.Hour}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Score(request(tokens(1000)), tt.in)
			if got.Value < 0 || got.Value > domain.TickScale {
				t.Fatalf("score %d out of [0, %d]", got.Value, domain.TickScale)
			}
		})
	}

	// Nil amount must not panic and must not be eligible for free money.
	got := e.Score(domain.Request{Asset: "wbtc"}, cleanInputs())
	if got.Value < 0 || got.Value > domain.TickScale {
		t.Fatalf("score %d out of range for nil amount", got.Value)
	}
}

func TestTimeFactorRecovery(t *testing.T) {
	e := NewEngine(Defaults())
	req := request(tokens(1000))

	in := cleanInputs()
	in.NoRecentFailure = false
	in.ElapsedSinceSimilarFailure = time.Minute
	justAfter := e.Score(req, in)

	in.ElapsedSinceSimilarFailure = 7 * time.Hour
	recovered := e.Score(req, in)

	if justAfter.Value >= recovered.Value {
		t.Fatalf("score should recover over time: just after = %d, recovered = %d",
			justAfter.Value, recovered.Value)
	}
	if !recovered.EligibleFastPath {
		t.Fatalf("expected eligibility after failure window, got %+v", recovered)
	}
}

func TestScoreMonotonicInVolatility(t *testing.T) {
	e := NewEngine(Defaults())
	req := request(tokens(1000))

	prev := int64(domain.TickScale + 1)
	for _, vol := range []int64{0, 10_000, 100_000, 500_000, domain.TickScale} {
		in := cleanInputs()
		in.PriceVolatility = vol
		got := e.Score(req, in)
		if got.Value >= prev {
			t.Fatalf("score not decreasing in volatility: vol=%d score=%d prev=%d", vol, got.Value, prev)
		}
		prev = got.Value
	}
}
