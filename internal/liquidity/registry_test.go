package liquidity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/store/memory"
)

var (
	providerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	providerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	providerC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(store.Liquidity(), store.Audit(), logger), store
}

func TestDepositCreatesAndMergesPosition(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	pos, err := reg.Deposit(ctx, providerA, "wbtc", big.NewInt(1000), 10_000, time.Hour)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if pos.Available.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("available = %s, want 1000", pos.Available)
	}

	pos, err = reg.Deposit(ctx, providerA, "wbtc", big.NewInt(500), 20_000, 2*time.Hour)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if pos.Deposited.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("deposited = %s, want 1500", pos.Deposited)
	}
	if pos.MinFee != 20_000 {
		t.Fatalf("min fee = %d, want latest deposit's 20000", pos.MinFee)
	}
}

func TestDepositRejectsBadParameters(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	tests := []struct {
		name     string
		amount   *big.Int
		minFee   int64
		maxDelay time.Duration
	}{
		{"zero amount", big.NewInt(0), 10_000, time.Hour},
		{"negative amount", big.NewInt(-5), 10_000, time.Hour},
		{"nil amount", nil, 10_000, time.Hour},
		{"fee above one", big.NewInt(100), domain.TickScale + 1, time.Hour},
		{"negative fee", big.NewInt(100), -1, time.Hour},
		{"zero delay", big.NewInt(100), 10_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Deposit(ctx, providerA, "wbtc", tt.amount, tt.minFee, tt.maxDelay)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestWithdrawLockedCapitalFails(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	if _, err := reg.Deposit(ctx, providerA, "wbtc", big.NewInt(1000), 10_000, time.Hour); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Lock 600 into escrow, leaving 400 available.
	if err := store.Liquidity().Reserve(ctx, providerA, "wbtc", big.NewInt(600)); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := reg.Withdraw(ctx, providerA, "wbtc", big.NewInt(600))
	if !errors.Is(err, domain.ErrInsufficientAvailable) {
		t.Fatalf("expected ErrInsufficientAvailable, got %v", err)
	}

	// Position unchanged by the refused withdrawal.
	pos, err := reg.Position(ctx, providerA, "wbtc")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Deposited.Cmp(big.NewInt(1000)) != 0 || pos.Available.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("position changed: deposited=%s available=%s", pos.Deposited, pos.Available)
	}
}

func TestFullWithdrawalDeactivatesPosition(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	if _, err := reg.Deposit(ctx, providerA, "wbtc", big.NewInt(1000), 10_000, time.Hour); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := reg.Withdraw(ctx, providerA, "wbtc", big.NewInt(1000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	pos, err := reg.Position(ctx, providerA, "wbtc")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Active {
		t.Fatal("expected position deactivated after full withdrawal")
	}
}

func TestMatchPicksLowestFee(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	mustDeposit(t, reg, providerA, big.NewInt(5000), 30_000, time.Hour)
	mustDeposit(t, reg, providerB, big.NewInt(5000), 10_000, time.Hour)
	mustDeposit(t, reg, providerC, big.NewInt(5000), 20_000, time.Hour)

	match, err := reg.Match(ctx, "wbtc", big.NewInt(1000), 30*time.Minute)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Provider != providerB {
		t.Fatalf("matched %s, want cheapest provider %s", match.Provider.Hex(), providerB.Hex())
	}

	// The winner's available balance was reserved atomically.
	pos, _ := reg.Position(ctx, providerB, "wbtc")
	if pos.Available.Cmp(big.NewInt(4000)) != 0 {
		t.Fatalf("available = %s, want 4000 after reservation", pos.Available)
	}
}

func TestMatchFIFOTieBreak(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(store.Liquidity(), store.Audit(), logger)

	base := time.Now().UTC()
	for i, p := range []struct {
		provider common.Address
		at       time.Time
	}{
		{providerB, base.Add(time.Minute)}, // same fee, later deposit
		{providerA, base},                  // same fee, earliest deposit
	} {
		_, err := store.Liquidity().Deposit(ctx, p.provider, "wbtc",
			big.NewInt(5000), 10_000, time.Hour, p.at)
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	match, err := reg.Match(ctx, "wbtc", big.NewInt(1000), 30*time.Minute)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match == nil || match.Provider != providerA {
		t.Fatalf("expected earliest-deposit provider %s, got %+v", providerA.Hex(), match)
	}
}

func TestMatchRespectsDelayBudgetAndSize(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	mustDeposit(t, reg, providerA, big.NewInt(500), 10_000, time.Hour)       // too small
	mustDeposit(t, reg, providerB, big.NewInt(5000), 5_000, 10*time.Minute) // cheap but too slow

	match, err := reg.Match(ctx, "wbtc", big.NewInt(1000), 30*time.Minute)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match != nil {
		t.Fatalf("expected no match, got provider %s", match.Provider.Hex())
	}
}

func TestMatchNoLiquidityIsNotAnError(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	match, err := reg.Match(ctx, "wbtc", big.NewInt(1000), time.Hour)
	if err != nil {
		t.Fatalf("match on empty registry: %v", err)
	}
	if match != nil {
		t.Fatalf("expected nil match, got %+v", match)
	}
}

func TestReleaseReservationRestoresAvailable(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	mustDeposit(t, reg, providerA, big.NewInt(1000), 10_000, time.Hour)

	match, err := reg.Match(ctx, "wbtc", big.NewInt(600), time.Minute)
	if err != nil || match == nil {
		t.Fatalf("match: %v, %+v", err, match)
	}
	if err := reg.ReleaseReservation(ctx, providerA, "wbtc", big.NewInt(600)); err != nil {
		t.Fatalf("release: %v", err)
	}

	pos, _ := reg.Position(ctx, providerA, "wbtc")
	if pos.Available.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("available = %s, want 1000 after rollback", pos.Available)
	}
}

func TestAvailableNeverExceedsDeposited(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	mustDeposit(t, reg, providerA, big.NewInt(1000), 10_000, time.Hour)

	ops := []func() error{
		func() error { return store.Liquidity().Reserve(ctx, providerA, "wbtc", big.NewInt(700)) },
		// Double release must not push available past deposited.
		func() error { return reg.ReleaseReservation(ctx, providerA, "wbtc", big.NewInt(700)) },
		func() error { return reg.ReleaseReservation(ctx, providerA, "wbtc", big.NewInt(700)) },
		func() error { return reg.Withdraw(ctx, providerA, "wbtc", big.NewInt(100)) },
		func() error {
			_, err := reg.Deposit(ctx, providerA, "wbtc", big.NewInt(50), 10_000, time.Hour)
			return err
		},
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		pos, err := reg.Position(ctx, providerA, "wbtc")
		if err != nil {
			t.Fatalf("get after op %d: %v", i, err)
		}
		if pos.Available.Cmp(pos.Deposited) > 0 {
			t.Fatalf("after op %d: available %s > deposited %s", i, pos.Available, pos.Deposited)
		}
	}
}

// Deposits racing with reservations must never resurrect reserved capital:
// the final available balance is exactly total deposits minus successful
// reservations, regardless of interleaving.
func TestDepositConcurrentWithReserve(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	mustDeposit(t, reg, providerA, big.NewInt(100_000), 10_000, time.Hour)

	const (
		deposits    = 500
		reserves    = 50
		reserveSize = 100
	)
	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < deposits; i++ {
			if _, err := reg.Deposit(ctx, providerA, "wbtc", big.NewInt(1), 10_000, time.Hour); err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < reserves; i++ {
			err := store.Liquidity().Reserve(ctx, providerA, "wbtc", big.NewInt(reserveSize))
			switch {
			case err == nil:
				reserved.Add(reserveSize)
			case errors.Is(err, domain.ErrInsufficientAvailable):
			default:
				t.Errorf("reserve %d: %v", i, err)
				return
			}
		}
	}()
	wg.Wait()

	pos, err := reg.Position(ctx, providerA, "wbtc")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	wantDeposited := big.NewInt(100_000 + deposits)
	if pos.Deposited.Cmp(wantDeposited) != 0 {
		t.Fatalf("deposited = %s, want %s", pos.Deposited, wantDeposited)
	}
	wantAvailable := new(big.Int).Sub(wantDeposited, big.NewInt(reserved.Load()))
	if pos.Available.Cmp(wantAvailable) != 0 {
		t.Fatalf("available = %s, want %s (reserved capital resurrected)", pos.Available, wantAvailable)
	}
}

func mustDeposit(t *testing.T, reg *Registry, provider common.Address, amount *big.Int, fee int64, delay time.Duration) {
	t.Helper()
	if _, err := reg.Deposit(context.Background(), provider, "wbtc", amount, fee, delay); err != nil {
		t.Fatalf("deposit for %s: %v", provider.Hex(), err)
	}
}
