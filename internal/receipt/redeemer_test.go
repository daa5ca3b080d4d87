package receipt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/store/memory"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	provider = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

type fixture struct {
	redeemer *Redeemer
	store    *memory.Store
	receipt  domain.SettlementReceipt
}

// newFixture seeds one escrow entry of 1000 at a 1% haircut with its receipt,
// and a pool of 10_000.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	entry := domain.EscrowEntry{
		RequestID:    1,
		Provider:     provider,
		Asset:        "wbtc",
		LockedAmount: big.NewInt(1000),
		Haircut:      10_000,
		MaxDelay:     time.Hour,
		CreatedAt:    time.Now().UTC(),
	}
	rec := domain.SettlementReceipt{
		RequestID: 1,
		Owner:     owner,
		Provider:  provider,
		Asset:     "wbtc",
		Amount:    big.NewInt(1000),
		Haircut:   10_000,
		CreatedAt: time.Now().UTC(),
	}
	minted, err := store.Escrows().Create(ctx, entry, rec)
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if err := store.Balances().CreditPool(ctx, "wbtc", big.NewInt(10_000)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	return &fixture{
		redeemer: NewRedeemer(store.Receipts(), store.Escrows(), store.Balances(), store.Attestations(), memory.NewLockManager(), store.Audit(), logger),
		store:    store,
		receipt:  minted,
	}
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	err := f.store.Escrows().Transition(context.Background(), 1, domain.EscrowStateEscrowed, domain.EscrowStateSettled, time.Now().UTC())
	if err != nil {
		t.Fatalf("settle escrow: %v", err)
	}
}

func TestRedeemEarlyPaysHaircutAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payout, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner)
	if err != nil {
		t.Fatalf("redeem early: %v", err)
	}
	if payout.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("payout = %s, want 990", payout)
	}

	pool, _ := f.store.Balances().PoolBalance(ctx, "wbtc")
	if pool.Cmp(big.NewInt(9010)) != 0 {
		t.Fatalf("pool = %s, want 9010", pool)
	}
	recoverable, _ := f.store.Balances().Recoverable(ctx, owner, "wbtc")
	if recoverable.Cmp(big.NewInt(990)) != 0 {
		t.Fatalf("owner recoverable = %s, want 990", recoverable)
	}

	entry, _ := f.store.Escrows().Get(ctx, 1)
	if !entry.EarlyRedeemed {
		t.Fatal("escrow entry not marked early-redeemed")
	}
}

func TestRedemptionModesMutuallyExclusive(t *testing.T) {
	ctx := context.Background()

	t.Run("early then full", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); err != nil {
			t.Fatalf("redeem early: %v", err)
		}
		f.settle(t)
		if _, err := f.redeemer.RedeemAfterAttestation(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrAlreadyRedeemed) {
			t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
		}
	})

	t.Run("full then early", func(t *testing.T) {
		f := newFixture(t)
		f.settle(t)
		if _, err := f.redeemer.RedeemAfterAttestation(ctx, f.receipt.ID, owner); err != nil {
			t.Fatalf("redeem full: %v", err)
		}
		if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrAlreadyRedeemed) {
			t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
		}
	})

	t.Run("double early", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); err != nil {
			t.Fatalf("redeem early: %v", err)
		}
		if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrAlreadyRedeemed) {
			t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
		}
	})
}

func TestRedeemAfterAttestationRequiresSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.redeemer.RedeemAfterAttestation(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrNotYetFinalized) {
		t.Fatalf("expected ErrNotYetFinalized, got %v", err)
	}

	f.settle(t)
	payout, err := f.redeemer.RedeemAfterAttestation(ctx, f.receipt.ID, owner)
	if err != nil {
		t.Fatalf("redeem after settle: %v", err)
	}
	if payout.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("payout = %s, want full 1000", payout)
	}
}

func TestRedeemEarlyAfterEscrowClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.settle(t)

	if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrEscrowClosed) {
		t.Fatalf("expected ErrEscrowClosed, got %v", err)
	}
}

func TestRedeemRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, stranger); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRedeemEarlyPoolExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Drain the pool below the payout.
	if err := f.store.Balances().DebitPool(ctx, "wbtc", big.NewInt(9500)); err != nil {
		t.Fatalf("drain pool: %v", err)
	}

	_, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner)
	if !errors.Is(err, domain.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}

	// Receipt unchanged: still redeemable later.
	rec, _ := f.redeemer.Get(ctx, f.receipt.ID)
	if rec.Redeemed {
		t.Fatal("receipt must remain unredeemed after a refused payout")
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	newOwner := common.HexToAddress("0x0000000000000000000000000000000000000e02")

	if err := f.redeemer.Transfer(ctx, f.receipt.ID, owner, newOwner); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// Old owner can no longer redeem; new owner can.
	if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, owner); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for old owner, got %v", err)
	}
	if _, err := f.redeemer.RedeemEarly(ctx, f.receipt.ID, newOwner); err != nil {
		t.Fatalf("new owner redeem: %v", err)
	}

	// Redeemed receipts are no longer transferable.
	err := f.redeemer.Transfer(ctx, f.receipt.ID, newOwner, owner)
	if !errors.Is(err, domain.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestFullRedemptionRecordsRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.store.Attestations().Record(ctx, domain.Attestation{
		RequestID: 1, Round: 7, Success: true, ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("record attestation: %v", err)
	}
	f.settle(t)

	if _, err := f.redeemer.RedeemAfterAttestation(ctx, f.receipt.ID, owner); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	rec, _ := f.redeemer.Get(ctx, f.receipt.ID)
	if rec.AttestationRound == nil || *rec.AttestationRound != 7 {
		t.Fatalf("attestation round = %v, want 7", rec.AttestationRound)
	}
}
