package reconcile

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
	"github.com/velobridge/settle/internal/escrow"
	"github.com/velobridge/settle/internal/liquidity"
	"github.com/velobridge/settle/internal/scoring"
	"github.com/velobridge/settle/internal/store/memory"
)

const testAsset = "VBTC"

var (
	testRequester = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testProvider  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fixture struct {
	store      *memory.Store
	prices     *memory.PriceCache
	bus        *memory.Bus
	registry   *liquidity.Registry
	ledger     *escrow.Ledger
	controller *Controller
	sweeper    *Sweeper
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	prices := memory.NewPriceCache()
	bus := memory.NewBus()
	locks := memory.NewLockManager()

	registry := liquidity.NewRegistry(store.Liquidity(), store.Audit(), logger)
	ledger := escrow.NewLedger(store.Escrows(), store.Receipts(), store.Liquidity(), store.Balances(), store.Audit(), logger)

	f := &fixture{
		store:    store,
		prices:   prices,
		bus:      bus,
		registry: registry,
		ledger:   ledger,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	agents := StaticAgentStats{
		SuccessRate: domain.TickScale,
		Stake:       new(big.Int).Mul(big.NewInt(50_000), big.NewInt(domain.TickScale)),
	}
	f.controller = NewController(
		Config{Assets: []string{testAsset, "VETH"}, DelayBudget: 15 * time.Minute},
		store.Requests(),
		scoring.NewEngine(scoring.Defaults()),
		registry,
		ledger,
		store.Receipts(),
		store.Balances(),
		store.Attestations(),
		prices,
		bus,
		locks,
		agents,
		store.Audit(),
		logger,
	)
	f.sweeper = NewSweeper(time.Minute, store.Escrows(), store.Requests(), ledger, bus, locks, store.Audit(), logger)

	now := func() time.Time { return f.clock }
	f.controller.SetClock(now)
	f.sweeper.SetClock(now)
	ledger.SetClock(now)

	// Calm market by default; individual tests override.
	if err := prices.SetPrice(context.Background(), testAsset, 43_000*domain.TickScale, 5_000, f.clock); err != nil {
		t.Fatalf("seed price: %v", err)
	}
	return f
}

func (f *fixture) deposit(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.registry.Deposit(context.Background(), testProvider, testAsset,
		big.NewInt(amount), 10_000, 30*time.Minute) // 1% fee
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) intake(t *testing.T, amount int64) domain.Request {
	t.Helper()
	req, err := f.controller.Intake(context.Background(), IntakeParams{
		Kind:            domain.RequestKindRedemption,
		Requester:       testRequester,
		Asset:           testAsset,
		Amount:          big.NewInt(amount),
		ExternalAddress: "bc1qexternal",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	return req
}

func (f *fixture) recoverable(t *testing.T, addr common.Address) int64 {
	t.Helper()
	v, err := f.store.Balances().Recoverable(context.Background(), addr, testAsset)
	if err != nil {
		t.Fatalf("recoverable: %v", err)
	}
	return v.Int64()
}

func (f *fixture) pool(t *testing.T) int64 {
	t.Helper()
	v, err := f.store.Balances().PoolBalance(context.Background(), testAsset)
	if err != nil {
		t.Fatalf("pool balance: %v", err)
	}
	return v.Int64()
}

func TestIntakeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := IntakeParams{
		Kind:            domain.RequestKindRedemption,
		Requester:       testRequester,
		Asset:           testAsset,
		Amount:          big.NewInt(100),
		ExternalAddress: "bc1qexternal",
	}

	tests := []struct {
		name    string
		mutate  func(*IntakeParams)
		wantErr error
	}{
		{"bad kind", func(p *IntakeParams) { p.Kind = "transfer" }, domain.ErrInvalidRequest},
		{"nil amount", func(p *IntakeParams) { p.Amount = nil }, domain.ErrInvalidRequest},
		{"zero amount", func(p *IntakeParams) { p.Amount = big.NewInt(0) }, domain.ErrInvalidRequest},
		{"negative amount", func(p *IntakeParams) { p.Amount = big.NewInt(-5) }, domain.ErrInvalidRequest},
		{"missing external address", func(p *IntakeParams) { p.ExternalAddress = "" }, domain.ErrInvalidRequest},
		{"zero requester", func(p *IntakeParams) { p.Requester = common.Address{} }, domain.ErrInvalidRequest},
		{"unknown asset", func(p *IntakeParams) { p.Asset = "DOGE" }, domain.ErrUnknownAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			tt.mutate(&params)
			if _, err := f.controller.Intake(ctx, params); !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFastPathHappyFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	req := f.intake(t, 1_000)
	if req.Status != domain.RequestStatusEscrowCreated {
		t.Fatalf("status = %s, want %s", req.Status, domain.RequestStatusEscrowCreated)
	}

	// The provider's capital is locked and the receipt minted at intake.
	pos, err := f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Available.Int64() != 4_000 {
		t.Fatalf("available = %s, want 4000", pos.Available)
	}
	rec, err := f.store.Receipts().GetByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if rec.Owner != testRequester || rec.Amount.Int64() != 1_000 || rec.Haircut != 10_000 {
		t.Fatalf("unexpected receipt: %+v", rec)
	}

	// An escrow-created event reaches the agent channel.
	msgs, err := f.bus.StreamRead(ctx, domain.StreamSettlements, "0", 10)
	if err != nil || len(msgs) == 0 {
		t.Fatalf("expected escrow event on stream, got %d (%v)", len(msgs), err)
	}

	err = f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 42, Success: true,
		ExternalTxRef: common.HexToHash("0xabc"),
	})
	if err != nil {
		t.Fatalf("attestation: %v", err)
	}

	got, err := f.controller.Request(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != domain.RequestStatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}

	pos, _ = f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if pos.Available.Int64() != 5_000 {
		t.Fatalf("available after settle = %s, want 5000", pos.Available)
	}
	if pos.TotalEarned.Int64() != 10 {
		t.Fatalf("total earned = %s, want 10", pos.TotalEarned)
	}
}

func TestDegradeOnNoLiquidity(t *testing.T) {
	f := newFixture(t)

	// No deposits at all: scoring passes, matching finds nothing.
	req := f.intake(t, 1_000)
	if req.Status != domain.RequestStatusQueuedStandard {
		t.Fatalf("status = %s, want queued_standard", req.Status)
	}
}

func TestDegradeOnIneligibleScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	// Volatility above the fast-path bound.
	if err := f.prices.SetPrice(ctx, testAsset, 43_000*domain.TickScale, 50_000, f.clock); err != nil {
		t.Fatalf("set price: %v", err)
	}

	req := f.intake(t, 1_000)
	if req.Status != domain.RequestStatusQueuedStandard {
		t.Fatalf("status = %s, want queued_standard", req.Status)
	}

	// The provider's capital is untouched.
	pos, _ := f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if pos.Available.Int64() != 5_000 {
		t.Fatalf("available = %s, want 5000", pos.Available)
	}
}

func TestDegradeOnMissingPriceData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Liquidity exists for the asset, but no price was ever cached; the
	// request scores as maximally volatile and takes the standard path.
	if _, err := f.registry.Deposit(ctx, testProvider, "VETH",
		big.NewInt(5_000), 10_000, 30*time.Minute); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	req, err := f.controller.Intake(ctx, IntakeParams{
		Kind:            domain.RequestKindRedemption,
		Requester:       testRequester,
		Asset:           "VETH",
		Amount:          big.NewInt(1_000),
		ExternalAddress: "bc1qexternal",
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if req.Status != domain.RequestStatusQueuedStandard {
		t.Fatalf("status = %s, want queued_standard", req.Status)
	}
}

func TestStandardPathFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.intake(t, 1_000) // no liquidity, queued standard

	err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 7, Success: true,
	})
	if err != nil {
		t.Fatalf("attestation: %v", err)
	}

	got, _ := f.controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	// No haircut on the standard path: full amount released.
	if v := f.recoverable(t, testRequester); v != 1_000 {
		t.Fatalf("recoverable = %d, want 1000", v)
	}
}

func TestFastPathForfeit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	req := f.intake(t, 1_000)
	if req.Status != domain.RequestStatusEscrowCreated {
		t.Fatalf("status = %s, want escrow_created", req.Status)
	}

	err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 9, Success: false,
	})
	if err != nil {
		t.Fatalf("attestation: %v", err)
	}

	got, _ := f.controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	// The requester recovers both their own locked funds and the forfeited
	// provider capital; the provider eats the loss.
	if v := f.recoverable(t, testRequester); v != 2_000 {
		t.Fatalf("requester recoverable = %d, want 2000", v)
	}
	pos, _ := f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if pos.Deposited.Int64() != 4_000 {
		t.Fatalf("deposited = %s, want 4000", pos.Deposited)
	}

	// The receipt is void and cannot be redeemed.
	rec, err := f.store.Receipts().GetByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !rec.Redeemed || rec.RedeemedMode != domain.RedemptionModeVoided {
		t.Fatalf("receipt not voided: %+v", rec)
	}
}

func TestForfeitSuppressesFastPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 50_000)

	first := f.intake(t, 1_000)
	if err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: first.ID, Round: 1, Success: false,
	}); err != nil {
		t.Fatalf("attestation: %v", err)
	}

	// Immediately after a forfeit the asset scores below the bar.
	second := f.intake(t, 1_000)
	if second.Status != domain.RequestStatusQueuedStandard {
		t.Fatalf("status = %s, want queued_standard", second.Status)
	}

	// Well past the failure window the fast path recovers.
	f.clock = f.clock.Add(12 * time.Hour)
	third := f.intake(t, 1_000)
	if third.Status != domain.RequestStatusEscrowCreated {
		t.Fatalf("status = %s, want escrow_created", third.Status)
	}
}

func TestAttestationIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	req := f.intake(t, 1_000)
	att := domain.Attestation{RequestID: req.ID, Round: 42, Success: true}

	if err := f.controller.OnAttestation(ctx, att); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	pos, _ := f.store.Liquidity().Get(ctx, testProvider, testAsset)
	earnedOnce := pos.TotalEarned.Int64()

	// Redelivery of the same round must not move funds again.
	for i := 0; i < 3; i++ {
		if err := f.controller.OnAttestation(ctx, att); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}
	pos, _ = f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if pos.TotalEarned.Int64() != earnedOnce {
		t.Fatalf("earnings moved on redelivery: %d != %d", pos.TotalEarned.Int64(), earnedOnce)
	}
}

func TestAttestationAfterTerminalIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	req := f.intake(t, 1_000)
	if err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 1, Success: true,
	}); err != nil {
		t.Fatalf("attestation: %v", err)
	}

	// A later round for a finalized request is ignored and moves nothing.
	if err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 2, Success: false,
	}); err != nil {
		t.Fatalf("late attestation: %v", err)
	}
	got, _ := f.controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
}

func TestAttestationUnknownRequest(t *testing.T) {
	f := newFixture(t)

	err := f.controller.OnAttestation(context.Background(), domain.Attestation{
		RequestID: 999, Round: 1, Success: true,
	})
	if !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("got %v, want ErrUnknownRequest", err)
	}
	if v := f.pool(t); v != 0 {
		t.Fatalf("pool moved on unknown request: %d", v)
	}
}

// failingOnceEscrows fails the first Transition, then delegates.
type failingOnceEscrows struct {
	domain.EscrowStore
	failed bool
}

func (s *failingOnceEscrows) Transition(ctx context.Context, requestID uint64, from, to domain.EscrowState, at time.Time) error {
	if !s.failed {
		s.failed = true
		return errors.New("transient store failure")
	}
	return s.EscrowStore.Transition(ctx, requestID, from, to, at)
}

// A verdict whose effects fail transiently must stay deliverable: the
// (requestID, round) key is only consumed once the effects apply, so the
// oracle's redelivery settles the escrow instead of being dropped as a
// duplicate.
func TestAttestationRetryAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)
	req := f.intake(t, 1_000)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	flaky := &failingOnceEscrows{EscrowStore: f.store.Escrows()}
	ledger := escrow.NewLedger(flaky, f.store.Receipts(), f.store.Liquidity(), f.store.Balances(), f.store.Audit(), logger)
	controller := NewController(
		Config{Assets: []string{testAsset}, DelayBudget: 15 * time.Minute},
		f.store.Requests(),
		scoring.NewEngine(scoring.Defaults()),
		f.registry,
		ledger,
		f.store.Receipts(),
		f.store.Balances(),
		f.store.Attestations(),
		f.prices,
		f.bus,
		memory.NewLockManager(),
		StaticAgentStats{SuccessRate: domain.TickScale, Stake: big.NewInt(0)},
		f.store.Audit(),
		logger,
	)

	att := domain.Attestation{RequestID: req.ID, Round: 7, Success: true}
	if err := controller.OnAttestation(ctx, att); err == nil {
		t.Fatal("first delivery should surface the transient settle failure")
	}

	got, _ := controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusEscrowCreated {
		t.Fatalf("status after failed apply = %s, want escrow_created", got.Status)
	}

	if err := controller.OnAttestation(ctx, att); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	got, _ = controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFinalized {
		t.Fatalf("status after redelivery = %s, want finalized", got.Status)
	}
	entry, err := f.store.Escrows().Get(ctx, req.ID)
	if err != nil || entry.State != domain.EscrowStateSettled {
		t.Fatalf("escrow state = %v (%v), want settled", entry.State, err)
	}
	pos, _ := f.store.Liquidity().Get(ctx, testProvider, testAsset)
	if pos.TotalEarned.Int64() != 10 {
		t.Fatalf("total earned = %s, want 10", pos.TotalEarned)
	}
}

// A verdict for a not-yet-allocated request id must not burn the
// (requestID, round) key: once the id exists, the legitimate verdict for the
// same round still applies.
func TestAttestationEarlyDeliveryDoesNotBurnRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, 5_000)

	early := domain.Attestation{RequestID: 1, Round: 1, Success: true}
	if err := f.controller.OnAttestation(ctx, early); !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("early delivery: got %v, want ErrUnknownRequest", err)
	}

	req := f.intake(t, 1_000)
	if req.ID != 1 {
		t.Fatalf("request id = %d, want the first allocated id 1", req.ID)
	}

	if err := f.controller.OnAttestation(ctx, early); err != nil {
		t.Fatalf("legitimate delivery after allocation: %v", err)
	}
	got, _ := f.controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
}

func TestStandardPathFailureReturnsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.intake(t, 1_000) // queued standard

	if err := f.controller.OnAttestation(ctx, domain.Attestation{
		RequestID: req.ID, Round: 3, Success: false,
	}); err != nil {
		t.Fatalf("attestation: %v", err)
	}
	got, _ := f.controller.Request(ctx, req.ID)
	if got.Status != domain.RequestStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if v := f.recoverable(t, testRequester); v != 1_000 {
		t.Fatalf("recoverable = %d, want 1000", v)
	}
}
