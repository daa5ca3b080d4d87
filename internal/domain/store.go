package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// RequestStore persists settlement requests. Status updates are conditional
// on the current status so concurrent drivers can never double-apply a
// transition.
type RequestStore interface {
	Create(ctx context.Context, req Request) (Request, error)
	Get(ctx context.Context, id uint64) (Request, error)
	// UpdateStatus moves a request from one status to another. It returns
	// ErrInvalidTransition when the stored status is not `from`.
	UpdateStatus(ctx context.Context, id uint64, from, to RequestStatus) error
	ListByStatus(ctx context.Context, status RequestStatus, opts ListOpts) ([]Request, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]Request, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LiquidityStore persists liquidity positions keyed by (provider, asset).
// Reserve and Withdraw re-validate balances at commit time; callers treat a
// conditional failure as a retry/fallback signal, not a fault.
type LiquidityStore interface {
	// Deposit atomically adds amount to both deposited and available,
	// creating the position on first deposit. MinFee, MaxDelay, and Active
	// always reflect the latest deposit; DepositedAt keeps its first value.
	// The increment never overwrites a concurrent Reserve, Withdraw, or
	// Consume.
	Deposit(ctx context.Context, provider common.Address, asset string, amount *big.Int, minFee int64, maxDelay time.Duration, at time.Time) (LiquidityPosition, error)
	Get(ctx context.Context, provider common.Address, asset string) (LiquidityPosition, error)
	ListActive(ctx context.Context, asset string) ([]LiquidityPosition, error)
	// Reserve atomically decrements available if available >= amount, else
	// returns ErrInsufficientAvailable.
	Reserve(ctx context.Context, provider common.Address, asset string, amount *big.Int) error
	// Release restores previously reserved capital to available.
	Release(ctx context.Context, provider common.Address, asset string, amount *big.Int) error
	// Consume permanently removes reserved capital from the position
	// (deposited shrinks; available is untouched).
	Consume(ctx context.Context, provider common.Address, asset string, amount *big.Int) error
	AddEarnings(ctx context.Context, provider common.Address, asset string, fee *big.Int) error
	// Withdraw atomically moves amount out of both available and deposited,
	// deactivating the position when deposited reaches zero. Returns
	// ErrInsufficientAvailable when locked capital would be touched.
	Withdraw(ctx context.Context, provider common.Address, asset string, amount *big.Int) error
}

// EscrowStore persists escrow entries. Create mints the settlement receipt in
// the same atomic operation; a receipt never exists without an Escrowed entry
// and vice versa.
type EscrowStore interface {
	Create(ctx context.Context, entry EscrowEntry, receipt SettlementReceipt) (SettlementReceipt, error)
	Get(ctx context.Context, requestID uint64) (EscrowEntry, error)
	// Transition moves an entry from one state to another, at most once.
	// Returns ErrInvalidTransition when the stored state is not `from`.
	Transition(ctx context.Context, requestID uint64, from, to EscrowState, at time.Time) error
	// MarkEarlyRedeemed flags an open entry as early-redeemed. Returns
	// ErrEscrowClosed when the entry is no longer Escrowed.
	MarkEarlyRedeemed(ctx context.Context, requestID uint64) error
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]EscrowEntry, error)
}

// ReceiptStore persists settlement receipts.
type ReceiptStore interface {
	Get(ctx context.Context, id uint64) (SettlementReceipt, error)
	GetByRequest(ctx context.Context, requestID uint64) (SettlementReceipt, error)
	// Transfer reassigns ownership; conditional on the current owner and the
	// receipt being unredeemed.
	Transfer(ctx context.Context, id uint64, from, to common.Address) error
	// Redeem flips redeemed false -> true exactly once. A second call returns
	// ErrAlreadyRedeemed.
	Redeem(ctx context.Context, id uint64, mode RedemptionMode, round *uint64, at time.Time) error
	ListRedeemedBefore(ctx context.Context, cutoff time.Time, limit int) ([]SettlementReceipt, error)
	PurgeRedeemedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AttestationStore records delivered attestations for idempotency. Record
// returns ErrAlreadyExists on a duplicate (requestID, round).
type AttestationStore interface {
	Record(ctx context.Context, att Attestation) error
	ListByRequest(ctx context.Context, requestID uint64) ([]Attestation, error)
}

// BalanceStore tracks the per-asset protocol pool and per-address recoverable
// balances. DebitPool is conditional; ChargePool is not and is reserved for
// protocol-subsidized fees, which may drive the pool negative.
type BalanceStore interface {
	PoolBalance(ctx context.Context, asset string) (*big.Int, error)
	CreditPool(ctx context.Context, asset string, amount *big.Int) error
	// DebitPool fails with ErrInsufficientLiquidity if the pool cannot cover
	// the amount.
	DebitPool(ctx context.Context, asset string, amount *big.Int) error
	ChargePool(ctx context.Context, asset string, amount *big.Int) error
	CreditRecoverable(ctx context.Context, addr common.Address, asset string, amount *big.Int) error
	Recoverable(ctx context.Context, addr common.Address, asset string) (*big.Int, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
