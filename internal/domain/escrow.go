package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowState is the escrow entry state machine. An entry is created in
// Escrowed and moves exactly once to one of the three terminal states.
type EscrowState string

const (
	EscrowStateEscrowed  EscrowState = "escrowed"
	EscrowStateSettled   EscrowState = "settled"
	EscrowStateForfeited EscrowState = "forfeited"
	EscrowStateRefunded  EscrowState = "refunded"
)

// Terminal reports whether the state admits no further transition.
func (s EscrowState) Terminal() bool {
	return s == EscrowStateSettled || s == EscrowStateForfeited || s == EscrowStateRefunded
}

// CanTransitionTo reports whether moving from s to next is a legal escrow
// transition.
func (s EscrowState) CanTransitionTo(next EscrowState) bool {
	return s == EscrowStateEscrowed && next.Terminal()
}

// EscrowEntry custodies provider capital locked behind one fast-path request.
// LockedAmount is always backed by a matching decrement of the provider's
// available balance. EarlyRedeemed records that the protocol pool paid the
// receipt owner out early and is now the beneficiary of the entry.
type EscrowEntry struct {
	RequestID     uint64
	Provider      common.Address
	Asset         string
	LockedAmount  *big.Int
	Haircut       int64 // fixed-point rate, 1e6 ticks
	MaxDelay      time.Duration
	State         EscrowState
	EarlyRedeemed bool
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// ExpiresAt returns the deterministic refund-eligibility deadline, computed
// from the recorded creation timestamp rather than wall clock at call time.
func (e EscrowEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.MaxDelay)
}

// Expired reports whether the entry is refund-eligible as of the given time.
func (e EscrowEntry) Expired(asOf time.Time) bool {
	return e.State == EscrowStateEscrowed && !asOf.Before(e.ExpiresAt())
}

// FeeAmount returns the provider fee carved out of the locked amount.
func (e EscrowEntry) FeeAmount() *big.Int {
	return ApplyRate(e.LockedAmount, e.Haircut)
}
