// Package receipt implements redemption and transfer of settlement receipts.
// A receipt is consumed exactly once, by exactly one of the two redemption
// modes.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

// lockTTL bounds how long a redemption may hold a request lock.
const lockTTL = 30 * time.Second

// Redeemer pays out settlement receipts.
type Redeemer struct {
	receipts domain.ReceiptStore
	escrows  domain.EscrowStore
	balances domain.BalanceStore
	attests  domain.AttestationStore
	locks    domain.LockManager
	audit    domain.AuditStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedeemer creates a Redeemer over the given stores.
func NewRedeemer(
	receipts domain.ReceiptStore,
	escrows domain.EscrowStore,
	balances domain.BalanceStore,
	attests domain.AttestationStore,
	locks domain.LockManager,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Redeemer {
	return &Redeemer{
		receipts: receipts,
		escrows:  escrows,
		balances: balances,
		attests:  attests,
		locks:    locks,
		audit:    audit,
		logger:   logger.With(slog.String("component", "receipt_redeemer")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the redeemer clock. Intended for tests.
func (r *Redeemer) SetClock(now func() time.Time) { r.now = now }

// RedeemEarly pays the owner amount*(1-haircut) immediately from the protocol
// pool, before the attestation verdict; the pool takes over the
// attestation-outcome risk on the escrow entry. Usable any time while the
// entry is still Escrowed.
func (r *Redeemer) RedeemEarly(ctx context.Context, receiptID uint64, caller common.Address) (*big.Int, error) {
	rec, err := r.receipts.Get(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("receipt: get %d: %w", receiptID, err)
	}
	if rec.Owner != caller {
		return nil, fmt.Errorf("receipt: redeem %d by %s: %w", receiptID, caller.Hex(), domain.ErrUnauthorized)
	}
	if rec.Redeemed {
		return nil, fmt.Errorf("receipt: redeem %d: %w", receiptID, domain.ErrAlreadyRedeemed)
	}

	unlock, err := r.locks.Acquire(ctx, requestLockKey(rec.RequestID), lockTTL)
	if err != nil {
		return nil, fmt.Errorf("receipt: lock request %d: %w", rec.RequestID, err)
	}
	defer unlock()

	entry, err := r.escrows.Get(ctx, rec.RequestID)
	if err != nil {
		return nil, fmt.Errorf("receipt: get escrow for request %d: %w", rec.RequestID, err)
	}
	if entry.State != domain.EscrowStateEscrowed {
		return nil, fmt.Errorf("receipt: redeem %d: %w", receiptID, domain.ErrEscrowClosed)
	}

	payout := rec.EarlyPayout()
	if err := r.balances.DebitPool(ctx, rec.Asset, payout); err != nil {
		// Pool exhaustion is a resource condition, not a fault: the receipt
		// stays redeemable, after attestation at the latest.
		return nil, fmt.Errorf("receipt: early payout for %d: %w", receiptID, err)
	}

	if err := r.receipts.Redeem(ctx, receiptID, domain.RedemptionModeEarly, nil, r.now()); err != nil {
		// Compensate the pool debit; the conditional redeem lost a race.
		if cerr := r.balances.CreditPool(ctx, rec.Asset, payout); cerr != nil {
			r.logger.ErrorContext(ctx, "pool compensation failed",
				slog.Uint64("receipt_id", receiptID),
				slog.String("error", cerr.Error()),
			)
		}
		return nil, fmt.Errorf("receipt: redeem %d early: %w", receiptID, err)
	}
	if err := r.escrows.MarkEarlyRedeemed(ctx, rec.RequestID); err != nil {
		return nil, fmt.Errorf("receipt: mark escrow early-redeemed for %d: %w", rec.RequestID, err)
	}
	if err := r.balances.CreditRecoverable(ctx, rec.Owner, rec.Asset, payout); err != nil {
		return nil, fmt.Errorf("receipt: credit owner for %d: %w", receiptID, err)
	}

	r.auditLog(ctx, "receipt_redeemed_early", map[string]any{
		"receipt_id": receiptID,
		"request_id": rec.RequestID,
		"owner":      rec.Owner.Hex(),
		"payout":     payout.String(),
	})
	r.logger.InfoContext(ctx, "receipt redeemed early",
		slog.Uint64("receipt_id", receiptID),
		slog.String("owner", rec.Owner.Hex()),
		slog.String("payout", payout.String()),
	)
	return payout, nil
}

// RedeemAfterAttestation pays the owner the full amount with no haircut. Only
// usable once the escrow entry is Settled; before that it fails with
// ErrNotYetFinalized.
func (r *Redeemer) RedeemAfterAttestation(ctx context.Context, receiptID uint64, caller common.Address) (*big.Int, error) {
	rec, err := r.receipts.Get(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("receipt: get %d: %w", receiptID, err)
	}
	if rec.Owner != caller {
		return nil, fmt.Errorf("receipt: redeem %d by %s: %w", receiptID, caller.Hex(), domain.ErrUnauthorized)
	}
	if rec.Redeemed {
		return nil, fmt.Errorf("receipt: redeem %d: %w", receiptID, domain.ErrAlreadyRedeemed)
	}

	unlock, err := r.locks.Acquire(ctx, requestLockKey(rec.RequestID), lockTTL)
	if err != nil {
		return nil, fmt.Errorf("receipt: lock request %d: %w", rec.RequestID, err)
	}
	defer unlock()

	entry, err := r.escrows.Get(ctx, rec.RequestID)
	if err != nil {
		return nil, fmt.Errorf("receipt: get escrow for request %d: %w", rec.RequestID, err)
	}
	if entry.State != domain.EscrowStateSettled {
		return nil, fmt.Errorf("receipt: redeem %d full: %w", receiptID, domain.ErrNotYetFinalized)
	}

	payout := new(big.Int).Set(rec.Amount)
	round := r.confirmedRound(ctx, rec.RequestID)
	if err := r.receipts.Redeem(ctx, receiptID, domain.RedemptionModeFull, round, r.now()); err != nil {
		return nil, fmt.Errorf("receipt: redeem %d full: %w", receiptID, err)
	}
	if err := r.balances.CreditRecoverable(ctx, rec.Owner, rec.Asset, payout); err != nil {
		return nil, fmt.Errorf("receipt: credit owner for %d: %w", receiptID, err)
	}

	r.auditLog(ctx, "receipt_redeemed_full", map[string]any{
		"receipt_id": receiptID,
		"request_id": rec.RequestID,
		"owner":      rec.Owner.Hex(),
		"payout":     payout.String(),
	})
	r.logger.InfoContext(ctx, "receipt redeemed after attestation",
		slog.Uint64("receipt_id", receiptID),
		slog.String("owner", rec.Owner.Hex()),
		slog.String("payout", payout.String()),
	)
	return payout, nil
}

// Transfer reassigns an unredeemed receipt to a new owner.
func (r *Redeemer) Transfer(ctx context.Context, receiptID uint64, from, to common.Address) error {
	if err := r.receipts.Transfer(ctx, receiptID, from, to); err != nil {
		return fmt.Errorf("receipt: transfer %d: %w", receiptID, err)
	}
	r.auditLog(ctx, "receipt_transferred", map[string]any{
		"receipt_id": receiptID,
		"from":       from.Hex(),
		"to":         to.Hex(),
	})
	return nil
}

// Get returns one receipt.
func (r *Redeemer) Get(ctx context.Context, receiptID uint64) (domain.SettlementReceipt, error) {
	return r.receipts.Get(ctx, receiptID)
}

// confirmedRound returns the round of the successful attestation that
// settled the request, if on record.
func (r *Redeemer) confirmedRound(ctx context.Context, requestID uint64) *uint64 {
	atts, err := r.attests.ListByRequest(ctx, requestID)
	if err != nil {
		return nil
	}
	for i := range atts {
		if atts[i].Success {
			round := atts[i].Round
			return &round
		}
	}
	return nil
}

func (r *Redeemer) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func requestLockKey(requestID uint64) string {
	return fmt.Sprintf("request:%d", requestID)
}
