// Package escrow custodies locked provider capital during the attestation
// window. The Ledger is the only component that releases or forfeits escrowed
// funds, and every entry leaves the Escrowed state exactly once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

// Ledger owns escrow entries and applies the funds-flow rules on each
// terminal transition.
type Ledger struct {
	escrows   domain.EscrowStore
	receipts  domain.ReceiptStore
	positions domain.LiquidityStore
	balances  domain.BalanceStore
	audit     domain.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedger creates a Ledger over the given stores.
func NewLedger(
	escrows domain.EscrowStore,
	receipts domain.ReceiptStore,
	positions domain.LiquidityStore,
	balances domain.BalanceStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		escrows:   escrows,
		receipts:  receipts,
		positions: positions,
		balances:  balances,
		audit:     audit,
		logger:    logger.With(slog.String("component", "escrow_ledger")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the ledger clock. Intended for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Create opens an escrow entry against a reserved liquidity position and
// mints the settlement receipt in the same atomic store operation. The
// provider's capital must already be reserved; if the store insert fails the
// caller rolls the reservation back.
func (l *Ledger) Create(ctx context.Context, req domain.Request, provider domain.LiquidityPosition) (domain.EscrowEntry, domain.SettlementReceipt, error) {
	now := l.now()
	entry := domain.EscrowEntry{
		RequestID:    req.ID,
		Provider:     provider.Provider,
		Asset:        req.Asset,
		LockedAmount: new(big.Int).Set(req.Amount),
		Haircut:      provider.MinFee,
		MaxDelay:     provider.MaxDelay,
		State:        domain.EscrowStateEscrowed,
		CreatedAt:    now,
	}
	receipt := domain.SettlementReceipt{
		RequestID: req.ID,
		Owner:     req.Requester,
		Provider:  provider.Provider,
		Asset:     req.Asset,
		Amount:    new(big.Int).Set(req.Amount),
		Haircut:   provider.MinFee,
		CreatedAt: now,
	}

	minted, err := l.escrows.Create(ctx, entry, receipt)
	if err != nil {
		return domain.EscrowEntry{}, domain.SettlementReceipt{}, fmt.Errorf("escrow: create entry for request %d: %w", req.ID, err)
	}

	l.auditLog(ctx, "escrow_created", map[string]any{
		"request_id": req.ID,
		"receipt_id": minted.ID,
		"provider":   provider.Provider.Hex(),
		"amount":     req.Amount.String(),
		"haircut":    provider.MinFee,
	})
	l.logger.InfoContext(ctx, "escrow created",
		slog.Uint64("request_id", req.ID),
		slog.Uint64("receipt_id", minted.ID),
		slog.String("provider", provider.Provider.Hex()),
		slog.String("amount", req.Amount.String()),
	)
	return entry, minted, nil
}

// Settle closes the entry after the oracle confirmed the external payment.
// The provider's capital is restored and its fee credited; the requester's
// locked funds flow to the pool when the receipt was already redeemed early,
// otherwise they stay claimable through the receipt and the fee is carried by
// the pool.
func (l *Ledger) Settle(ctx context.Context, req domain.Request) error {
	entry, err := l.escrows.Get(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("escrow: get entry for request %d: %w", req.ID, err)
	}
	if err := l.escrows.Transition(ctx, req.ID, domain.EscrowStateEscrowed, domain.EscrowStateSettled, l.now()); err != nil {
		return fmt.Errorf("escrow: settle request %d: %w", req.ID, err)
	}

	fee := entry.FeeAmount()
	if err := l.positions.Release(ctx, entry.Provider, entry.Asset, entry.LockedAmount); err != nil {
		return fmt.Errorf("escrow: restore provider capital for request %d: %w", req.ID, err)
	}
	if err := l.positions.AddEarnings(ctx, entry.Provider, entry.Asset, fee); err != nil {
		return fmt.Errorf("escrow: credit provider fee for request %d: %w", req.ID, err)
	}

	if entry.EarlyRedeemed {
		// The pool fronted the early payout and now collects the requester's
		// locked funds net of the provider fee.
		remainder := new(big.Int).Sub(entry.LockedAmount, fee)
		if err := l.balances.CreditPool(ctx, entry.Asset, remainder); err != nil {
			return fmt.Errorf("escrow: credit pool remainder for request %d: %w", req.ID, err)
		}
	} else {
		// Receipt still outstanding: the full amount stays claimable via
		// after-attestation redemption, so the fee is carried by the pool.
		if err := l.balances.ChargePool(ctx, entry.Asset, fee); err != nil {
			return fmt.Errorf("escrow: charge pool fee for request %d: %w", req.ID, err)
		}
	}

	l.auditLog(ctx, "escrow_settled", map[string]any{
		"request_id":     req.ID,
		"provider":       entry.Provider.Hex(),
		"fee":            fee.String(),
		"early_redeemed": entry.EarlyRedeemed,
	})
	l.logger.InfoContext(ctx, "escrow settled",
		slog.Uint64("request_id", req.ID),
		slog.String("provider", entry.Provider.Hex()),
		slog.String("fee", fee.String()),
	)
	return nil
}

// Forfeit closes the entry after the oracle denied the external payment. The
// provider's locked capital is consumed and routed to whoever bore the
// payout risk: the pool when the receipt was redeemed early, otherwise the
// requester's recoverable balance. The requester's own locked funds are
// always returned to their recoverable balance; nothing is ever burned.
func (l *Ledger) Forfeit(ctx context.Context, req domain.Request) error {
	entry, err := l.escrows.Get(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("escrow: get entry for request %d: %w", req.ID, err)
	}
	if err := l.escrows.Transition(ctx, req.ID, domain.EscrowStateEscrowed, domain.EscrowStateForfeited, l.now()); err != nil {
		return fmt.Errorf("escrow: forfeit request %d: %w", req.ID, err)
	}

	if err := l.positions.Consume(ctx, entry.Provider, entry.Asset, entry.LockedAmount); err != nil {
		return fmt.Errorf("escrow: consume provider capital for request %d: %w", req.ID, err)
	}
	if entry.EarlyRedeemed {
		if err := l.balances.CreditPool(ctx, entry.Asset, entry.LockedAmount); err != nil {
			return fmt.Errorf("escrow: compensate pool for request %d: %w", req.ID, err)
		}
	} else {
		if err := l.balances.CreditRecoverable(ctx, req.Requester, entry.Asset, entry.LockedAmount); err != nil {
			return fmt.Errorf("escrow: credit requester for request %d: %w", req.ID, err)
		}
	}
	if err := l.balances.CreditRecoverable(ctx, req.Requester, entry.Asset, req.Amount); err != nil {
		return fmt.Errorf("escrow: return locked funds for request %d: %w", req.ID, err)
	}

	l.voidReceipt(ctx, req.ID)

	l.auditLog(ctx, "escrow_forfeited", map[string]any{
		"request_id":     req.ID,
		"provider":       entry.Provider.Hex(),
		"amount":         entry.LockedAmount.String(),
		"early_redeemed": entry.EarlyRedeemed,
	})
	l.logger.WarnContext(ctx, "escrow forfeited",
		slog.Uint64("request_id", req.ID),
		slog.String("provider", entry.Provider.Hex()),
		slog.String("amount", entry.LockedAmount.String()),
	)
	return nil
}

// Refund unwinds the entry after the attestation window expired with no
// verdict. The provider's capital is fully restored with no fee, the receipt
// is voided, and the request falls back to the standard path with no loss to
// either side.
func (l *Ledger) Refund(ctx context.Context, req domain.Request) error {
	entry, err := l.escrows.Get(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("escrow: get entry for request %d: %w", req.ID, err)
	}
	if err := l.escrows.Transition(ctx, req.ID, domain.EscrowStateEscrowed, domain.EscrowStateRefunded, l.now()); err != nil {
		return fmt.Errorf("escrow: refund request %d: %w", req.ID, err)
	}

	if err := l.positions.Release(ctx, entry.Provider, entry.Asset, entry.LockedAmount); err != nil {
		return fmt.Errorf("escrow: restore provider capital for request %d: %w", req.ID, err)
	}
	l.voidReceipt(ctx, req.ID)

	l.auditLog(ctx, "escrow_refunded", map[string]any{
		"request_id": req.ID,
		"provider":   entry.Provider.Hex(),
		"amount":     entry.LockedAmount.String(),
	})
	l.logger.InfoContext(ctx, "escrow refunded on timeout",
		slog.Uint64("request_id", req.ID),
		slog.String("provider", entry.Provider.Hex()),
	)
	return nil
}

// Entry returns the escrow entry for a request.
func (l *Ledger) Entry(ctx context.Context, requestID uint64) (domain.EscrowEntry, error) {
	return l.escrows.Get(ctx, requestID)
}

// voidReceipt cancels an outstanding receipt when its escrow entry closes
// without a payout path. An already-redeemed receipt is left as is: an early
// redemption stays paid, and the pool's claim is handled by the caller.
func (l *Ledger) voidReceipt(ctx context.Context, requestID uint64) {
	receipt, err := l.receipts.GetByRequest(ctx, requestID)
	if err != nil {
		l.logger.WarnContext(ctx, "receipt lookup failed while voiding",
			slog.Uint64("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return
	}
	err = l.receipts.Redeem(ctx, receipt.ID, domain.RedemptionModeVoided, nil, l.now())
	if err != nil && !errors.Is(err, domain.ErrAlreadyRedeemed) {
		l.logger.WarnContext(ctx, "receipt void failed",
			slog.Uint64("receipt_id", receipt.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
