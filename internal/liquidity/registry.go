// Package liquidity manages opt-in capital provider positions and matches
// fast-path settlement requests against them.
package liquidity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

// Registry tracks liquidity positions and performs fee-priority matching.
type Registry struct {
	positions domain.LiquidityStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewRegistry creates a Registry over the given position store.
func NewRegistry(positions domain.LiquidityStore, audit domain.AuditStore, logger *slog.Logger) *Registry {
	return &Registry{
		positions: positions,
		audit:     audit,
		logger:    logger.With(slog.String("component", "liquidity_registry")),
	}
}

// Deposit adds capital to a provider's position, creating it on first
// deposit. MinFee and MaxDelay always reflect the latest deposit.
func (r *Registry) Deposit(ctx context.Context, provider common.Address, asset string, amount *big.Int, minFee int64, maxDelay time.Duration) (domain.LiquidityPosition, error) {
	if amount == nil || amount.Sign() <= 0 {
		return domain.LiquidityPosition{}, fmt.Errorf("liquidity: deposit amount must be positive: %w", domain.ErrInvalidRequest)
	}
	if minFee < 0 || minFee > domain.TickScale {
		return domain.LiquidityPosition{}, fmt.Errorf("liquidity: min fee out of range: %w", domain.ErrInvalidRequest)
	}
	if maxDelay <= 0 {
		return domain.LiquidityPosition{}, fmt.Errorf("liquidity: max delay must be positive: %w", domain.ErrInvalidRequest)
	}

	// The store applies the deposit as one atomic increment, so a Reserve or
	// Withdraw landing in between is never overwritten.
	pos, err := r.positions.Deposit(ctx, provider, asset, amount, minFee, maxDelay, time.Now().UTC())
	if err != nil {
		return domain.LiquidityPosition{}, fmt.Errorf("liquidity: deposit: %w", err)
	}

	r.logger.InfoContext(ctx, "deposit accepted",
		slog.String("provider", provider.Hex()),
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
		slog.Int64("min_fee_ticks", minFee),
	)
	return pos, nil
}

// Withdraw removes available capital from a provider's position. Capital
// locked in escrow is not withdrawable: the store rejects the withdrawal with
// ErrInsufficientAvailable and leaves the position unchanged.
func (r *Registry) Withdraw(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("liquidity: withdraw amount must be positive: %w", domain.ErrInvalidRequest)
	}
	if err := r.positions.Withdraw(ctx, provider, asset, amount); err != nil {
		return fmt.Errorf("liquidity: withdraw: %w", err)
	}
	r.logger.InfoContext(ctx, "withdrawal applied",
		slog.String("provider", provider.Hex()),
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Match selects the cheapest active position that can cover the amount
// within the delay budget and reserves the capital. Ties on fee go to the
// earliest deposit. Selection is optimistic: the reserve re-validates the
// balance at commit time, and a conflict moves on to the next candidate. A
// nil result with nil error is the normal no-liquidity signal, not a fault.
func (r *Registry) Match(ctx context.Context, asset string, amount *big.Int, delayBudget time.Duration) (*domain.LiquidityPosition, error) {
	candidates, err := r.positions.ListActive(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("liquidity: list positions: %w", err)
	}

	ordered := rankCandidates(candidates, amount, delayBudget)
	for i := range ordered {
		pos := ordered[i]
		err := r.positions.Reserve(ctx, pos.Provider, asset, amount)
		if errors.Is(err, domain.ErrInsufficientAvailable) || errors.Is(err, domain.ErrNotFound) {
			// Lost the race against a concurrent withdrawal or match; try
			// the next candidate.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("liquidity: reserve: %w", err)
		}
		r.logger.InfoContext(ctx, "match reserved",
			slog.String("provider", pos.Provider.Hex()),
			slog.String("asset", asset),
			slog.String("amount", amount.String()),
			slog.Int64("fee_ticks", pos.MinFee),
		)
		return &pos, nil
	}
	return nil, nil
}

// ReleaseReservation rolls back a reservation whose escrow creation did not
// go through.
func (r *Registry) ReleaseReservation(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	if err := r.positions.Release(ctx, provider, asset, amount); err != nil {
		return fmt.Errorf("liquidity: release reservation: %w", err)
	}
	return nil
}

// Position returns one provider's position.
func (r *Registry) Position(ctx context.Context, provider common.Address, asset string) (domain.LiquidityPosition, error) {
	return r.positions.Get(ctx, provider, asset)
}

// ListActive returns all active positions for an asset.
func (r *Registry) ListActive(ctx context.Context, asset string) ([]domain.LiquidityPosition, error) {
	return r.positions.ListActive(ctx, asset)
}

// rankCandidates filters positions that can cover the request and orders
// them by ascending fee, then by deposit time for FIFO fairness among
// equally priced providers.
func rankCandidates(positions []domain.LiquidityPosition, amount *big.Int, delayBudget time.Duration) []domain.LiquidityPosition {
	var out []domain.LiquidityPosition
	for _, pos := range positions {
		if pos.CanCover(amount, delayBudget) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinFee != out[j].MinFee {
			return out[i].MinFee < out[j].MinFee
		}
		return out[i].DepositedAt.Before(out[j].DepositedAt)
	})
	return out
}
