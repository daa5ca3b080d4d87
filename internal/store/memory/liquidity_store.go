package memory

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

type positionRow struct {
	pos domain.LiquidityPosition
}

func positionKey(provider common.Address, asset string) string {
	return provider.Hex() + "/" + asset
}

// LiquidityStore implements domain.LiquidityStore in memory.
type LiquidityStore struct {
	s *Store
}

// Deposit adds amount in place under the store mutex, creating the position
// on first deposit. Concurrent Reserve/Withdraw/Consume movements are never
// overwritten.
func (ls *LiquidityStore) Deposit(ctx context.Context, provider common.Address, asset string, amount *big.Int, minFee int64, maxDelay time.Duration, at time.Time) (domain.LiquidityPosition, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	key := positionKey(provider, asset)
	row, ok := ls.s.positions[key]
	if !ok {
		row = &positionRow{pos: domain.LiquidityPosition{
			Provider:    provider,
			Asset:       asset,
			Deposited:   big.NewInt(0),
			Available:   big.NewInt(0),
			TotalEarned: big.NewInt(0),
			DepositedAt: at,
		}}
		ls.s.positions[key] = row
	}
	row.pos.Deposited.Add(row.pos.Deposited, amount)
	row.pos.Available.Add(row.pos.Available, amount)
	row.pos.MinFee = minFee
	row.pos.MaxDelay = maxDelay
	row.pos.Active = true
	return clonePosition(row.pos), nil
}

// Get returns one position.
func (ls *LiquidityStore) Get(ctx context.Context, provider common.Address, asset string) (domain.LiquidityPosition, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok {
		return domain.LiquidityPosition{}, domain.ErrNotFound
	}
	return clonePosition(row.pos), nil
}

// ListActive lists active positions for an asset.
func (ls *LiquidityStore) ListActive(ctx context.Context, asset string) ([]domain.LiquidityPosition, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	var out []domain.LiquidityPosition
	for _, row := range ls.s.positions {
		if row.pos.Active && row.pos.Asset == asset {
			out = append(out, clonePosition(row.pos))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DepositedAt.Before(out[j].DepositedAt)
	})
	return out, nil
}

// Reserve decrements available if it covers the amount.
func (ls *LiquidityStore) Reserve(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok || !row.pos.Active {
		return domain.ErrNotFound
	}
	if row.pos.Available.Cmp(amount) < 0 {
		return domain.ErrInsufficientAvailable
	}
	row.pos.Available.Sub(row.pos.Available, amount)
	return nil
}

// Release restores reserved capital, capped at deposited.
func (ls *LiquidityStore) Release(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok {
		return domain.ErrNotFound
	}
	row.pos.Available.Add(row.pos.Available, amount)
	if row.pos.Available.Cmp(row.pos.Deposited) > 0 {
		row.pos.Available.Set(row.pos.Deposited)
	}
	return nil
}

// Consume permanently removes reserved capital from the position.
func (ls *LiquidityStore) Consume(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok {
		return domain.ErrNotFound
	}
	row.pos.Deposited.Sub(row.pos.Deposited, amount)
	if row.pos.Deposited.Sign() < 0 {
		row.pos.Deposited.SetInt64(0)
	}
	if row.pos.Available.Cmp(row.pos.Deposited) > 0 {
		row.pos.Available.Set(row.pos.Deposited)
	}
	if row.pos.Deposited.Sign() == 0 {
		row.pos.Active = false
	}
	return nil
}

// AddEarnings increments the position's lifetime earnings.
func (ls *LiquidityStore) AddEarnings(ctx context.Context, provider common.Address, asset string, fee *big.Int) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok {
		return domain.ErrNotFound
	}
	row.pos.TotalEarned.Add(row.pos.TotalEarned, fee)
	return nil
}

// Withdraw removes amount from both available and deposited, deactivating the
// position when it reaches zero.
func (ls *LiquidityStore) Withdraw(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	row, ok := ls.s.positions[positionKey(provider, asset)]
	if !ok || !row.pos.Active {
		return domain.ErrNotFound
	}
	if row.pos.Available.Cmp(amount) < 0 {
		return domain.ErrInsufficientAvailable
	}
	row.pos.Available.Sub(row.pos.Available, amount)
	row.pos.Deposited.Sub(row.pos.Deposited, amount)
	if row.pos.Deposited.Sign() == 0 {
		row.pos.Active = false
	}
	return nil
}

func clonePosition(pos domain.LiquidityPosition) domain.LiquidityPosition {
	pos.Deposited = cloneBig(pos.Deposited)
	pos.Available = cloneBig(pos.Available)
	pos.TotalEarned = cloneBig(pos.TotalEarned)
	return pos
}

var _ domain.LiquidityStore = (*LiquidityStore)(nil)
