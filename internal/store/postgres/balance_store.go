package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velobridge/settle/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore backed by the given pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// PoolBalance returns the protocol pool balance for an asset; zero when the
// asset has never been touched.
func (s *BalanceStore) PoolBalance(ctx context.Context, asset string) (*big.Int, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM pool_balances WHERE asset = $1`, asset,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: pool balance %s: %w", asset, err)
	}
	return textToBig(balance)
}

// CreditPool adds to the protocol pool.
func (s *BalanceStore) CreditPool(ctx context.Context, asset string, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_balances (asset, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE SET balance = pool_balances.balance + EXCLUDED.balance`,
		asset, bigToText(amount))
	if err != nil {
		return fmt.Errorf("postgres: credit pool %s: %w", asset, err)
	}
	return nil
}

// DebitPool removes from the protocol pool, failing when it cannot cover the
// amount.
func (s *BalanceStore) DebitPool(ctx context.Context, asset string, amount *big.Int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_balances SET balance = balance - $2::numeric
		WHERE asset = $1 AND balance >= $2::numeric`,
		asset, bigToText(amount))
	if err != nil {
		return fmt.Errorf("postgres: debit pool %s: %w", asset, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientLiquidity
	}
	return nil
}

// ChargePool removes from the protocol pool unconditionally; used for
// protocol-subsidized fees, which may drive the pool negative.
func (s *BalanceStore) ChargePool(ctx context.Context, asset string, amount *big.Int) error {
	neg := new(big.Int).Neg(amount)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pool_balances (asset, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (asset) DO UPDATE SET balance = pool_balances.balance + EXCLUDED.balance`,
		asset, bigToText(neg))
	if err != nil {
		return fmt.Errorf("postgres: charge pool %s: %w", asset, err)
	}
	return nil
}

// CreditRecoverable adds to an address's withdrawable balance.
func (s *BalanceStore) CreditRecoverable(ctx context.Context, addr common.Address, asset string, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recoverable_balances (addr, asset, balance) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (addr, asset) DO UPDATE SET balance = recoverable_balances.balance + EXCLUDED.balance`,
		addr.Hex(), asset, bigToText(amount))
	if err != nil {
		return fmt.Errorf("postgres: credit recoverable %s/%s: %w", addr.Hex(), asset, err)
	}
	return nil
}

// Recoverable returns an address's withdrawable balance for an asset.
func (s *BalanceStore) Recoverable(ctx context.Context, addr common.Address, asset string) (*big.Int, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::text FROM recoverable_balances WHERE addr = $1 AND asset = $2`,
		addr.Hex(), asset,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: recoverable %s/%s: %w", addr.Hex(), asset, err)
	}
	return textToBig(balance)
}

var _ domain.BalanceStore = (*BalanceStore)(nil)
