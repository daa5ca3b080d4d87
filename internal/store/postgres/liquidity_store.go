package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velobridge/settle/internal/domain"
)

// LiquidityStore implements domain.LiquidityStore using PostgreSQL. Balance
// movements are single conditional UPDATEs; an unmatched condition surfaces
// as a domain error, never a partial write.
type LiquidityStore struct {
	pool *pgxpool.Pool
}

// NewLiquidityStore creates a LiquidityStore backed by the given pool.
func NewLiquidityStore(pool *pgxpool.Pool) *LiquidityStore {
	return &LiquidityStore{pool: pool}
}

// Deposit adds amount to both deposited and available in a single statement,
// creating the position on first deposit. The additive ON CONFLICT update
// never overwrites a concurrent Reserve, Withdraw, or Consume.
func (s *LiquidityStore) Deposit(ctx context.Context, provider common.Address, asset string, amount *big.Int, minFee int64, maxDelay time.Duration, at time.Time) (domain.LiquidityPosition, error) {
	const query = `
		INSERT INTO liquidity_positions (
			provider, asset, deposited, available, min_fee_ticks,
			max_delay_seconds, total_earned, active, deposited_at
		) VALUES ($1, $2, $3::numeric, $3::numeric, $4, $5, 0, TRUE, $6)
		ON CONFLICT (provider, asset) DO UPDATE SET
			deposited = liquidity_positions.deposited + EXCLUDED.deposited,
			available = liquidity_positions.available + EXCLUDED.available,
			min_fee_ticks = EXCLUDED.min_fee_ticks,
			max_delay_seconds = EXCLUDED.max_delay_seconds,
			active = TRUE
		RETURNING ` + positionSelectCols

	row := s.pool.QueryRow(ctx, query,
		provider.Hex(), asset, bigToText(amount),
		minFee, int64(maxDelay/time.Second), at,
	)
	pos, err := scanPosition(row)
	if err != nil {
		return domain.LiquidityPosition{}, fmt.Errorf("postgres: deposit %s/%s: %w", provider.Hex(), asset, err)
	}
	return pos, nil
}

const positionSelectCols = `provider, asset, deposited::text, available::text,
	min_fee_ticks, max_delay_seconds, total_earned::text, active, deposited_at`

// Get returns one position.
func (s *LiquidityStore) Get(ctx context.Context, provider common.Address, asset string) (domain.LiquidityPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM liquidity_positions
		WHERE provider = $1 AND asset = $2`,
		provider.Hex(), asset)
	pos, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LiquidityPosition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LiquidityPosition{}, fmt.Errorf("postgres: get position: %w", err)
	}
	return pos, nil
}

// ListActive returns every active position in an asset.
func (s *LiquidityStore) ListActive(ctx context.Context, asset string) ([]domain.LiquidityPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM liquidity_positions
		WHERE asset = $1 AND active ORDER BY deposited_at, provider`,
		asset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.LiquidityPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// Reserve atomically moves amount from available into the reserved share.
func (s *LiquidityStore) Reserve(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	return s.conditionalMove(ctx, provider, asset, amount,
		`UPDATE liquidity_positions
		SET available = available - $3::numeric
		WHERE provider = $1 AND asset = $2 AND active AND available >= $3::numeric`,
		domain.ErrInsufficientAvailable)
}

// Release restores reserved capital to available, capped at deposited.
func (s *LiquidityStore) Release(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	return s.conditionalMove(ctx, provider, asset, amount,
		`UPDATE liquidity_positions
		SET available = LEAST(available + $3::numeric, deposited)
		WHERE provider = $1 AND asset = $2`,
		nil)
}

// Consume permanently removes reserved capital from the position.
func (s *LiquidityStore) Consume(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	return s.conditionalMove(ctx, provider, asset, amount,
		`UPDATE liquidity_positions
		SET deposited = deposited - $3::numeric
		WHERE provider = $1 AND asset = $2
			AND deposited - available >= $3::numeric`,
		domain.ErrInsufficientAvailable)
}

// AddEarnings credits a settlement fee to the provider's running total.
func (s *LiquidityStore) AddEarnings(ctx context.Context, provider common.Address, asset string, fee *big.Int) error {
	return s.conditionalMove(ctx, provider, asset, fee,
		`UPDATE liquidity_positions
		SET total_earned = total_earned + $3::numeric
		WHERE provider = $1 AND asset = $2`,
		nil)
}

// Withdraw removes unreserved capital, deactivating the position when the
// deposit reaches zero.
func (s *LiquidityStore) Withdraw(ctx context.Context, provider common.Address, asset string, amount *big.Int) error {
	return s.conditionalMove(ctx, provider, asset, amount,
		`UPDATE liquidity_positions
		SET deposited = deposited - $3::numeric,
			available = available - $3::numeric,
			active = (deposited - $3::numeric) > 0
		WHERE provider = $1 AND asset = $2 AND available >= $3::numeric`,
		domain.ErrInsufficientAvailable)
}

// conditionalMove runs a guarded balance UPDATE. condErr is returned when the
// guard rejects the row but the position exists; a missing position is always
// ErrNotFound.
func (s *LiquidityStore) conditionalMove(ctx context.Context, provider common.Address, asset string, amount *big.Int, query string, condErr error) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidRequest
	}
	tag, err := s.pool.Exec(ctx, query, provider.Hex(), asset, bigToText(amount))
	if err != nil {
		return fmt.Errorf("postgres: position update %s/%s: %w", provider.Hex(), asset, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM liquidity_positions WHERE provider = $1 AND asset = $2)`,
			provider.Hex(), asset,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check position %s/%s: %w", provider.Hex(), asset, err)
		}
		if !exists || condErr == nil {
			return domain.ErrNotFound
		}
		return condErr
	}
	return nil
}

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.LiquidityPosition, error) {
	var pos domain.LiquidityPosition
	var provider, deposited, available, earned string
	var delaySeconds int64

	err := scanner.Scan(
		&provider, &pos.Asset, &deposited, &available,
		&pos.MinFee, &delaySeconds, &earned, &pos.Active, &pos.DepositedAt,
	)
	if err != nil {
		return domain.LiquidityPosition{}, err
	}

	pos.Provider = common.HexToAddress(provider)
	pos.MaxDelay = time.Duration(delaySeconds) * time.Second
	if pos.Deposited, err = textToBig(deposited); err != nil {
		return domain.LiquidityPosition{}, err
	}
	if pos.Available, err = textToBig(available); err != nil {
		return domain.LiquidityPosition{}, err
	}
	if pos.TotalEarned, err = textToBig(earned); err != nil {
		return domain.LiquidityPosition{}, err
	}
	return pos, nil
}

var _ domain.LiquidityStore = (*LiquidityStore)(nil)
