package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velobridge/settle/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates an EscrowStore backed by the given pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

// Create inserts the escrow entry and mints its receipt in one transaction.
func (s *EscrowStore) Create(ctx context.Context, entry domain.EscrowEntry, receipt domain.SettlementReceipt) (domain.SettlementReceipt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: begin escrow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertEntry = `
		INSERT INTO escrow_entries (
			request_id, provider, asset, locked_amount, haircut_ticks,
			max_delay_seconds, state, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, 'escrowed', $7)`

	if _, err := tx.Exec(ctx, insertEntry,
		entry.RequestID, entry.Provider.Hex(), entry.Asset,
		bigToText(entry.LockedAmount), entry.Haircut,
		int64(entry.MaxDelay/time.Second), entry.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return domain.SettlementReceipt{}, domain.ErrAlreadyExists
		}
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: insert escrow entry %d: %w", entry.RequestID, err)
	}

	const insertReceipt = `
		INSERT INTO settlement_receipts (
			request_id, owner_addr, provider, asset, amount,
			haircut_ticks, created_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		RETURNING id`

	receipt.RequestID = entry.RequestID
	receipt.Redeemed = false
	if err := tx.QueryRow(ctx, insertReceipt,
		entry.RequestID, receipt.Owner.Hex(), receipt.Provider.Hex(),
		receipt.Asset, bigToText(receipt.Amount), receipt.Haircut, receipt.CreatedAt,
	).Scan(&receipt.ID); err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: mint receipt for %d: %w", entry.RequestID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: commit escrow tx: %w", err)
	}
	return receipt, nil
}

// Get returns the escrow entry for a request.
func (s *EscrowStore) Get(ctx context.Context, requestID uint64) (domain.EscrowEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT request_id, provider, asset, locked_amount::text, haircut_ticks,
			max_delay_seconds, state, early_redeemed, created_at, closed_at
		FROM escrow_entries WHERE request_id = $1`, requestID)
	entry, err := scanEscrowEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EscrowEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.EscrowEntry{}, fmt.Errorf("postgres: get escrow entry %d: %w", requestID, err)
	}
	return entry, nil
}

// Transition conditionally moves the entry from one state to another.
func (s *EscrowStore) Transition(ctx context.Context, requestID uint64, from, to domain.EscrowState, at time.Time) error {
	if !from.CanTransitionTo(to) {
		return domain.ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_entries SET state = $1, closed_at = $2
		WHERE request_id = $3 AND state = $4`,
		string(to), at, requestID, string(from))
	if err != nil {
		return fmt.Errorf("postgres: escrow transition %d: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM escrow_entries WHERE request_id = $1)", requestID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check escrow entry %d: %w", requestID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkEarlyRedeemed flags an open entry as early-redeemed.
func (s *EscrowStore) MarkEarlyRedeemed(ctx context.Context, requestID uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrow_entries SET early_redeemed = TRUE
		WHERE request_id = $1 AND state = 'escrowed'`, requestID)
	if err != nil {
		return fmt.Errorf("postgres: mark early redeemed %d: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM escrow_entries WHERE request_id = $1)", requestID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check escrow entry %d: %w", requestID, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrEscrowClosed
	}
	return nil
}

// ListExpired lists open entries whose refund deadline has passed as of asOf.
func (s *EscrowStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]domain.EscrowEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, provider, asset, locked_amount::text, haircut_ticks,
			max_delay_seconds, state, early_redeemed, created_at, closed_at
		FROM escrow_entries
		WHERE state = 'escrowed'
			AND created_at + make_interval(secs => max_delay_seconds) <= $1
		ORDER BY request_id LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired escrows: %w", err)
	}
	defer rows.Close()

	var out []domain.EscrowEntry
	for rows.Next() {
		entry, err := scanEscrowEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEscrowEntry(scanner interface{ Scan(dest ...any) error }) (domain.EscrowEntry, error) {
	var entry domain.EscrowEntry
	var provider, amount, state string
	var delaySeconds int64

	err := scanner.Scan(
		&entry.RequestID, &provider, &entry.Asset, &amount, &entry.Haircut,
		&delaySeconds, &state, &entry.EarlyRedeemed, &entry.CreatedAt, &entry.ClosedAt,
	)
	if err != nil {
		return domain.EscrowEntry{}, err
	}

	entry.Provider = common.HexToAddress(provider)
	entry.State = domain.EscrowState(state)
	entry.MaxDelay = time.Duration(delaySeconds) * time.Second
	if entry.LockedAmount, err = textToBig(amount); err != nil {
		return domain.EscrowEntry{}, err
	}
	return entry, nil
}

var _ domain.EscrowStore = (*EscrowStore)(nil)
