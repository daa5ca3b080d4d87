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

// ReceiptStore implements domain.ReceiptStore using PostgreSQL.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a ReceiptStore backed by the given pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

const receiptSelectCols = `id, request_id, owner_addr, provider, asset,
	amount::text, haircut_ticks, attestation_round, redeemed, redeemed_mode,
	created_at, redeemed_at`

// Get returns one receipt by id.
func (s *ReceiptStore) Get(ctx context.Context, id uint64) (domain.SettlementReceipt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+receiptSelectCols+` FROM settlement_receipts WHERE id = $1`, id)
	rec, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementReceipt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: get receipt %d: %w", id, err)
	}
	return rec, nil
}

// GetByRequest returns the receipt minted for a request.
func (s *ReceiptStore) GetByRequest(ctx context.Context, requestID uint64) (domain.SettlementReceipt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+receiptSelectCols+` FROM settlement_receipts WHERE request_id = $1`, requestID)
	rec, err := scanReceipt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementReceipt{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("postgres: get receipt for request %d: %w", requestID, err)
	}
	return rec, nil
}

// Transfer reassigns ownership of an unredeemed receipt.
func (s *ReceiptStore) Transfer(ctx context.Context, id uint64, from, to common.Address) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_receipts SET owner_addr = $1
		WHERE id = $2 AND owner_addr = $3 AND NOT redeemed`,
		to.Hex(), id, from.Hex())
	if err != nil {
		return fmt.Errorf("postgres: transfer receipt %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Redeemed {
			return domain.ErrAlreadyRedeemed
		}
		return domain.ErrUnauthorized
	}
	return nil
}

// Redeem consumes the receipt exactly once.
func (s *ReceiptStore) Redeem(ctx context.Context, id uint64, mode domain.RedemptionMode, round *uint64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_receipts
		SET redeemed = TRUE, redeemed_mode = $1, attestation_round = $2, redeemed_at = $3
		WHERE id = $4 AND NOT redeemed`,
		string(mode), round, at, id)
	if err != nil {
		return fmt.Errorf("postgres: redeem receipt %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM settlement_receipts WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check receipt %d: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyRedeemed
	}
	return nil
}

// ListRedeemedBefore returns consumed receipts redeemed before the cutoff.
func (s *ReceiptStore) ListRedeemedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.SettlementReceipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+receiptSelectCols+` FROM settlement_receipts
		WHERE redeemed AND redeemed_at < $1
		ORDER BY redeemed_at, id LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list redeemed receipts: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementReceipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeRedeemedBefore deletes consumed receipts older than the cutoff.
func (s *ReceiptStore) PurgeRedeemedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM settlement_receipts WHERE redeemed AND redeemed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge redeemed receipts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanReceipt(scanner interface{ Scan(dest ...any) error }) (domain.SettlementReceipt, error) {
	var rec domain.SettlementReceipt
	var owner, provider, amount string
	var mode *string

	err := scanner.Scan(
		&rec.ID, &rec.RequestID, &owner, &provider, &rec.Asset,
		&amount, &rec.Haircut, &rec.AttestationRound, &rec.Redeemed, &mode,
		&rec.CreatedAt, &rec.RedeemedAt,
	)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}

	rec.Owner = common.HexToAddress(owner)
	rec.Provider = common.HexToAddress(provider)
	if mode != nil {
		rec.RedeemedMode = domain.RedemptionMode(*mode)
	}
	if rec.Amount, err = textToBig(amount); err != nil {
		return domain.SettlementReceipt{}, err
	}
	return rec, nil
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
