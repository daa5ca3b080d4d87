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

// RequestStore implements domain.RequestStore using PostgreSQL.
type RequestStore struct {
	pool *pgxpool.Pool
}

// NewRequestStore creates a RequestStore backed by the given connection pool.
func NewRequestStore(pool *pgxpool.Pool) *RequestStore {
	return &RequestStore{pool: pool}
}

// Create inserts a new request and returns it with its assigned id.
func (s *RequestStore) Create(ctx context.Context, req domain.Request) (domain.Request, error) {
	const query = `
		INSERT INTO requests (
			kind, requester, asset, amount, external_address,
			price_snapshot, status, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		string(req.Kind), req.Requester.Hex(), req.Asset, bigToText(req.Amount),
		req.ExternalAddress, req.PriceSnapshot, string(req.Status), req.CreatedAt,
	).Scan(&req.ID)
	if err != nil {
		return domain.Request{}, fmt.Errorf("postgres: create request: %w", err)
	}
	return req, nil
}

const requestSelectCols = `id, kind, requester, asset, amount::text,
	external_address, price_snapshot, status, created_at, finalized_at`

// Get returns one request by id.
func (s *RequestStore) Get(ctx context.Context, id uint64) (domain.Request, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+requestSelectCols+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Request{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Request{}, fmt.Errorf("postgres: get request %d: %w", id, err)
	}
	return req, nil
}

// UpdateStatus conditionally moves a request between statuses. The finalized
// timestamp is set on entry into a terminal status.
func (s *RequestStore) UpdateStatus(ctx context.Context, id uint64, from, to domain.RequestStatus) error {
	var query string
	if to.Terminal() {
		query = `UPDATE requests SET status = $1, finalized_at = NOW()
			WHERE id = $2 AND status = $3`
	} else {
		query = `UPDATE requests SET status = $1 WHERE id = $2 AND status = $3`
	}

	tag, err := s.pool.Exec(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: update request status %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost transition race.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM requests WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check request %d: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

// ListByStatus returns requests in one status, oldest first.
func (s *RequestStore) ListByStatus(ctx context.Context, status domain.RequestStatus, opts domain.ListOpts) ([]domain.Request, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestSelectCols+` FROM requests
		WHERE status = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		string(status), limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list requests by status: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListTerminalBefore returns finalized or failed requests whose terminal
// timestamp is older than the cutoff.
func (s *RequestStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+requestSelectCols+` FROM requests
		WHERE status IN ('finalized', 'failed') AND finalized_at < $1
		ORDER BY finalized_at, id LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// PurgeTerminalBefore deletes terminal requests older than the cutoff and
// returns how many were removed.
func (s *RequestStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM requests
		WHERE status IN ('finalized', 'failed') AND finalized_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge terminal requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRequest(scanner interface{ Scan(dest ...any) error }) (domain.Request, error) {
	var req domain.Request
	var kind, requester, amount, status string

	err := scanner.Scan(
		&req.ID, &kind, &requester, &req.Asset, &amount,
		&req.ExternalAddress, &req.PriceSnapshot, &status,
		&req.CreatedAt, &req.FinalizedAt,
	)
	if err != nil {
		return domain.Request{}, err
	}

	req.Kind = domain.RequestKind(kind)
	req.Requester = common.HexToAddress(requester)
	req.Status = domain.RequestStatus(status)
	req.Amount, err = textToBig(amount)
	if err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

func collectRequests(rows pgx.Rows) ([]domain.Request, error) {
	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

var _ domain.RequestStore = (*RequestStore)(nil)
