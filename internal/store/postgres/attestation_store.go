package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velobridge/settle/internal/domain"
)

// AttestationStore implements domain.AttestationStore using PostgreSQL. The
// (request_id, round) primary key is what makes attestation delivery
// idempotent across every engine instance.
type AttestationStore struct {
	pool *pgxpool.Pool
}

// NewAttestationStore creates an AttestationStore backed by the given pool.
func NewAttestationStore(pool *pgxpool.Pool) *AttestationStore {
	return &AttestationStore{pool: pool}
}

// Record inserts the attestation, returning ErrAlreadyExists on a duplicate
// (requestID, round).
func (s *AttestationStore) Record(ctx context.Context, att domain.Attestation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attestations (request_id, round, external_tx_ref, success, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		att.RequestID, att.Round, att.ExternalTxRef.Hex(), att.Success, att.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: record attestation %d/%d: %w", att.RequestID, att.Round, err)
	}
	return nil
}

// ListByRequest returns every recorded attestation for a request, in round
// order.
func (s *AttestationStore) ListByRequest(ctx context.Context, requestID uint64) ([]domain.Attestation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, round, external_tx_ref, success, received_at
		FROM attestations WHERE request_id = $1 ORDER BY round`, requestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attestations for %d: %w", requestID, err)
	}
	defer rows.Close()

	var out []domain.Attestation
	for rows.Next() {
		var att domain.Attestation
		var txRef string
		if err := rows.Scan(&att.RequestID, &att.Round, &txRef, &att.Success, &att.ReceivedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan attestation: %w", err)
		}
		att.ExternalTxRef = common.HexToHash(txRef)
		out = append(out, att)
	}
	return out, rows.Err()
}

var _ domain.AttestationStore = (*AttestationStore)(nil)
