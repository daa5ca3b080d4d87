package memory

import (
	"context"
	"sort"

	"github.com/velobridge/settle/internal/domain"
)

// AttestationStore implements domain.AttestationStore in memory.
type AttestationStore struct {
	s *Store
}

// Record stores an attestation, rejecting duplicate (requestID, round) pairs.
func (as *AttestationStore) Record(ctx context.Context, att domain.Attestation) error {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()

	key := attKey{requestID: att.RequestID, round: att.Round}
	if _, ok := as.s.attestations[key]; ok {
		return domain.ErrAlreadyExists
	}
	as.s.attestations[key] = struct{}{}
	as.s.attRows = append(as.s.attRows, att)
	return nil
}

// ListByRequest lists attestations recorded for a request, by round.
func (as *AttestationStore) ListByRequest(ctx context.Context, requestID uint64) ([]domain.Attestation, error) {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()

	var out []domain.Attestation
	for _, att := range as.s.attRows {
		if att.RequestID == requestID {
			out = append(out, att)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

var _ domain.AttestationStore = (*AttestationStore)(nil)
