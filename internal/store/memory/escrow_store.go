package memory

import (
	"context"
	"sort"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

type escrowRow struct {
	entry domain.EscrowEntry
}

// EscrowStore implements domain.EscrowStore in memory.
type EscrowStore struct {
	s *Store
}

// Create inserts the escrow entry and mints its receipt in one atomic step.
func (es *EscrowStore) Create(ctx context.Context, entry domain.EscrowEntry, receipt domain.SettlementReceipt) (domain.SettlementReceipt, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	if _, ok := es.s.escrows[entry.RequestID]; ok {
		return domain.SettlementReceipt{}, domain.ErrAlreadyExists
	}
	entry.LockedAmount = cloneBig(entry.LockedAmount)
	entry.State = domain.EscrowStateEscrowed
	es.s.escrows[entry.RequestID] = &escrowRow{entry: entry}

	receipt.ID = es.s.nextReceipt
	es.s.nextReceipt++
	receipt.RequestID = entry.RequestID
	receipt.Amount = cloneBig(receipt.Amount)
	receipt.Redeemed = false
	es.s.receipts[receipt.ID] = &receiptRow{receipt: receipt}
	return receipt, nil
}

// Get returns the escrow entry for a request.
func (es *EscrowStore) Get(ctx context.Context, requestID uint64) (domain.EscrowEntry, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	row, ok := es.s.escrows[requestID]
	if !ok {
		return domain.EscrowEntry{}, domain.ErrNotFound
	}
	out := row.entry
	out.LockedAmount = cloneBig(out.LockedAmount)
	return out, nil
}

// Transition conditionally moves the entry from one state to another.
func (es *EscrowStore) Transition(ctx context.Context, requestID uint64, from, to domain.EscrowState, at time.Time) error {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	row, ok := es.s.escrows[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.entry.State != from || !from.CanTransitionTo(to) {
		return domain.ErrInvalidTransition
	}
	row.entry.State = to
	closed := at
	row.entry.ClosedAt = &closed
	return nil
}

// MarkEarlyRedeemed flags an open entry as early-redeemed.
func (es *EscrowStore) MarkEarlyRedeemed(ctx context.Context, requestID uint64) error {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	row, ok := es.s.escrows[requestID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.entry.State != domain.EscrowStateEscrowed {
		return domain.ErrEscrowClosed
	}
	row.entry.EarlyRedeemed = true
	return nil
}

// ListExpired lists open entries whose refund deadline has passed as of asOf.
func (es *EscrowStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]domain.EscrowEntry, error) {
	es.s.mu.Lock()
	defer es.s.mu.Unlock()

	var out []domain.EscrowEntry
	for _, row := range es.s.escrows {
		if row.entry.Expired(asOf) {
			e := row.entry
			e.LockedAmount = cloneBig(e.LockedAmount)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.EscrowStore = (*EscrowStore)(nil)
