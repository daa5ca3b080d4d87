package memory

import (
	"context"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

type receiptRow struct {
	receipt domain.SettlementReceipt
}

// ReceiptStore implements domain.ReceiptStore in memory.
type ReceiptStore struct {
	s *Store
}

// Get returns the receipt with the given id.
func (rs *ReceiptStore) Get(ctx context.Context, id uint64) (domain.SettlementReceipt, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	row, ok := rs.s.receipts[id]
	if !ok {
		return domain.SettlementReceipt{}, domain.ErrNotFound
	}
	return cloneReceipt(row.receipt), nil
}

// GetByRequest returns the receipt minted for a request.
func (rs *ReceiptStore) GetByRequest(ctx context.Context, requestID uint64) (domain.SettlementReceipt, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	for _, row := range rs.s.receipts {
		if row.receipt.RequestID == requestID {
			return cloneReceipt(row.receipt), nil
		}
	}
	return domain.SettlementReceipt{}, domain.ErrNotFound
}

// Transfer reassigns ownership while the receipt is unredeemed.
func (rs *ReceiptStore) Transfer(ctx context.Context, id uint64, from, to common.Address) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	row, ok := rs.s.receipts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.receipt.Redeemed {
		return domain.ErrAlreadyRedeemed
	}
	if row.receipt.Owner != from {
		return domain.ErrUnauthorized
	}
	row.receipt.Owner = to
	return nil
}

// Redeem flips redeemed false -> true exactly once.
func (rs *ReceiptStore) Redeem(ctx context.Context, id uint64, mode domain.RedemptionMode, round *uint64, at time.Time) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	row, ok := rs.s.receipts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.receipt.Redeemed {
		return domain.ErrAlreadyRedeemed
	}
	row.receipt.Redeemed = true
	row.receipt.RedeemedMode = mode
	row.receipt.AttestationRound = round
	redeemedAt := at
	row.receipt.RedeemedAt = &redeemedAt
	return nil
}

// ListRedeemedBefore lists receipts redeemed before cutoff.
func (rs *ReceiptStore) ListRedeemedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.SettlementReceipt, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var out []domain.SettlementReceipt
	for _, row := range rs.s.receipts {
		if row.receipt.Redeemed && row.receipt.RedeemedAt != nil && row.receipt.RedeemedAt.Before(cutoff) {
			out = append(out, cloneReceipt(row.receipt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeRedeemedBefore deletes receipts redeemed before cutoff.
func (rs *ReceiptStore) PurgeRedeemedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var n int64
	for id, row := range rs.s.receipts {
		if row.receipt.Redeemed && row.receipt.RedeemedAt != nil && row.receipt.RedeemedAt.Before(cutoff) {
			delete(rs.s.receipts, id)
			n++
		}
	}
	return n, nil
}

func cloneReceipt(r domain.SettlementReceipt) domain.SettlementReceipt {
	r.Amount = cloneBig(r.Amount)
	return r
}

var _ domain.ReceiptStore = (*ReceiptStore)(nil)
