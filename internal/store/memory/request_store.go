package memory

import (
	"context"
	"sort"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

type requestRow struct {
	req domain.Request
}

// RequestStore implements domain.RequestStore in memory.
type RequestStore struct {
	s *Store
}

// Create inserts a request and assigns the next monotonic id.
func (rs *RequestStore) Create(ctx context.Context, req domain.Request) (domain.Request, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	req.ID = rs.s.nextRequest
	rs.s.nextRequest++
	req.Amount = cloneBig(req.Amount)
	rs.s.requests[req.ID] = &requestRow{req: req}
	return req, nil
}

// Get returns the request with the given id.
func (rs *RequestStore) Get(ctx context.Context, id uint64) (domain.Request, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	row, ok := rs.s.requests[id]
	if !ok {
		return domain.Request{}, domain.ErrNotFound
	}
	out := row.req
	out.Amount = cloneBig(out.Amount)
	return out, nil
}

// UpdateStatus conditionally moves the request from one status to another.
func (rs *RequestStore) UpdateStatus(ctx context.Context, id uint64, from, to domain.RequestStatus) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	row, ok := rs.s.requests[id]
	if !ok {
		return domain.ErrNotFound
	}
	if row.req.Status != from {
		return domain.ErrInvalidTransition
	}
	row.req.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		row.req.FinalizedAt = &now
	}
	return nil
}

// ListByStatus lists requests with the given status, oldest first.
func (rs *RequestStore) ListByStatus(ctx context.Context, status domain.RequestStatus, opts domain.ListOpts) ([]domain.Request, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var out []domain.Request
	for _, row := range rs.s.requests {
		if row.req.Status == status {
			r := row.req
			r.Amount = cloneBig(r.Amount)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, opts), nil
}

// ListTerminalBefore lists terminal requests finalized before cutoff.
func (rs *RequestStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Request, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var out []domain.Request
	for _, row := range rs.s.requests {
		if row.req.Status.Terminal() && row.req.FinalizedAt != nil && row.req.FinalizedAt.Before(cutoff) {
			r := row.req
			r.Amount = cloneBig(r.Amount)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeTerminalBefore deletes terminal requests finalized before cutoff.
func (rs *RequestStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var n int64
	for id, row := range rs.s.requests {
		if row.req.Status.Terminal() && row.req.FinalizedAt != nil && row.req.FinalizedAt.Before(cutoff) {
			delete(rs.s.requests, id)
			n++
		}
	}
	return n, nil
}

func paginate(rows []domain.Request, opts domain.ListOpts) []domain.Request {
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return nil
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

var _ domain.RequestStore = (*RequestStore)(nil)
