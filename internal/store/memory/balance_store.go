package memory

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

// BalanceStore implements domain.BalanceStore in memory.
type BalanceStore struct {
	s *Store
}

// PoolBalance returns the protocol pool balance for an asset.
func (bs *BalanceStore) PoolBalance(ctx context.Context, asset string) (*big.Int, error) {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	return cloneBig(bs.s.pools[asset]), nil
}

// CreditPool adds to the pool.
func (bs *BalanceStore) CreditPool(ctx context.Context, asset string, amount *big.Int) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	bs.s.pools[asset] = add(bs.s.pools[asset], amount)
	return nil
}

// DebitPool removes from the pool, failing when the pool cannot cover it.
func (bs *BalanceStore) DebitPool(ctx context.Context, asset string, amount *big.Int) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()

	bal := bs.s.pools[asset]
	if bal == nil || bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientLiquidity
	}
	bal.Sub(bal, amount)
	return nil
}

// ChargePool removes from the pool unconditionally. Used for protocol
// subsidized fees; the pool may go negative and is topped up operationally.
func (bs *BalanceStore) ChargePool(ctx context.Context, asset string, amount *big.Int) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	bs.s.pools[asset] = sub(bs.s.pools[asset], amount)
	return nil
}

// CreditRecoverable adds to an address's recoverable balance.
func (bs *BalanceStore) CreditRecoverable(ctx context.Context, addr common.Address, asset string, amount *big.Int) error {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	key := addr.Hex() + "/" + asset
	bs.s.recoverable[key] = add(bs.s.recoverable[key], amount)
	return nil
}

// Recoverable returns an address's recoverable balance.
func (bs *BalanceStore) Recoverable(ctx context.Context, addr common.Address, asset string) (*big.Int, error) {
	bs.s.mu.Lock()
	defer bs.s.mu.Unlock()
	return cloneBig(bs.s.recoverable[addr.Hex()+"/"+asset]), nil
}

func add(bal, amount *big.Int) *big.Int {
	if bal == nil {
		bal = big.NewInt(0)
	}
	return bal.Add(bal, amount)
}

func sub(bal, amount *big.Int) *big.Int {
	if bal == nil {
		bal = big.NewInt(0)
	}
	return bal.Sub(bal, amount)
}

var _ domain.BalanceStore = (*BalanceStore)(nil)

type auditRow struct {
	id        int64
	event     string
	detail    map[string]any
	createdAt time.Time
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	s *Store
}

// Log appends an audit entry.
func (as *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()

	as.s.audit = append(as.s.audit, auditRow{
		id:        int64(len(as.s.audit) + 1),
		event:     event,
		detail:    detail,
		createdAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries, newest first.
func (as *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()

	out := make([]domain.AuditEntry, 0, len(as.s.audit))
	for _, row := range as.s.audit {
		out = append(out, domain.AuditEntry{
			ID:        row.id,
			Event:     row.event,
			Detail:    row.detail,
			CreatedAt: row.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
