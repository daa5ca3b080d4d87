package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/escrow"
	"github.com/velobridge/settle/internal/notify"
)

// Sweeper scans for escrow entries whose provider delay budget has run out
// and refunds them. Expiry is computed from recorded timestamps, so a sweep
// over the same state is idempotent regardless of wall-clock drift between
// runs.
type Sweeper struct {
	interval time.Duration
	lockTTL  time.Duration
	escrows  domain.EscrowStore
	requests domain.RequestStore
	ledger   *escrow.Ledger
	bus      domain.SignalBus
	locks    domain.LockManager
	audit    domain.AuditStore
	notifier OutcomeNotifier
	logger   *slog.Logger
	now      func() time.Time

	// Pool watch, optional. When set, every sweep tick also checks each
	// asset's pool balance against the low watermark.
	balances      domain.BalanceStore
	watchAssets   []string
	lowWatermark  *big.Int
	lowPoolAlerts map[string]bool
}

// NewSweeper creates a Sweeper.
func NewSweeper(
	interval time.Duration,
	escrows domain.EscrowStore,
	requests domain.RequestStore,
	ledger *escrow.Ledger,
	bus domain.SignalBus,
	locks domain.LockManager,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		interval: interval,
		lockTTL:  30 * time.Second,
		escrows:  escrows,
		requests: requests,
		ledger:   ledger,
		bus:      bus,
		locks:    locks,
		audit:    audit,
		logger:   logger.With(slog.String("component", "timeout_sweeper")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the sweeper clock. Intended for tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// SetNotifier wires operator notifications for refunds and pool alerts.
// Optional.
func (s *Sweeper) SetNotifier(n OutcomeNotifier) { s.notifier = n }

// SetPoolWatch enables low-watermark monitoring of the shared pool for the
// given assets. An alert fires when a pool balance drops below the watermark
// and re-arms once it recovers.
func (s *Sweeper) SetPoolWatch(balances domain.BalanceStore, assets []string, lowWatermark *big.Int) {
	s.balances = balances
	s.watchAssets = assets
	s.lowWatermark = lowWatermark
	s.lowPoolAlerts = make(map[string]bool, len(assets))
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.InfoContext(ctx, "sweep refunded escrows", slog.Int("count", n))
			}
			s.CheckPools(ctx)
		}
	}
}

const sweepBatch = 256

// SweepOnce refunds every expired escrow entry as of one snapshot of the
// clock and returns how many were refunded. Entries that raced a settlement
// are skipped, not errors.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	asOf := s.now()
	refunded := 0
	for {
		expired, err := s.escrows.ListExpired(ctx, asOf, sweepBatch)
		if err != nil {
			return refunded, fmt.Errorf("reconcile: list expired escrows: %w", err)
		}
		progressed := false
		for _, entry := range expired {
			ok, err := s.refund(ctx, entry)
			if err != nil {
				s.logger.WarnContext(ctx, "refund failed",
					slog.Uint64("request_id", entry.RequestID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				refunded++
				progressed = true
			}
		}
		if len(expired) < sweepBatch || !progressed {
			return refunded, nil
		}
	}
}

func (s *Sweeper) refund(ctx context.Context, entry domain.EscrowEntry) (bool, error) {
	unlock, err := s.locks.Acquire(ctx, requestLockKey(entry.RequestID), s.lockTTL)
	if err != nil {
		return false, fmt.Errorf("lock request %d: %w", entry.RequestID, err)
	}
	defer unlock()

	req, err := s.requests.Get(ctx, entry.RequestID)
	if err != nil {
		return false, fmt.Errorf("get request %d: %w", entry.RequestID, err)
	}
	if req.Status != domain.RequestStatusEscrowCreated {
		// An attestation won the race while we waited for the lock.
		return false, nil
	}

	if err := s.ledger.Refund(ctx, req); err != nil {
		return false, fmt.Errorf("refund request %d: %w", req.ID, err)
	}
	if err := s.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusEscrowCreated, domain.RequestStatusQueuedStandard); err != nil {
		return false, fmt.Errorf("requeue request %d: %w", req.ID, err)
	}

	s.logger.InfoContext(ctx, "escrow refunded on timeout",
		slog.Uint64("request_id", req.ID),
		slog.String("provider", entry.Provider.Hex()),
		slog.Duration("max_delay", entry.MaxDelay),
	)
	if err := s.audit.Log(ctx, "escrow_refunded", map[string]any{
		"request_id": req.ID,
		"provider":   entry.Provider.Hex(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	evt, err := json.Marshal(domain.SettlementEvent{
		EventID:   uuid.New().String(),
		RequestID: req.ID,
		Outcome:   "refunded",
		At:        s.now(),
	})
	if err == nil {
		if err := s.bus.StreamAppend(ctx, domain.StreamSettlements, evt); err != nil {
			s.logger.WarnContext(ctx, "append refund event failed",
				slog.Uint64("request_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, notify.EventEscrowRefunded, "escrow refunded on timeout", map[string]any{
			"request_id": req.ID,
			"provider":   entry.Provider.Hex(),
			"asset":      req.Asset,
			"amount":     req.Amount.String(),
		})
		if err != nil {
			s.logger.WarnContext(ctx, "refund notification failed", slog.String("error", err.Error()))
		}
	}
	return true, nil
}

// CheckPools fires a pool_low alert for every watched asset whose pool
// balance sits below the low watermark. Alerts are edge-triggered: one per
// excursion below the watermark, re-armed on recovery.
func (s *Sweeper) CheckPools(ctx context.Context) {
	if s.balances == nil || s.notifier == nil || s.lowWatermark == nil {
		return
	}

	for _, asset := range s.watchAssets {
		balance, err := s.balances.PoolBalance(ctx, asset)
		if err != nil {
			s.logger.WarnContext(ctx, "pool balance check failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
			continue
		}

		low := balance.Cmp(s.lowWatermark) < 0
		if low && !s.lowPoolAlerts[asset] {
			err := s.notifier.Notify(ctx, notify.EventPoolLow, "pool balance below watermark", map[string]any{
				"asset":     asset,
				"balance":   balance.String(),
				"watermark": s.lowWatermark.String(),
			})
			if err != nil {
				s.logger.WarnContext(ctx, "pool alert failed", slog.String("error", err.Error()))
			}
		}
		s.lowPoolAlerts[asset] = low
	}
}
