// Package agent is a reference execution agent. It consumes escrow-created
// facts from the signal bus and attempts the external-ledger payment through
// an opaque executor. The agent reports nothing back to the core: whether a
// payment landed is the attestation oracle's call alone, so agent failures
// cost the agent an opportunity and nothing else.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

// PaymentExecutor submits one external-ledger payment for an escrow event and
// returns the ledger transaction reference. Implementations talk to whatever
// ledger the asset lives on; the agent never inspects the result beyond
// logging it.
type PaymentExecutor interface {
	Pay(ctx context.Context, ev domain.EscrowCreatedEvent) (txRef string, err error)
}

// Agent subscribes to escrow-created events, applies deduplication and
// deadline checks, then pays through the PaymentExecutor.
type Agent struct {
	bus      domain.SignalBus
	executor PaymentExecutor
	dedup    *Dedup
	logger   *slog.Logger

	cleanupInterval time.Duration
	now             func() time.Time
}

// New creates an Agent consuming from bus and paying via executor.
func New(bus domain.SignalBus, executor PaymentExecutor, logger *slog.Logger) *Agent {
	return &Agent{
		bus:             bus,
		executor:        executor,
		dedup:           NewDedup(2 * time.Minute),
		logger:          logger.With(slog.String("component", "agent")),
		cleanupInterval: 30 * time.Second,
		now:             time.Now,
	}
}

// SetDedupTTL replaces the dedup instance with a new one using the given TTL.
func (a *Agent) SetDedupTTL(ttl time.Duration) {
	a.dedup = NewDedup(ttl)
}

// SetClock overrides the time source for tests.
func (a *Agent) SetClock(now func() time.Time) { a.now = now }

// Run subscribes and processes events until the context is cancelled or the
// subscription channel closes.
func (a *Agent) Run(ctx context.Context) error {
	events, err := a.bus.Subscribe(ctx, domain.ChannelEscrowCreated)
	if err != nil {
		return err
	}

	a.logger.Info("agent started")
	defer a.logger.Info("agent stopped")

	cleanupTicker := time.NewTicker(a.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case payload, ok := <-events:
			if !ok {
				return nil
			}
			a.process(ctx, payload)

		case <-cleanupTicker.C:
			a.dedup.Cleanup()
		}
	}
}

// process handles a single escrow-created payload through dedup, deadline
// check, and payment.
func (a *Agent) process(ctx context.Context, payload []byte) {
	var ev domain.EscrowCreatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.logger.Warn("dropping malformed escrow event", slog.String("error", err.Error()))
		return
	}

	log := a.logger.With(
		slog.String("event_id", ev.EventID),
		slog.Uint64("request_id", ev.RequestID),
		slog.String("asset", ev.Asset),
	)

	if a.dedup.IsDuplicate(ev.EventID) {
		log.Debug("event deduplicated, skipping")
		return
	}

	// A payment that cannot land before the escrow deadline would be refunded
	// out from under us; skip it.
	if !ev.Deadline.IsZero() && a.now().UTC().After(ev.Deadline) {
		log.Warn("escrow deadline passed, skipping", slog.Time("deadline", ev.Deadline))
		return
	}

	txRef, err := a.executor.Pay(ctx, ev)
	if err != nil {
		log.Error("payment failed", slog.String("error", err.Error()))
		return
	}

	log.Info("payment submitted",
		slog.String("tx_ref", txRef),
		slog.String("amount", ev.Amount),
		slog.String("external_address", ev.ExternalAddress),
	)
}
