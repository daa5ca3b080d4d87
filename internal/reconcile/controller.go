// Package reconcile orchestrates the settlement request lifecycle: intake,
// scoring, liquidity matching, escrow, and the attestation-driven
// finalization or unwind. Fast settlement is strictly an optimization layer:
// every fast-path precondition failure degrades the request to the standard
// attestation-only path, never to an error and never to fund loss.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/escrow"
	"github.com/velobridge/settle/internal/liquidity"
	"github.com/velobridge/settle/internal/notify"
	"github.com/velobridge/settle/internal/scoring"
)

// AgentStatsSource supplies the execution-agent track record used by the
// scoring engine. Advisory input; a missing record scores conservatively.
type AgentStatsSource interface {
	Stats(ctx context.Context, asset string) (successRate int64, stake *big.Int, err error)
}

// StaticAgentStats is an AgentStatsSource with fixed values, used when no
// live agent registry is wired.
type StaticAgentStats struct {
	SuccessRate int64
	Stake       *big.Int
}

// Stats returns the configured values.
func (s StaticAgentStats) Stats(ctx context.Context, asset string) (int64, *big.Int, error) {
	return s.SuccessRate, s.Stake, nil
}

// OutcomeNotifier carries operator alerts for outcomes that deserve attention
// outside the logs. Satisfied by notify.Notifier.
type OutcomeNotifier interface {
	Notify(ctx context.Context, eventType, title string, detail map[string]any) error
}

// Config holds controller parameters.
type Config struct {
	// Assets is the set of assets accepted at intake.
	Assets []string
	// DelayBudget is the attestation window a matched provider must be
	// willing to wait out.
	DelayBudget time.Duration
	// LockTTL bounds how long one lifecycle step may hold a request lock.
	LockTTL time.Duration
}

// IntakeParams are the caller-supplied fields of a new request.
type IntakeParams struct {
	Kind            domain.RequestKind
	Requester       common.Address
	Asset           string
	Amount          *big.Int
	ExternalAddress string
}

// Controller drives requests through their lifecycle. All state transitions
// go through conditional store updates under the per-request lock, so no
// partial transition is ever observable.
type Controller struct {
	cfg      Config
	requests domain.RequestStore
	engine   *scoring.Engine
	registry *liquidity.Registry
	ledger   *escrow.Ledger
	receipts domain.ReceiptStore
	balances domain.BalanceStore
	attests  domain.AttestationStore
	prices   domain.PriceCache
	bus      domain.SignalBus
	locks    domain.LockManager
	agents   AgentStatsSource
	audit    domain.AuditStore
	notifier OutcomeNotifier
	logger   *slog.Logger
	now      func() time.Time

	// lastFailure records the most recent forfeit per asset; it feeds the
	// scoring time factor.
	failureMu   sync.Mutex
	lastFailure map[string]time.Time
}

// NewController creates a Controller.
func NewController(
	cfg Config,
	requests domain.RequestStore,
	engine *scoring.Engine,
	registry *liquidity.Registry,
	ledger *escrow.Ledger,
	receipts domain.ReceiptStore,
	balances domain.BalanceStore,
	attests domain.AttestationStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	locks domain.LockManager,
	agents AgentStatsSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Controller {
	if cfg.DelayBudget <= 0 {
		cfg.DelayBudget = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Controller{
		cfg:         cfg,
		requests:    requests,
		engine:      engine,
		registry:    registry,
		ledger:      ledger,
		receipts:    receipts,
		balances:    balances,
		attests:     attests,
		prices:      prices,
		bus:         bus,
		locks:       locks,
		agents:      agents,
		audit:       audit,
		logger:      logger.With(slog.String("component", "reconciliation_controller")),
		now:         func() time.Time { return time.Now().UTC() },
		lastFailure: make(map[string]time.Time),
	}
}

// SetClock overrides the controller clock. Intended for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// SetNotifier wires operator notifications for forfeits. Optional.
func (c *Controller) SetNotifier(n OutcomeNotifier) { c.notifier = n }

// Intake validates and admits a new settlement request, locks the requester's
// funds under it, and immediately drives it to its post-scoring state. A
// degraded (standard-path) outcome is a successful intake, not an error.
func (c *Controller) Intake(ctx context.Context, params IntakeParams) (domain.Request, error) {
	if err := c.validate(params); err != nil {
		return domain.Request{}, err
	}

	price, _, _, err := c.prices.GetPrice(ctx, params.Asset)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.WarnContext(ctx, "price snapshot unavailable",
			slog.String("asset", params.Asset),
			slog.String("error", err.Error()),
		)
	}

	req, err := c.requests.Create(ctx, domain.Request{
		Kind:            params.Kind,
		Requester:       params.Requester,
		Asset:           params.Asset,
		Amount:          new(big.Int).Set(params.Amount),
		ExternalAddress: params.ExternalAddress,
		PriceSnapshot:   price,
		Status:          domain.RequestStatusPending,
		CreatedAt:       c.now(),
	})
	if err != nil {
		return domain.Request{}, fmt.Errorf("reconcile: create request: %w", err)
	}

	c.auditLog(ctx, "request_intake", map[string]any{
		"request_id": req.ID,
		"kind":       string(req.Kind),
		"requester":  req.Requester.Hex(),
		"asset":      req.Asset,
		"amount":     req.Amount.String(),
	})

	return c.Process(ctx, req)
}

// Process scores a pending request and routes it to the fast path or the
// standard path. Liquidity unavailability and scoring ineligibility are
// normal outcomes; only store faults surface as errors.
func (c *Controller) Process(ctx context.Context, req domain.Request) (domain.Request, error) {
	unlock, err := c.locks.Acquire(ctx, requestLockKey(req.ID), c.cfg.LockTTL)
	if err != nil {
		return domain.Request{}, fmt.Errorf("reconcile: lock request %d: %w", req.ID, err)
	}
	defer unlock()

	score := c.engine.Score(req, c.scoringInputs(ctx, req))
	c.logger.InfoContext(ctx, "request scored",
		slog.Uint64("request_id", req.ID),
		slog.Int64("score_ticks", score.Value),
		slog.Int64("volatility_ticks", score.Volatility),
		slog.Bool("eligible", score.EligibleFastPath),
	)

	if !score.EligibleFastPath {
		return c.degrade(ctx, req, domain.RequestStatusPending, "score ineligible")
	}

	if err := c.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusPending, domain.RequestStatusScoredFastPath); err != nil {
		return domain.Request{}, fmt.Errorf("reconcile: mark scored %d: %w", req.ID, err)
	}
	req.Status = domain.RequestStatusScoredFastPath

	match, err := c.registry.Match(ctx, req.Asset, req.Amount, c.cfg.DelayBudget)
	if err != nil {
		c.logger.WarnContext(ctx, "liquidity match failed",
			slog.Uint64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return c.degrade(ctx, req, domain.RequestStatusScoredFastPath, "match error")
	}
	if match == nil {
		return c.degrade(ctx, req, domain.RequestStatusScoredFastPath, "no liquidity")
	}

	_, receipt, err := c.ledger.Create(ctx, req, *match)
	if err != nil {
		// Roll the reservation back; the request still settles via the
		// standard path.
		if rerr := c.registry.ReleaseReservation(ctx, match.Provider, req.Asset, req.Amount); rerr != nil {
			c.logger.ErrorContext(ctx, "reservation rollback failed",
				slog.Uint64("request_id", req.ID),
				slog.String("error", rerr.Error()),
			)
		}
		c.logger.WarnContext(ctx, "escrow creation failed",
			slog.Uint64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		return c.degrade(ctx, req, domain.RequestStatusScoredFastPath, "escrow create failed")
	}

	if err := c.requests.UpdateStatus(ctx, req.ID, domain.RequestStatusScoredFastPath, domain.RequestStatusEscrowCreated); err != nil {
		return domain.Request{}, fmt.Errorf("reconcile: mark escrow created %d: %w", req.ID, err)
	}
	req.Status = domain.RequestStatusEscrowCreated

	c.publishEscrowCreated(ctx, req, *match, receipt)
	return req, nil
}

// OnAttestation applies the oracle verdict for a request. It is the sole
// entry point that can settle or forfeit an escrow entry. Duplicate delivery
// of the same (requestID, round) is a no-op after the first; an attestation
// for an unknown request is rejected without any fund movement and without
// consuming the (requestID, round) key. The key is recorded only after the
// effects apply, so a transient failure leaves the verdict retryable.
func (c *Controller) OnAttestation(ctx context.Context, att domain.Attestation) error {
	att.ReceivedAt = c.now()

	if _, err := c.requests.Get(ctx, att.RequestID); err != nil {
		c.logger.WarnContext(ctx, "attestation for unknown request rejected",
			slog.Uint64("request_id", att.RequestID),
			slog.Uint64("round", att.Round),
		)
		c.auditLog(ctx, "attestation_rejected", map[string]any{
			"request_id": att.RequestID,
			"round":      att.Round,
			"reason":     "unknown request",
		})
		return fmt.Errorf("reconcile: attestation for request %d: %w", att.RequestID, domain.ErrUnknownRequest)
	}

	unlock, err := c.locks.Acquire(ctx, requestLockKey(att.RequestID), c.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("reconcile: lock request %d: %w", att.RequestID, err)
	}
	defer unlock()

	// Re-read under the lock; a sweeper refund may have raced us.
	req, err := c.requests.Get(ctx, att.RequestID)
	if err != nil {
		return fmt.Errorf("reconcile: get request %d: %w", att.RequestID, err)
	}

	if c.recorded(ctx, att) {
		c.logger.InfoContext(ctx, "duplicate attestation ignored",
			slog.Uint64("request_id", att.RequestID),
			slog.Uint64("round", att.Round),
		)
		return nil
	}

	switch req.Status {
	case domain.RequestStatusEscrowCreated:
		if att.Success {
			err = c.finalizeFastPath(ctx, req, att)
		} else {
			err = c.failFastPath(ctx, req, att)
		}
	case domain.RequestStatusPending, domain.RequestStatusScoredFastPath, domain.RequestStatusQueuedStandard:
		if att.Success {
			err = c.finalizeStandard(ctx, req, att)
		} else {
			err = c.failStandard(ctx, req, att)
		}
	default:
		// Terminal already; a replayed verdict has nothing left to do.
		c.logger.InfoContext(ctx, "attestation for terminal request ignored",
			slog.Uint64("request_id", req.ID),
			slog.String("status", string(req.Status)),
		)
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.attests.Record(ctx, att); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("reconcile: record attestation: %w", err)
	}
	return nil
}

// recorded reports whether this (requestID, round) verdict has already been
// applied and recorded.
func (c *Controller) recorded(ctx context.Context, att domain.Attestation) bool {
	prev, err := c.attests.ListByRequest(ctx, att.RequestID)
	if err != nil {
		return false
	}
	for _, p := range prev {
		if p.Round == att.Round {
			return true
		}
	}
	return false
}

// Request returns one request.
func (c *Controller) Request(ctx context.Context, id uint64) (domain.Request, error) {
	return c.requests.Get(ctx, id)
}

func (c *Controller) finalizeFastPath(ctx context.Context, req domain.Request, att domain.Attestation) error {
	if err := c.ledger.Settle(ctx, req); err != nil {
		return fmt.Errorf("reconcile: settle request %d: %w", req.ID, err)
	}
	if err := c.requests.UpdateStatus(ctx, req.ID, req.Status, domain.RequestStatusFinalized); err != nil {
		return fmt.Errorf("reconcile: finalize request %d: %w", req.ID, err)
	}
	c.emitSettlement(ctx, req.ID, "finalized", &att.Round)
	c.auditLog(ctx, "request_finalized", map[string]any{
		"request_id": req.ID,
		"round":      att.Round,
		"fast_path":  true,
	})
	return nil
}

func (c *Controller) failFastPath(ctx context.Context, req domain.Request, att domain.Attestation) error {
	if err := c.ledger.Forfeit(ctx, req); err != nil {
		return fmt.Errorf("reconcile: forfeit request %d: %w", req.ID, err)
	}
	if err := c.requests.UpdateStatus(ctx, req.ID, req.Status, domain.RequestStatusFailed); err != nil {
		return fmt.Errorf("reconcile: fail request %d: %w", req.ID, err)
	}
	c.recordFailure(req.Asset)
	c.emitSettlement(ctx, req.ID, "failed", &att.Round)
	c.auditLog(ctx, "request_failed", map[string]any{
		"request_id": req.ID,
		"round":      att.Round,
		"fast_path":  true,
	})
	c.notifyForfeit(ctx, req, att)
	return nil
}

// finalizeStandard releases the requester's locked funds after a standard
// path confirmation. If the receipt of a refunded escrow was redeemed early,
// the pool holds the claim and collects instead of the requester.
func (c *Controller) finalizeStandard(ctx context.Context, req domain.Request, att domain.Attestation) error {
	rec, err := c.receipts.GetByRequest(ctx, req.ID)
	poolClaims := err == nil && rec.Redeemed && rec.RedeemedMode == domain.RedemptionModeEarly
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reconcile: receipt lookup for %d: %w", req.ID, err)
	}

	if poolClaims {
		if err := c.balances.CreditPool(ctx, req.Asset, req.Amount); err != nil {
			return fmt.Errorf("reconcile: credit pool for %d: %w", req.ID, err)
		}
	} else {
		if err := c.balances.CreditRecoverable(ctx, req.Requester, req.Asset, req.Amount); err != nil {
			return fmt.Errorf("reconcile: release funds for %d: %w", req.ID, err)
		}
	}
	if err := c.requests.UpdateStatus(ctx, req.ID, req.Status, domain.RequestStatusFinalized); err != nil {
		return fmt.Errorf("reconcile: finalize request %d: %w", req.ID, err)
	}
	c.emitSettlement(ctx, req.ID, "finalized", &att.Round)
	c.auditLog(ctx, "request_finalized", map[string]any{
		"request_id": req.ID,
		"round":      att.Round,
		"fast_path":  false,
	})
	return nil
}

func (c *Controller) failStandard(ctx context.Context, req domain.Request, att domain.Attestation) error {
	if err := c.balances.CreditRecoverable(ctx, req.Requester, req.Asset, req.Amount); err != nil {
		return fmt.Errorf("reconcile: return funds for %d: %w", req.ID, err)
	}
	if err := c.requests.UpdateStatus(ctx, req.ID, req.Status, domain.RequestStatusFailed); err != nil {
		return fmt.Errorf("reconcile: fail request %d: %w", req.ID, err)
	}
	c.recordFailure(req.Asset)
	c.emitSettlement(ctx, req.ID, "failed", &att.Round)
	c.auditLog(ctx, "request_failed", map[string]any{
		"request_id": req.ID,
		"round":      att.Round,
		"fast_path":  false,
	})
	c.notifyForfeit(ctx, req, att)
	return nil
}

func (c *Controller) notifyForfeit(ctx context.Context, req domain.Request, att domain.Attestation) {
	if c.notifier == nil {
		return
	}
	err := c.notifier.Notify(ctx, notify.EventRequestForfeited, "settlement request forfeited", map[string]any{
		"request_id": req.ID,
		"asset":      req.Asset,
		"amount":     req.Amount.String(),
		"round":      att.Round,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "forfeit notification failed",
			slog.Uint64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// degrade moves a request onto the standard path. This is a successful
// outcome by design of the protocol, so it returns the updated request, not
// an error.
func (c *Controller) degrade(ctx context.Context, req domain.Request, from domain.RequestStatus, reason string) (domain.Request, error) {
	if err := c.requests.UpdateStatus(ctx, req.ID, from, domain.RequestStatusQueuedStandard); err != nil {
		return domain.Request{}, fmt.Errorf("reconcile: queue request %d: %w", req.ID, err)
	}
	req.Status = domain.RequestStatusQueuedStandard
	c.logger.InfoContext(ctx, "request queued on standard path",
		slog.Uint64("request_id", req.ID),
		slog.String("reason", reason),
	)
	c.auditLog(ctx, "request_degraded", map[string]any{
		"request_id": req.ID,
		"reason":     reason,
	})
	return req, nil
}

func (c *Controller) validate(params IntakeParams) error {
	if params.Kind != domain.RequestKindRedemption && params.Kind != domain.RequestKindMinting {
		return fmt.Errorf("reconcile: kind %q: %w", params.Kind, domain.ErrInvalidRequest)
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return fmt.Errorf("reconcile: amount must be positive: %w", domain.ErrInvalidRequest)
	}
	if params.ExternalAddress == "" {
		return fmt.Errorf("reconcile: external address required: %w", domain.ErrInvalidRequest)
	}
	if params.Requester == (common.Address{}) {
		return fmt.Errorf("reconcile: requester required: %w", domain.ErrInvalidRequest)
	}
	for _, asset := range c.cfg.Assets {
		if asset == params.Asset {
			return nil
		}
	}
	return fmt.Errorf("reconcile: asset %q: %w", params.Asset, domain.ErrUnknownAsset)
}

// scoringInputs assembles the advisory market and agent observations for one
// request, at its own processing time.
func (c *Controller) scoringInputs(ctx context.Context, req domain.Request) scoring.Inputs {
	in := scoring.Inputs{NoRecentFailure: true}

	if _, vol, _, err := c.prices.GetPrice(ctx, req.Asset); err == nil {
		in.PriceVolatility = vol
	} else {
		// No market data means no evidence of calm; score it as turbulent.
		in.PriceVolatility = domain.TickScale
	}

	if rate, stake, err := c.agents.Stats(ctx, req.Asset); err == nil {
		in.AgentSuccessRate = rate
		in.AgentStake = stake
	}

	c.failureMu.Lock()
	if at, ok := c.lastFailure[req.Asset]; ok {
		in.NoRecentFailure = false
		in.ElapsedSinceSimilarFailure = c.now().Sub(at)
	}
	c.failureMu.Unlock()

	return in
}

func (c *Controller) recordFailure(asset string) {
	c.failureMu.Lock()
	c.lastFailure[asset] = c.now()
	c.failureMu.Unlock()
}

func (c *Controller) publishEscrowCreated(ctx context.Context, req domain.Request, pos domain.LiquidityPosition, rec domain.SettlementReceipt) {
	evt, err := json.Marshal(domain.EscrowCreatedEvent{
		EventID:         uuid.New().String(),
		RequestID:       req.ID,
		Kind:            string(req.Kind),
		Asset:           req.Asset,
		Amount:          req.Amount.String(),
		ExternalAddress: req.ExternalAddress,
		Provider:        pos.Provider.Hex(),
		Haircut:         rec.Haircut,
		Deadline:        rec.CreatedAt.Add(pos.MaxDelay),
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "marshal escrow event", slog.String("error", err.Error()))
		return
	}
	if err := c.bus.Publish(ctx, domain.ChannelEscrowCreated, evt); err != nil {
		c.logger.WarnContext(ctx, "publish escrow event failed",
			slog.Uint64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := c.bus.StreamAppend(ctx, domain.StreamSettlements, evt); err != nil {
		c.logger.WarnContext(ctx, "append escrow event failed",
			slog.Uint64("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) emitSettlement(ctx context.Context, requestID uint64, outcome string, round *uint64) {
	evt, err := json.Marshal(domain.SettlementEvent{
		EventID:   uuid.New().String(),
		RequestID: requestID,
		Outcome:   outcome,
		Round:     round,
		At:        c.now(),
	})
	if err != nil {
		return
	}
	if err := c.bus.StreamAppend(ctx, domain.StreamSettlements, evt); err != nil {
		c.logger.WarnContext(ctx, "append settlement event failed",
			slog.Uint64("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func requestLockKey(requestID uint64) string {
	return fmt.Sprintf("request:%d", requestID)
}
