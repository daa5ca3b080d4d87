package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/velobridge/settle/internal/agent"
	"github.com/velobridge/settle/internal/crypto"
	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/escrow"
	"github.com/velobridge/settle/internal/feed"
	"github.com/velobridge/settle/internal/liquidity"
	"github.com/velobridge/settle/internal/pipeline"
	"github.com/velobridge/settle/internal/receipt"
	"github.com/velobridge/settle/internal/reconcile"
	"github.com/velobridge/settle/internal/scoring"
	"github.com/velobridge/settle/internal/server"
	"github.com/velobridge/settle/internal/server/handler"
)

// core bundles the settlement engine services shared by the modes.
type core struct {
	controller *reconcile.Controller
	registry   *liquidity.Registry
	ledger     *escrow.Ledger
	redeemer   *receipt.Redeemer
	sweeper    *reconcile.Sweeper
}

// ServeMode runs the full request lifecycle against persistent backends: the
// HTTP API, the oracle feed, the timeout sweeper, and the execution agent.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	verifier, err := a.oracleVerifier()
	if err != nil {
		return fmt.Errorf("serve mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)

	g.Go(func() error { return c.sweeper.Run(ctx) })
	a.startOracleFeed(ctx, g, deps, c, verifier)
	a.startAgent(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, c, verifier)

	return g.Wait()
}

// SweepMode runs only the timeout sweeper. Useful as a standalone reconciler
// alongside a separately deployed API instance.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	c := a.buildCore(deps)
	return c.sweeper.Run(ctx)
}

// ArchiveMode periodically moves finalized settlement history past the
// retention window into object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	return a.runArchiver(ctx, deps)
}

// SimMode runs the engine against the in-memory backend with a simulated
// oracle and payment agent. Every escrow payment succeeds and is attested
// after a short delay, exercising the full lifecycle without external
// infrastructure.
func (a *App) SimMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sim mode")

	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Oracle.SignerKey,
		EncryptedKeyPath: a.cfg.Oracle.EncryptedKeyPath,
		KeyPassword:      a.cfg.Oracle.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("sim mode: load oracle key: %w", err)
	}
	signer, err := crypto.NewAttestationSigner(keyHex)
	if err != nil {
		return fmt.Errorf("sim mode: %w", err)
	}
	verifier, err := crypto.NewAttestationVerifier(signer.Address())
	if err != nil {
		return fmt.Errorf("sim mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)

	g.Go(func() error { return c.sweeper.Run(ctx) })
	g.Go(func() error { return a.runSimOracle(ctx, deps, c, signer, verifier) })

	exec := agent.NewSimulatedExecutor(100*time.Millisecond, a.logger)
	ag := agent.New(deps.SignalBus, exec, a.logger)
	g.Go(func() error { return ag.Run(ctx) })

	a.startHTTPServer(ctx, g, deps, c, verifier)

	return g.Wait()
}

// FullMode runs everything: serve mode plus the archival pipeline when
// enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	verifier, err := a.oracleVerifier()
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	c := a.buildCore(deps)

	g.Go(func() error { return c.sweeper.Run(ctx) })
	a.startOracleFeed(ctx, g, deps, c, verifier)
	a.startAgent(ctx, g, deps)

	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps) })
	}

	a.startHTTPServer(ctx, g, deps, c, verifier)

	return g.Wait()
}

// oracleVerifier builds the attestation verifier from the configured trusted
// oracle address.
func (a *App) oracleVerifier() (*crypto.AttestationVerifier, error) {
	if !common.IsHexAddress(a.cfg.Oracle.Address) {
		return nil, fmt.Errorf("oracle address %q is not a valid hex address", a.cfg.Oracle.Address)
	}
	return crypto.NewAttestationVerifier(common.HexToAddress(a.cfg.Oracle.Address))
}

// buildCore constructs the registry, ledger, redeemer, controller, and
// sweeper over the wired dependencies.
func (a *App) buildCore(deps *Dependencies) *core {
	registry := liquidity.NewRegistry(deps.Positions, deps.Audit, a.logger)
	ledger := escrow.NewLedger(deps.Escrows, deps.Receipts, deps.Positions, deps.Balances, deps.Audit, a.logger)
	redeemer := receipt.NewRedeemer(deps.Receipts, deps.Escrows, deps.Balances, deps.Attestations, deps.LockManager, deps.Audit, a.logger)
	engine := scoring.NewEngine(a.scoringParams())

	controller := reconcile.NewController(
		reconcile.Config{
			Assets:      a.cfg.Engine.Assets,
			DelayBudget: a.cfg.Engine.DelayBudget.Duration,
			LockTTL:     a.cfg.Engine.LockTTL.Duration,
		},
		deps.Requests,
		engine,
		registry,
		ledger,
		deps.Receipts,
		deps.Balances,
		deps.Attestations,
		deps.PriceCache,
		deps.SignalBus,
		deps.LockManager,
		a.agentStats(),
		deps.Audit,
		a.logger,
	)
	controller.SetNotifier(deps.Notifier)

	sweeper := reconcile.NewSweeper(
		a.cfg.Sweeper.Interval.Duration,
		deps.Escrows,
		deps.Requests,
		ledger,
		deps.SignalBus,
		deps.LockManager,
		deps.Audit,
		a.logger,
	)
	sweeper.SetNotifier(deps.Notifier)
	if wm, ok := new(big.Int).SetString(a.cfg.Sweeper.PoolLowWatermark, 10); ok && wm.Sign() > 0 {
		sweeper.SetPoolWatch(deps.Balances, a.cfg.Engine.Assets, wm)
	}

	return &core{
		controller: controller,
		registry:   registry,
		ledger:     ledger,
		redeemer:   redeemer,
		sweeper:    sweeper,
	}
}

// scoringParams maps the engine config onto scoring parameters. Zero values
// fall back to the scoring defaults.
func (a *App) scoringParams() scoring.Params {
	p := scoring.Params{
		FastPathThreshold: a.cfg.Engine.FastPathThresholdTicks,
		MaxFastVolatility: a.cfg.Engine.MaxFastVolatilityTicks,
		FailureWindow:     a.cfg.Engine.FailureWindow.Duration,
	}
	if amt, ok := new(big.Int).SetString(a.cfg.Engine.MaxFastAmount, 10); ok && amt.Sign() > 0 {
		p.MaxFastAmount = amt
	}
	return p
}

// agentStats returns the configured static execution-agent record.
func (a *App) agentStats() reconcile.AgentStatsSource {
	stats := reconcile.StaticAgentStats{
		SuccessRate: a.cfg.Engine.AgentSuccessRateTicks,
	}
	if stake, ok := new(big.Int).SetString(a.cfg.Engine.AgentStake, 10); ok && stake.Sign() >= 0 {
		stats.Stake = stake
	} else {
		stats.Stake = big.NewInt(0)
	}
	return stats
}

// startOracleFeed adds the oracle gateway WebSocket consumer to the group
// when a gateway URL is configured.
func (a *App) startOracleFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, verifier *crypto.AttestationVerifier) {
	if a.cfg.Oracle.WsURL == "" {
		a.logger.InfoContext(ctx, "oracle ws_url not set, attestations arrive over HTTP only")
		return
	}
	oracleFeed := feed.NewOracleFeed(
		a.cfg.Oracle.WsURL,
		a.cfg.Engine.Assets,
		verifier,
		c.controller,
		deps.PriceCache,
		a.logger,
	)
	g.Go(func() error {
		defer oracleFeed.Close()
		return oracleFeed.Run(ctx)
	})
}

// startAgent adds the escrow-event payment agent to the group. With no live
// payment rail configured it runs the simulated executor, which still
// exercises dedup and deadline handling.
func (a *App) startAgent(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	exec := agent.NewSimulatedExecutor(0, a.logger)
	ag := agent.New(deps.SignalBus, exec, a.logger)
	g.Go(func() error { return ag.Run(ctx) })
}

// startHTTPServer adds the HTTP API server to the group and a companion
// goroutine that shuts it down when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, verifier *crypto.AttestationVerifier) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(deps.Pingers, a.logger),
		Requests:     handler.NewRequestHandler(c.controller, a.logger),
		Liquidity:    handler.NewLiquidityHandler(c.registry, a.logger),
		Receipts:     handler.NewReceiptHandler(c.redeemer, a.logger),
		Attestations: handler.NewAttestationHandler(verifier, c.controller, a.logger),
		Events:       handler.NewEventsHandler(deps.SignalBus, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		APIKey:      a.cfg.Server.APIKey,
		RateLimiter: deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runArchiver runs archival passes on the configured interval. The first
// pass runs immediately.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) error {
	if deps.BlobWriter == nil {
		return fmt.Errorf("archiver: blob storage not wired")
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	archiver := pipeline.NewArchiver(retention, deps.Requests, deps.Receipts, deps.BlobWriter, deps.Audit, a.logger)

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		requests, receipts, err := archiver.Run(ctx)
		if err != nil {
			a.logger.ErrorContext(ctx, "archival pass failed", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "archival pass complete",
				slog.Int64("requests", requests),
				slog.Int64("receipts", receipts),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runSimOracle consumes escrow-created events and attests success for each
// after a short delay, signing with the in-process oracle key. Verification
// against the verifier keeps the sim on the same trust path as production.
func (a *App) runSimOracle(ctx context.Context, deps *Dependencies, c *core, signer *crypto.AttestationSigner, verifier *crypto.AttestationVerifier) error {
	ch, err := deps.SignalBus.Subscribe(ctx, domain.ChannelEscrowCreated)
	if err != nil {
		return fmt.Errorf("sim oracle: subscribe: %w", err)
	}
	logger := a.logger.With(slog.String("component", "sim_oracle"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.EscrowCreatedEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				logger.WarnContext(ctx, "dropping malformed escrow event", slog.String("error", err.Error()))
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}

			att := domain.Attestation{
				RequestID:     ev.RequestID,
				Round:         1,
				ExternalTxRef: common.HexToHash(fmt.Sprintf("0x%064x", ev.RequestID)),
				Success:       true,
			}
			sig, err := signer.Sign(att)
			if err != nil {
				logger.ErrorContext(ctx, "sim oracle sign failed", slog.String("error", err.Error()))
				continue
			}
			if err := verifier.Verify(att, sig); err != nil {
				logger.ErrorContext(ctx, "sim oracle produced unverifiable signature", slog.String("error", err.Error()))
				continue
			}
			att.ReceivedAt = time.Now().UTC()
			if err := c.controller.OnAttestation(ctx, att); err != nil {
				logger.ErrorContext(ctx, "sim oracle attestation rejected",
					slog.Uint64("request_id", att.RequestID),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.InfoContext(ctx, "attested settlement",
				slog.Uint64("request_id", att.RequestID),
			)
		}
	}
}
