package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/crypto"
	"github.com/velobridge/settle/internal/domain"
)

const reconnectDelay = 2 * time.Second

// AttestationSink receives verified attestations. Satisfied by
// reconcile.Controller.
type AttestationSink interface {
	OnAttestation(ctx context.Context, att domain.Attestation) error
}

// OracleFeed subscribes to the oracle gateway's attestation and price
// channels. Attestations are signature-verified before dispatch; forged or
// malformed envelopes are dropped and counted in the log. Price ticks land in
// the price cache for the scoring engine. Reconnects with backoff on
// disconnect.
type OracleFeed struct {
	wsURL    string
	assets   []string
	verifier *crypto.AttestationVerifier
	sink     AttestationSink
	prices   domain.PriceCache
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewOracleFeed creates a feed for the given gateway URL and asset set.
func NewOracleFeed(wsURL string, assets []string, verifier *crypto.AttestationVerifier, sink AttestationSink, prices domain.PriceCache, logger *slog.Logger) *OracleFeed {
	return &OracleFeed{
		wsURL:    wsURL,
		assets:   assets,
		verifier: verifier,
		sink:     sink,
		prices:   prices,
		logger:   logger.With(slog.String("component", "oracle_feed")),
		done:     make(chan struct{}),
	}
}

// Run connects, subscribes, and processes messages until ctx is cancelled or
// Close is called. Reconnects with backoff on disconnect.
func (f *OracleFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("oracle feed disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *OracleFeed) runConnection(ctx context.Context) error {
	client := NewGatewayClient(f.wsURL)
	defer client.Close()

	client.OnAttestation(func(msg AttestationMessage) {
		f.handleAttestation(ctx, msg)
	})
	client.OnPrice(func(msg PriceMessage) {
		f.handlePrice(ctx, msg)
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, []string{"attestations", "prices"}, f.assets); err != nil {
		return err
	}
	f.logger.Info("oracle feed subscribed", slog.Int("assets", len(f.assets)))

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait(ctx) }()

	select {
	case <-f.done:
		return nil
	case err := <-waitErr:
		return err
	}
}

// handleAttestation verifies the envelope's signature and hands the verdict
// to the sink. Delivery is idempotent downstream, so redelivery after a
// reconnect is harmless.
func (f *OracleFeed) handleAttestation(ctx context.Context, msg AttestationMessage) {
	att := domain.Attestation{
		RequestID:     msg.RequestID,
		Round:         msg.Round,
		Success:       msg.Success,
		ExternalTxRef: common.HexToHash(msg.TxRef),
	}

	if err := f.verifier.Verify(att, msg.Signature); err != nil {
		f.logger.Warn("dropping attestation with bad signature",
			slog.Uint64("request_id", msg.RequestID),
			slog.Uint64("round", msg.Round),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := f.sink.OnAttestation(ctx, att); err != nil {
		if errors.Is(err, domain.ErrUnknownRequest) {
			f.logger.Warn("attestation for unknown request",
				slog.Uint64("request_id", msg.RequestID),
				slog.Uint64("round", msg.Round),
			)
			return
		}
		f.logger.Error("attestation dispatch failed",
			slog.Uint64("request_id", msg.RequestID),
			slog.Uint64("round", msg.Round),
			slog.String("error", err.Error()),
		)
	}
}

// handlePrice lands a price tick in the cache. A stale or missing cache entry
// degrades requests to the standard path rather than blocking them, so cache
// write failures are logged and dropped.
func (f *OracleFeed) handlePrice(ctx context.Context, msg PriceMessage) {
	if msg.Asset == "" || msg.Price <= 0 {
		return
	}
	ts := time.Unix(msg.Timestamp, 0).UTC()
	if err := f.prices.SetPrice(ctx, msg.Asset, msg.Price, msg.Volatility, ts); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("asset", msg.Asset),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the feed.
func (f *OracleFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
