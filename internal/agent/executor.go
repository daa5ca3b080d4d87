package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/velobridge/settle/internal/domain"
)

// SimulatedExecutor is a PaymentExecutor for environments without a live
// payment rail. It fabricates a transaction reference derived from the event
// ID after an optional artificial latency, so the rest of the pipeline
// (attestation, redemption) can be exercised end to end.
type SimulatedExecutor struct {
	latency time.Duration
	logger  *slog.Logger
}

// NewSimulatedExecutor creates a SimulatedExecutor. latency <= 0 means pay
// immediately.
func NewSimulatedExecutor(latency time.Duration, logger *slog.Logger) *SimulatedExecutor {
	return &SimulatedExecutor{
		latency: latency,
		logger:  logger.With(slog.String("component", "sim_executor")),
	}
}

// Pay pretends to submit the external-ledger payment and returns a
// deterministic pseudo transaction hash.
func (e *SimulatedExecutor) Pay(ctx context.Context, ev domain.EscrowCreatedEvent) (string, error) {
	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.latency):
		}
	}
	txRef := hexutil.Encode(ethcrypto.Keccak256([]byte("sim:" + ev.EventID)))
	e.logger.DebugContext(ctx, "simulated payment",
		slog.Uint64("request_id", ev.RequestID),
		slog.String("asset", ev.Asset),
		slog.String("amount", ev.Amount),
		slog.String("tx_ref", txRef),
	)
	return txRef, nil
}

var _ PaymentExecutor = (*SimulatedExecutor)(nil)
