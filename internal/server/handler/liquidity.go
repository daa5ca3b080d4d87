package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/domain"
)

// LiquidityService is what the liquidity handler needs from the registry.
type LiquidityService interface {
	Deposit(ctx context.Context, provider common.Address, asset string, amount *big.Int, minFee int64, maxDelay time.Duration) (domain.LiquidityPosition, error)
	Withdraw(ctx context.Context, provider common.Address, asset string, amount *big.Int) error
	Position(ctx context.Context, provider common.Address, asset string) (domain.LiquidityPosition, error)
	ListActive(ctx context.Context, asset string) ([]domain.LiquidityPosition, error)
}

// LiquidityHandler serves liquidity-provider endpoints.
type LiquidityHandler struct {
	registry LiquidityService
	logger   *slog.Logger
}

// NewLiquidityHandler creates a LiquidityHandler.
func NewLiquidityHandler(registry LiquidityService, logger *slog.Logger) *LiquidityHandler {
	return &LiquidityHandler{registry: registry, logger: logger}
}

type depositRequest struct {
	Provider        string `json:"provider"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	MinFeeTicks     int64  `json:"min_fee_ticks"`
	MaxDelaySeconds int64  `json:"max_delay_seconds"`
}

type withdrawRequest struct {
	Provider string `json:"provider"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

type positionView struct {
	Provider        string    `json:"provider"`
	Asset           string    `json:"asset"`
	Deposited       string    `json:"deposited"`
	Available       string    `json:"available"`
	MinFeeTicks     int64     `json:"min_fee_ticks"`
	MaxDelaySeconds int64     `json:"max_delay_seconds"`
	TotalEarned     string    `json:"total_earned"`
	Active          bool      `json:"active"`
	DepositedAt     time.Time `json:"deposited_at"`
}

func viewPosition(pos domain.LiquidityPosition) positionView {
	return positionView{
		Provider:        pos.Provider.Hex(),
		Asset:           pos.Asset,
		Deposited:       pos.Deposited.String(),
		Available:       pos.Available.String(),
		MinFeeTicks:     pos.MinFee,
		MaxDelaySeconds: int64(pos.MaxDelay / time.Second),
		TotalEarned:     pos.TotalEarned.String(),
		Active:          pos.Active,
		DepositedAt:     pos.DepositedAt,
	}
}

// Deposit opens or tops up a liquidity position.
// POST /api/liquidity/deposits
func (h *LiquidityHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var body depositRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	provider, ok := parseAddress(body.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "provider must be a hex address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal integer")
		return
	}

	pos, err := h.registry.Deposit(r.Context(), provider, body.Asset, amount,
		body.MinFeeTicks, time.Duration(body.MaxDelaySeconds)*time.Second)
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: deposit failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewPosition(pos))
}

// Withdraw removes available capital from a position.
// POST /api/liquidity/withdrawals
func (h *LiquidityHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var body withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	provider, ok := parseAddress(body.Provider)
	if !ok {
		writeError(w, http.StatusBadRequest, "provider must be a hex address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal integer")
		return
	}

	if err := h.registry.Withdraw(r.Context(), provider, body.Asset, amount); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPositions returns active positions for an asset, or one provider's
// position when provider is given.
// GET /api/liquidity/positions?asset=VBTC[&provider=0x...]
func (h *LiquidityHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset := q.Get("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset query parameter required")
		return
	}

	if p := q.Get("provider"); p != "" {
		provider, ok := parseAddress(p)
		if !ok {
			writeError(w, http.StatusBadRequest, "provider must be a hex address")
			return
		}
		pos, err := h.registry.Position(r.Context(), provider, asset)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewPosition(pos))
		return
	}

	positions, err := h.registry.ListActive(r.Context(), asset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, viewPosition(pos))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": views})
}
