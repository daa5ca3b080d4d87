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

// ReceiptService is what the receipt handler needs from the redeemer.
type ReceiptService interface {
	Get(ctx context.Context, receiptID uint64) (domain.SettlementReceipt, error)
	RedeemEarly(ctx context.Context, receiptID uint64, caller common.Address) (*big.Int, error)
	RedeemAfterAttestation(ctx context.Context, receiptID uint64, caller common.Address) (*big.Int, error)
	Transfer(ctx context.Context, receiptID uint64, from, to common.Address) error
}

// ReceiptHandler serves settlement-receipt endpoints.
type ReceiptHandler struct {
	receipts ReceiptService
	logger   *slog.Logger
}

// NewReceiptHandler creates a ReceiptHandler.
func NewReceiptHandler(receipts ReceiptService, logger *slog.Logger) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts, logger: logger}
}

type redeemRequest struct {
	Caller string `json:"caller"`
	Mode   string `json:"mode"` // early | full
}

type transferRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type receiptView struct {
	ID               uint64     `json:"id"`
	RequestID        uint64     `json:"request_id"`
	Owner            string     `json:"owner"`
	Provider         string     `json:"provider"`
	Asset            string     `json:"asset"`
	Amount           string     `json:"amount"`
	HaircutTicks     int64      `json:"haircut_ticks"`
	AttestationRound *uint64    `json:"attestation_round,omitempty"`
	Redeemed         bool       `json:"redeemed"`
	RedeemedMode     string     `json:"redeemed_mode,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
}

func viewReceipt(rec domain.SettlementReceipt) receiptView {
	return receiptView{
		ID:               rec.ID,
		RequestID:        rec.RequestID,
		Owner:            rec.Owner.Hex(),
		Provider:         rec.Provider.Hex(),
		Asset:            rec.Asset,
		Amount:           rec.Amount.String(),
		HaircutTicks:     rec.Haircut,
		AttestationRound: rec.AttestationRound,
		Redeemed:         rec.Redeemed,
		RedeemedMode:     string(rec.RedeemedMode),
		CreatedAt:        rec.CreatedAt,
		RedeemedAt:       rec.RedeemedAt,
	}
}

// Get returns one receipt by id.
// GET /api/receipts/{id}
func (h *ReceiptHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	rec, err := h.receipts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReceipt(rec))
}

// Redeem consumes a receipt, either early at a haircut or in full after the
// confirming attestation.
// POST /api/receipts/{id}/redeem
func (h *ReceiptHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	var body redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(body.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a hex address")
		return
	}

	var payout *big.Int
	switch body.Mode {
	case "early":
		payout, err = h.receipts.RedeemEarly(r.Context(), id, caller)
	case "full":
		payout, err = h.receipts.RedeemAfterAttestation(r.Context(), id, caller)
	default:
		writeError(w, http.StatusBadRequest, `mode must be "early" or "full"`)
		return
	}
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: redeem failed",
				slog.Uint64("receipt_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"receipt_id": id,
		"mode":       body.Mode,
		"payout":     payout.String(),
	})
}

// Transfer reassigns receipt ownership.
// POST /api/receipts/{id}/transfer
func (h *ReceiptHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receipt id")
		return
	}

	var body transferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddress(body.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "from must be a hex address")
		return
	}
	to, ok := parseAddress(body.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "to must be a hex address")
		return
	}

	if err := h.receipts.Transfer(r.Context(), id, from, to); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
