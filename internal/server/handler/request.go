package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/velobridge/settle/internal/domain"
	"github.com/velobridge/settle/internal/reconcile"
)

// RequestService is what the request handler needs from the reconciliation
// layer.
type RequestService interface {
	Intake(ctx context.Context, params reconcile.IntakeParams) (domain.Request, error)
	Request(ctx context.Context, id uint64) (domain.Request, error)
}

// RequestHandler serves settlement-request endpoints.
type RequestHandler struct {
	requests RequestService
	logger   *slog.Logger
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(requests RequestService, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{requests: requests, logger: logger}
}

// intakeRequest is the JSON body for submitting a settlement request.
type intakeRequest struct {
	Kind            string `json:"kind"` // redemption | minting
	Requester       string `json:"requester"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"` // decimal integer
	ExternalAddress string `json:"external_address"`
}

// requestView is the JSON shape of a request in responses.
type requestView struct {
	ID              uint64     `json:"id"`
	Kind            string     `json:"kind"`
	Requester       string     `json:"requester"`
	Asset           string     `json:"asset"`
	Amount          string     `json:"amount"`
	ExternalAddress string     `json:"external_address"`
	PriceSnapshot   int64      `json:"price_snapshot_ticks"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
}

func viewRequest(req domain.Request) requestView {
	return requestView{
		ID:              req.ID,
		Kind:            string(req.Kind),
		Requester:       req.Requester.Hex(),
		Asset:           req.Asset,
		Amount:          req.Amount.String(),
		ExternalAddress: req.ExternalAddress,
		PriceSnapshot:   req.PriceSnapshot,
		Status:          string(req.Status),
		CreatedAt:       req.CreatedAt,
		FinalizedAt:     req.FinalizedAt,
	}
}

// Submit admits a new settlement request and drives it to its post-scoring
// state. A degraded (standard-path) outcome is a 201 like any other.
// POST /api/requests
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var body intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	requester, ok := parseAddress(body.Requester)
	if !ok {
		writeError(w, http.StatusBadRequest, "requester must be a hex address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal integer")
		return
	}

	req, err := h.requests.Intake(r.Context(), reconcile.IntakeParams{
		Kind:            domain.RequestKind(body.Kind),
		Requester:       requester,
		Asset:           body.Asset,
		Amount:          amount,
		ExternalAddress: body.ExternalAddress,
	})
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: intake failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewRequest(req))
}

// Get returns one request by id.
// GET /api/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	req, err := h.requests.Request(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRequest(req))
}
