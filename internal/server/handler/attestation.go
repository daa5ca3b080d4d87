package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/velobridge/settle/internal/crypto"
	"github.com/velobridge/settle/internal/domain"
)

// AttestationSink receives verified attestations. Satisfied by
// reconcile.Controller.
type AttestationSink interface {
	OnAttestation(ctx context.Context, att domain.Attestation) error
}

// AttestationHandler is the HTTP callback delivery path for oracle verdicts,
// used by gateways that push over webhooks instead of the WebSocket feed.
// Every delivery must carry a valid oracle signature.
type AttestationHandler struct {
	verifier *crypto.AttestationVerifier
	sink     AttestationSink
	logger   *slog.Logger
}

// NewAttestationHandler creates an AttestationHandler.
func NewAttestationHandler(verifier *crypto.AttestationVerifier, sink AttestationSink, logger *slog.Logger) *AttestationHandler {
	return &AttestationHandler{verifier: verifier, sink: sink, logger: logger}
}

type attestationRequest struct {
	RequestID uint64 `json:"request_id"`
	Round     uint64 `json:"round"`
	Success   bool   `json:"success"`
	TxRef     string `json:"tx_ref"`
	Signature string `json:"signature"`
}

// Deliver applies one oracle attestation. Redelivery of an already-recorded
// (request, round) pair is acknowledged with 200 like the first delivery.
// POST /api/attestations
func (h *AttestationHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	var body attestationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Round == 0 {
		writeError(w, http.StatusBadRequest, "round must be positive")
		return
	}

	att := domain.Attestation{
		RequestID:     body.RequestID,
		Round:         body.Round,
		Success:       body.Success,
		ExternalTxRef: common.HexToHash(body.TxRef),
	}

	if err := h.verifier.Verify(att, body.Signature); err != nil {
		h.logger.WarnContext(r.Context(), "handler: attestation signature rejected",
			slog.Uint64("request_id", body.RequestID),
			slog.Uint64("round", body.Round),
		)
		writeDomainError(w, err)
		return
	}

	if err := h.sink.OnAttestation(r.Context(), att); err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: attestation dispatch failed",
				slog.Uint64("request_id", body.RequestID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": body.RequestID,
		"round":      body.Round,
		"accepted":   true,
	})
}
