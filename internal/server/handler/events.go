package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/velobridge/settle/internal/domain"
)

// EventsHandler exposes the durable settlement event stream for external
// consumers that poll instead of tailing the bus.
type EventsHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListSettlements returns settlement events after the given stream cursor.
// GET /api/settlements/events?after=<id>&limit=50
func (h *EventsHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	opts := parseListOpts(r)

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamSettlements, after, opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: stream read failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read settlement events")
		return
	}

	entries := make([]streamEntry, 0, len(msgs))
	cursor := after
	for _, msg := range msgs {
		entries = append(entries, streamEntry{ID: msg.ID, Event: json.RawMessage(msg.Payload)})
		cursor = msg.ID
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": entries,
		"cursor": cursor,
	})
}
