package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

// EventHandler serves the persisted event log.
type EventHandler struct {
	events domain.EventLog
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events domain.EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

type listEventsResponse struct {
	Events []domain.EventRecord `json:"events"`
}

// ListEvents returns the most recent events first.
// GET /api/events?limit=50&offset=0
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := h.events.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if recs == nil {
		recs = []domain.EventRecord{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: recs})
}
