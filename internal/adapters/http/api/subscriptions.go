package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/racepulse/internal/domain/model"
)

// SubscriptionHandler exposes the connection manager over HTTP.
type SubscriptionHandler struct {
	deps SubscriptionDependencies
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(deps SubscriptionDependencies) *SubscriptionHandler {
	return &SubscriptionHandler{deps: deps}
}

type subscribeRequest struct {
	RaceID         string   `json:"raceId"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

// HandleStatus handles GET /status requests.
func (h *SubscriptionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.ConnectionStatus())
}

// HandleSubscriptions handles POST and DELETE /subscriptions requests.
//
//	POST   {"raceId": "...", "participantIds": [...]}  subscribe or change scope
//	DELETE ?raceId=...                                  unsubscribe
func (h *SubscriptionHandler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.subscribe(w, r)
	case http.MethodDelete:
		h.unsubscribe(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *SubscriptionHandler) subscribe(w http.ResponseWriter, r *http.Request) {
	const op = "api.subscribe"
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	raceID := strings.TrimSpace(req.RaceID)
	if raceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing raceId")))
		return
	}
	rec, err := h.deps.Subscribe(r.Context(), raceID, req.ParticipantIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *SubscriptionHandler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	const op = "api.unsubscribe"
	raceID := strings.TrimSpace(r.URL.Query().Get("raceId"))
	if raceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("missing raceId")))
		return
	}
	err := h.deps.Unsubscribe(r.Context(), raceID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
