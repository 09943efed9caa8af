package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/racepulse/internal/domain/model"
)

// Limits for GET /alerts.
const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// AlertLog lists recorded alerts.
type AlertLog interface {
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
}

// AlertsHandler handles alert listing.
type AlertsHandler struct {
	log AlertLog
}

// NewAlertsHandler creates a new alerts handler.
func NewAlertsHandler(log AlertLog) *AlertsHandler {
	return &AlertsHandler{log: log}
}

type alertsResponse struct {
	Alerts []model.Alert `json:"alerts"`
}

// HandleListAlerts handles GET /alerts?limit=N requests.
func (h *AlertsHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_alerts"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	limit := defaultAlertLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, errors.New("limit must be a positive integer")))
			return
		}
		if n > maxAlertLimit {
			writeError(w, http.StatusBadRequest, "limit_exceeded", NewKind(op, ErrBadRequest))
			return
		}
		limit = n
	}
	alerts, err := h.log.RecentAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts})
}
