// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/racepulse/internal/adapters/timing"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	CheckpointDependencies
	SubscriptionDependencies

	// RecentAlerts lists the newest alerts first.
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
}

// CheckpointDependencies processes webhook submissions.
type CheckpointDependencies interface {
	// Ingest runs one raw event through the pipeline synchronously.
	Ingest(ctx context.Context, raw model.RawCheckpointEvent) (ingest.Outcome, error)
}

// SubscriptionDependencies manages provider subscriptions.
type SubscriptionDependencies interface {
	Subscribe(ctx context.Context, raceID string, participantIDs []string) (model.SubscriptionRecord, error)
	Unsubscribe(ctx context.Context, raceID string) error
	ConnectionStatus() timing.Status
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	checkpointHandler   *CheckpointHandler
	subscriptionHandler *SubscriptionHandler
	alertsHandler       *AlertsHandler
}

// NewServer creates a new API server with all handlers. apiKey is the
// shared secret webhook submissions must carry.
func NewServer(deps Dependencies, statsProvider StatsProvider, apiKey string) *Server {
	log := logger.Get().Named("api")
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(statsProvider),
		checkpointHandler:   NewCheckpointHandler(deps, apiKey, log),
		subscriptionHandler: NewSubscriptionHandler(deps),
		alertsHandler:       NewAlertsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/webhook/checkpoint", MetricsMiddleware(s.checkpointHandler.HandlePostCheckpoint, "webhook"))
	mux.HandleFunc("/status", MetricsMiddleware(s.subscriptionHandler.HandleStatus, "status"))
	mux.HandleFunc("/subscriptions", MetricsMiddleware(s.subscriptionHandler.HandleSubscriptions, "subscriptions"))
	mux.HandleFunc("/alerts", MetricsMiddleware(s.alertsHandler.HandleListAlerts, "alerts"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
