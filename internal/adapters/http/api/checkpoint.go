package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
)

// maxCheckpointBody caps a single webhook submission.
const maxCheckpointBody = 1 << 20

// SourceWebhook tags events submitted over HTTP.
const SourceWebhook = "webhook"

// CheckpointHandler handles direct webhook submissions.
type CheckpointHandler struct {
	deps   CheckpointDependencies
	apiKey []byte
	logger logger.Logger
}

// NewCheckpointHandler creates a new checkpoint handler. An empty apiKey
// rejects every submission.
func NewCheckpointHandler(deps CheckpointDependencies, apiKey string, log logger.Logger) *CheckpointHandler {
	return &CheckpointHandler{deps: deps, apiKey: []byte(apiKey), logger: log}
}

// HandlePostCheckpoint handles POST /webhook/checkpoint requests.
//
// The key is checked before anything else so a rejected submission leaves
// no dedup record behind. Only validation and configuration failures are
// reported to the caller; everything else is acknowledged.
func (h *CheckpointHandler) HandlePostCheckpoint(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_checkpoint"
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var raw model.RawCheckpointEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckpointBody)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	key := raw.APIKey
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if !h.authorized(key) {
		writeError(w, http.StatusUnauthorized, "unauthorized", NewKind(op, ErrUnauthorized))
		return
	}
	raw.APIKey = ""
	raw.Source = SourceWebhook

	out, err := h.deps.Ingest(r.Context(), raw)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err)
	case errors.Is(err, model.ErrConfiguration):
		writeError(w, http.StatusUnprocessableEntity, "configuration_error", err)
	default:
		// Receipt is acknowledged; the failure is already logged and counted.
		h.logger.Warn(r.Context(), "checkpoint accepted with internal error",
			logger.String("raceId", raw.CompetitionID),
			logger.String("participantId", raw.ParticipantID),
			logger.Error(err),
		)
		writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
	}
}

func (h *CheckpointHandler) authorized(key string) bool {
	if len(h.apiKey) == 0 || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), h.apiKey) == 1
}

type ackResponse struct {
	Status string `json:"status"`
}
