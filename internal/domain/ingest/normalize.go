package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// rawTimeLayouts are the timestamp forms providers send, tried in order.
var rawTimeLayouts = []string{ //nolint:gochecknoglobals // read-only lookup table
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
}

// Normalize validates raw and converts it to a CheckpointEvent. Timestamp is
// the parsed rawTime, or raw.ReceivedAt (falling back to now) when rawTime is
// absent. Errors are ErrValidation.
func Normalize(raw model.RawCheckpointEvent, now time.Time) (model.CheckpointEvent, error) {
	const op = "ingest.normalize"

	ev := model.CheckpointEvent{
		RaceID:        strings.TrimSpace(raw.CompetitionID),
		EventID:       strings.TrimSpace(raw.EventID),
		ParticipantID: strings.TrimSpace(raw.ParticipantID),
		Label: model.Label{
			Name: strings.TrimSpace(raw.ExtraData.Point.Name),
			ID:   strings.TrimSpace(raw.ExtraData.Point.ID),
		},
		Kind:    model.EventKind(strings.ToLower(strings.TrimSpace(string(raw.Kind)))),
		RawTime: strings.TrimSpace(raw.RawTime),
	}

	switch {
	case ev.RaceID == "":
		return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "competitionId is required")
	case ev.EventID == "":
		return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "copernicoId is required")
	case ev.ParticipantID == "":
		return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "participantId is required")
	case ev.Label.Empty():
		return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "extraData.point is required")
	case !ev.Kind.Valid():
		return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "unknown event type %q", raw.Kind)
	}

	if ev.RawTime != "" {
		ts, err := parseRawTime(ev.RawTime)
		if err != nil {
			return model.CheckpointEvent{}, model.Errorf(op, model.ErrValidation, "unparseable rawTime %q", ev.RawTime)
		}
		ev.Timestamp = ts
	} else {
		ev.Timestamp = raw.ReceivedAt
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
	}
	ev.Timestamp = ev.Timestamp.UTC()

	if len(raw.ExtraData.Fields) > 0 || raw.ExtraData.Location != "" {
		ev.Extra = make(map[string]any, len(raw.ExtraData.Fields)+1)
		for k, v := range raw.ExtraData.Fields {
			ev.Extra[k] = v
		}
		if raw.ExtraData.Location != "" {
			ev.Extra["location"] = raw.ExtraData.Location
		}
	}
	return ev, nil
}

// parseRawTime accepts the layouts above or unix milliseconds.
func parseRawTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	var lastErr error
	for _, layout := range rawTimeLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
