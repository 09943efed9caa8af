// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind is the upstream classification of a checkpoint event.
type EventKind string

// Recognized event kinds.
const (
	KindDetection    EventKind = "detection"
	KindModification EventKind = "modification"
)

// Valid reports whether k is one of the recognized kinds.
func (k EventKind) Valid() bool {
	return k == KindDetection || k == KindModification
}

// Label is the checkpoint label carried by an upstream event. Providers send
// either a bare string or an object with name and id; both decode into Label.
type Label struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Empty reports whether the label carries neither a name nor an id.
func (l Label) Empty() bool {
	return strings.TrimSpace(l.Name) == "" && strings.TrimSpace(l.ID) == ""
}

// String returns the name, falling back to the id.
func (l Label) String() string {
	if l.Name != "" {
		return l.Name
	}
	return l.ID
}

// UnmarshalJSON accepts both `"10K"` and `{"name":"10K","id":"p3"}`.
func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Label{Name: s}
		return nil
	}
	type plain Label
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = Label(p)
	return nil
}

// ExtraData is the provider's free-form extra payload. Point carries the
// checkpoint label; everything else is kept opaque.
type ExtraData struct {
	Point    Label          `json:"point"`
	Location string         `json:"location,omitempty"`
	Fields   map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown keys in Fields.
func (e *ExtraData) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*e = ExtraData{}
	if raw, ok := all["point"]; ok {
		if err := json.Unmarshal(raw, &e.Point); err != nil {
			return err
		}
		delete(all, "point")
	}
	if raw, ok := all["location"]; ok {
		if err := json.Unmarshal(raw, &e.Location); err != nil {
			return err
		}
		delete(all, "location")
	}
	if len(all) > 0 {
		e.Fields = make(map[string]any, len(all))
		for k, raw := range all {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			e.Fields[k] = v
		}
	}
	return nil
}

// MarshalJSON flattens Fields next to point and location.
func (e ExtraData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	if !e.Point.Empty() {
		out["point"] = e.Point
	}
	if e.Location != "" {
		out["location"] = e.Location
	}
	return json.Marshal(out)
}

// RawCheckpointEvent is the upstream payload as submitted by the timing
// provider socket or the inbound webhook.
type RawCheckpointEvent struct {
	CompetitionID string    `json:"competitionId"`
	EventID       string    `json:"copernicoId"`
	Kind          EventKind `json:"type"`
	ParticipantID string    `json:"participantId"`
	ExtraData     ExtraData `json:"extraData"`
	RawTime       string    `json:"rawTime,omitempty"`
	APIKey        string    `json:"apiKey,omitempty"`

	// ReceivedAt is stamped by whoever accepted the event.
	ReceivedAt time.Time `json:"-"`
	// Source is "timing" or "webhook".
	Source string `json:"-"`
}

// CheckpointEvent is a normalized RawCheckpointEvent.
type CheckpointEvent struct {
	RaceID        string
	EventID       string
	ParticipantID string
	Label         Label
	Kind          EventKind
	// RawTime is the provider timestamp as sent; empty when absent.
	RawTime string
	// Timestamp is RawTime parsed, or the arrival time when RawTime is absent.
	Timestamp time.Time
	Extra     map[string]any
}

// OccurrenceKey identifies a CheckpointOccurrence.
type OccurrenceKey struct {
	RaceID        string `json:"raceId"`
	EventID       string `json:"eventId"`
	ParticipantID string `json:"participantId"`
	SplitName     string `json:"splitName"`
}

// String renders the key as R/E/P/S.
func (k OccurrenceKey) String() string {
	return k.RaceID + "/" + k.EventID + "/" + k.ParticipantID + "/" + k.SplitName
}

// ClipStatus tracks the story/clip generation state of an occurrence.
type ClipStatus string

// Clip statuses.
const (
	ClipPending ClipStatus = "pending"
	ClipReady   ClipStatus = "ready"
	ClipFailed  ClipStatus = "failed"
)

// CheckpointOccurrence is the durable fact that a participant crossed a split.
type CheckpointOccurrence struct {
	ID           string         `json:"id"`
	Key          OccurrenceKey  `json:"key"`
	SplitOrder   int            `json:"splitOrder"`
	SplitKind    SplitKind      `json:"splitKind"`
	Distance     int            `json:"distanceMeters"`
	CrossedAt    time.Time      `json:"crossedAt"`
	RawTime      string         `json:"rawTime,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ClipURL      string         `json:"clipUrl,omitempty"`
	ClipStatus   ClipStatus     `json:"clipStatus"`
	ClipAttempts int            `json:"clipAttempts"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// IdempotencyRecord is one ledger entry.
type IdempotencyRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	ProcessedAt  time.Time `json:"processedAt"`
	TTLExpiresAt time.Time `json:"ttlExpiresAt"`
}

// Expired reports whether the record is past its TTL at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.TTLExpiresAt)
}
