package model

import (
	"sort"
	"strings"
	"time"
)

// SubscriptionStatus is the lifecycle state of a SubscriptionRecord.
type SubscriptionStatus string

// Subscription statuses.
const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
)

// AllParticipants is the scope value for race-wide subscriptions.
const AllParticipants = "*"

// SubscriptionScope is either every participant of a race or an explicit list.
type SubscriptionScope struct {
	ParticipantIDs []string `json:"participantIds,omitempty"`
}

// NewScope builds a normalized scope. An empty list means all participants.
func NewScope(participantIDs []string) SubscriptionScope {
	seen := make(map[string]struct{}, len(participantIDs))
	ids := make([]string, 0, len(participantIDs))
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		ids = nil
	}
	return SubscriptionScope{ParticipantIDs: ids}
}

// All reports whether the scope covers every participant.
func (s SubscriptionScope) All() bool { return len(s.ParticipantIDs) == 0 }

// Key is a stable string form used to compare scopes.
func (s SubscriptionScope) Key() string {
	if s.All() {
		return AllParticipants
	}
	return strings.Join(s.ParticipantIDs, ",")
}

// SubscriptionRecord tracks one subscription to a race on the timing provider.
type SubscriptionRecord struct {
	ID         string             `json:"id"`
	RaceID     string             `json:"raceId"`
	Scope      SubscriptionScope  `json:"scope"`
	Status     SubscriptionStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	LastSentAt time.Time          `json:"lastSentAt"`
	// InactiveAt is set when the record is superseded or unsubscribed.
	InactiveAt time.Time `json:"inactiveAt,omitempty"`
}
