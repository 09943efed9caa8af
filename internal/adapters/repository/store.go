// Package repository persists pipeline state: split schemas, the idempotency
// ledger, checkpoint occurrences, subscriptions, the follower graph and the
// health log.
package repository

import (
	"context"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// SchemaStore holds split schemas keyed by (raceId, eventId).
type SchemaStore interface {
	// Schema returns ErrNotFound when no schema is configured.
	Schema(ctx context.Context, raceID, eventID string) (model.SplitSchema, error)
	PutSchema(ctx context.Context, schema model.SplitSchema) error
}

// LedgerStore is the idempotency ledger.
type LedgerStore interface {
	// CreateIfAbsent writes rec unless an unexpired record with the same
	// fingerprint exists and reports whether it wrote.
	CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error)
	// ListExpired returns up to limit fingerprints expired at now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error)
	// DeleteExpired removes those fingerprints still expired at now; a
	// record recreated since it was listed is kept.
	DeleteExpired(ctx context.Context, fingerprints []string, now time.Time) (int, error)
}

// OccurrenceStore holds checkpoint occurrences keyed by OccurrenceKey.
type OccurrenceStore interface {
	// CreateOccurrence inserts occ unless one with the same key exists and
	// reports whether it inserted.
	CreateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) (bool, error)
	// UpdateOccurrence overwrites the timing fields (CrossedAt, RawTime,
	// Metadata, UpdatedAt) of the occurrence with occ.Key. Identity and clip
	// fields are left alone. Returns ErrNotFound if the key is unknown.
	UpdateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) error
	GetOccurrence(ctx context.Context, key model.OccurrenceKey) (model.CheckpointOccurrence, error)
	// UpdateClip records a story generation outcome.
	UpdateClip(ctx context.Context, key model.OccurrenceKey, status model.ClipStatus, url string, attempts int) error
	// ListOccurrencesByClipStatus returns up to limit occurrences, oldest
	// first, that have had fewer than maxAttempts clip attempts. A
	// non-positive maxAttempts disables the attempt filter.
	ListOccurrencesByClipStatus(ctx context.Context, status model.ClipStatus, maxAttempts, limit int) ([]model.CheckpointOccurrence, error)
	// ListOccurrences returns a participant's occurrences in a race ordered by split order.
	ListOccurrences(ctx context.Context, raceID, participantID string) ([]model.CheckpointOccurrence, error)
	CountOccurrences(ctx context.Context) (int, error)
}

// SubscriptionStore holds provider subscription records.
type SubscriptionStore interface {
	// ActiveSubscription returns the active record for raceID or ErrNotFound.
	ActiveSubscription(ctx context.Context, raceID string) (model.SubscriptionRecord, error)
	ListActiveSubscriptions(ctx context.Context) ([]model.SubscriptionRecord, error)
	// SaveSubscription upserts by ID.
	SaveSubscription(ctx context.Context, rec model.SubscriptionRecord) error
	// ListInactiveSubscriptionsBefore returns ids of records inactive since before cutoff.
	ListInactiveSubscriptionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteSubscriptions(ctx context.Context, ids []string) (int, error)
}

// FollowerStore is the follower graph plus the user fields fanout needs.
type FollowerStore interface {
	// FollowersOf returns every follow edge pointing at participantID, across races.
	FollowersOf(ctx context.Context, participantID string) ([]model.Follow, error)
	// User returns ErrNotFound for unknown ids.
	User(ctx context.Context, id string) (model.User, error)
	PutUser(ctx context.Context, user model.User) error
	PutFollow(ctx context.Context, follow model.Follow) error
	// RemovePushToken clears the user's token only if it still equals token,
	// so a token refreshed concurrently is kept. Reports whether it cleared.
	RemovePushToken(ctx context.Context, userID, token string) (bool, error)
}

// HealthLog is the append-only metrics and alerts log.
type HealthLog interface {
	AppendMetric(ctx context.Context, m model.ConnectionMetric) error
	AppendAlert(ctx context.Context, a model.Alert) error
	// RecentAlerts returns up to limit alerts, newest first.
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ListMetricsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteMetrics(ctx context.Context, ids []string) (int, error)
	ListAlertsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteAlerts(ctx context.Context, ids []string) (int, error)
}

// Store is everything the pipeline persists.
type Store interface {
	SchemaStore
	LedgerStore
	OccurrenceStore
	SubscriptionStore
	FollowerStore
	HealthLog
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
