package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/dedupe"
	"github.com/okian/racepulse/internal/domain/model"
)

// MemoryStore is a single-process Store. Values are copied in and out so
// callers never share maps with the store.
type MemoryStore struct {
	mu sync.RWMutex

	schemas       map[string]model.SplitSchema
	occurrences   map[model.OccurrenceKey]model.CheckpointOccurrence
	subscriptions map[string]model.SubscriptionRecord
	users         map[string]model.User
	follows       map[string][]model.Follow // participantId -> edges
	metrics       []model.ConnectionMetric
	alerts        []model.Alert

	ledger        *dedupe.MemoryLedger
	ledgerMaxSize int
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		schemas:       make(map[string]model.SplitSchema),
		occurrences:   make(map[model.OccurrenceKey]model.CheckpointOccurrence),
		subscriptions: make(map[string]model.SubscriptionRecord),
		users:         make(map[string]model.User),
		follows:       make(map[string][]model.Follow),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = dedupe.NewMemoryLedger(s.ledgerMaxSize)
	return s
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func schemaKey(raceID, eventID string) string { return raceID + "\x1f" + eventID }

// Schema implements SchemaStore.
func (s *MemoryStore) Schema(_ context.Context, raceID, eventID string) (model.SplitSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[schemaKey(raceID, eventID)]
	if !ok {
		return model.SplitSchema{}, ErrNotFound
	}
	schema.Splits = slices.Clone(schema.Splits)
	return schema, nil
}

// PutSchema implements SchemaStore.
func (s *MemoryStore) PutSchema(_ context.Context, schema model.SplitSchema) error {
	if schema.RaceID == "" || schema.EventID == "" {
		return ErrInvalidRecord
	}
	schema.Splits = slices.Clone(schema.Splits)
	s.mu.Lock()
	s.schemas[schemaKey(schema.RaceID, schema.EventID)] = schema
	s.mu.Unlock()
	return nil
}

// CreateIfAbsent implements LedgerStore.
func (s *MemoryStore) CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error) {
	return s.ledger.CreateIfAbsent(ctx, rec)
}

// ListExpired implements LedgerStore.
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	return s.ledger.ListExpired(ctx, now, limit)
}

// DeleteFingerprints implements LedgerStore.
func (s *MemoryStore) DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error) {
	return s.ledger.DeleteFingerprints(ctx, fingerprints)
}

// DeleteExpired implements LedgerStore.
func (s *MemoryStore) DeleteExpired(ctx context.Context, fingerprints []string, now time.Time) (int, error) {
	return s.ledger.DeleteExpired(ctx, fingerprints, now)
}

// LedgerSize returns the number of fingerprints held.
func (s *MemoryStore) LedgerSize() int64 { return s.ledger.Size() }

// CreateOccurrence implements OccurrenceStore.
func (s *MemoryStore) CreateOccurrence(_ context.Context, occ model.CheckpointOccurrence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.occurrences[occ.Key]; exists {
		return false, nil
	}
	if occ.ID == "" {
		occ.ID = uuid.NewString()
	}
	occ.Metadata = maps.Clone(occ.Metadata)
	s.occurrences[occ.Key] = occ
	return true, nil
}

// UpdateOccurrence implements OccurrenceStore.
func (s *MemoryStore) UpdateOccurrence(_ context.Context, occ model.CheckpointOccurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.occurrences[occ.Key]
	if !ok {
		return ErrNotFound
	}
	cur.CrossedAt = occ.CrossedAt
	cur.RawTime = occ.RawTime
	cur.Metadata = maps.Clone(occ.Metadata)
	cur.UpdatedAt = occ.UpdatedAt
	s.occurrences[occ.Key] = cur
	return nil
}

// GetOccurrence implements OccurrenceStore.
func (s *MemoryStore) GetOccurrence(_ context.Context, key model.OccurrenceKey) (model.CheckpointOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, ok := s.occurrences[key]
	if !ok {
		return model.CheckpointOccurrence{}, ErrNotFound
	}
	occ.Metadata = maps.Clone(occ.Metadata)
	return occ, nil
}

// UpdateClip implements OccurrenceStore.
func (s *MemoryStore) UpdateClip(_ context.Context, key model.OccurrenceKey, status model.ClipStatus, url string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occurrences[key]
	if !ok {
		return ErrNotFound
	}
	occ.ClipStatus = status
	occ.ClipURL = url
	occ.ClipAttempts = attempts
	occ.UpdatedAt = s.now().UTC()
	s.occurrences[key] = occ
	return nil
}

// ListOccurrencesByClipStatus implements OccurrenceStore.
func (s *MemoryStore) ListOccurrencesByClipStatus(_ context.Context, status model.ClipStatus, maxAttempts, limit int) ([]model.CheckpointOccurrence, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	var out []model.CheckpointOccurrence
	for _, occ := range s.occurrences {
		if occ.ClipStatus == status && (maxAttempts <= 0 || occ.ClipAttempts < maxAttempts) {
			occ.Metadata = maps.Clone(occ.Metadata)
			out = append(out, occ)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOccurrences implements OccurrenceStore.
func (s *MemoryStore) ListOccurrences(_ context.Context, raceID, participantID string) ([]model.CheckpointOccurrence, error) {
	s.mu.RLock()
	var out []model.CheckpointOccurrence
	for key, occ := range s.occurrences {
		if key.RaceID == raceID && key.ParticipantID == participantID {
			occ.Metadata = maps.Clone(occ.Metadata)
			out = append(out, occ)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SplitOrder != out[j].SplitOrder {
			return out[i].SplitOrder < out[j].SplitOrder
		}
		return out[i].Key.EventID < out[j].Key.EventID
	})
	return out, nil
}

// CountOccurrences implements OccurrenceStore.
func (s *MemoryStore) CountOccurrences(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.occurrences), nil
}

func cloneSubscription(rec model.SubscriptionRecord) model.SubscriptionRecord {
	rec.Scope.ParticipantIDs = slices.Clone(rec.Scope.ParticipantIDs)
	return rec
}

// ActiveSubscription implements SubscriptionStore.
func (s *MemoryStore) ActiveSubscription(_ context.Context, raceID string) (model.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.subscriptions {
		if rec.RaceID == raceID && rec.Status == model.SubscriptionActive {
			return cloneSubscription(rec), nil
		}
	}
	return model.SubscriptionRecord{}, ErrNotFound
}

// ListActiveSubscriptions implements SubscriptionStore.
func (s *MemoryStore) ListActiveSubscriptions(_ context.Context) ([]model.SubscriptionRecord, error) {
	s.mu.RLock()
	var out []model.SubscriptionRecord
	for _, rec := range s.subscriptions {
		if rec.Status == model.SubscriptionActive {
			out = append(out, cloneSubscription(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RaceID < out[j].RaceID })
	return out, nil
}

// SaveSubscription implements SubscriptionStore.
func (s *MemoryStore) SaveSubscription(_ context.Context, rec model.SubscriptionRecord) error {
	if rec.ID == "" || rec.RaceID == "" {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	s.subscriptions[rec.ID] = cloneSubscription(rec)
	s.mu.Unlock()
	return nil
}

// ListInactiveSubscriptionsBefore implements SubscriptionStore.
func (s *MemoryStore) ListInactiveSubscriptionsBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	var recs []model.SubscriptionRecord
	for _, rec := range s.subscriptions {
		if rec.Status == model.SubscriptionInactive && rec.InactiveAt.Before(cutoff) {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].InactiveAt.Before(recs[j].InactiveAt) })
	ids := make([]string, 0, min(limit, len(recs)))
	for i := 0; i < len(recs) && i < limit; i++ {
		ids = append(ids, recs[i].ID)
	}
	return ids, nil
}

// DeleteSubscriptions implements SubscriptionStore.
func (s *MemoryStore) DeleteSubscriptions(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.subscriptions[id]; ok {
			delete(s.subscriptions, id)
			n++
		}
	}
	return n, nil
}

// FollowersOf implements FollowerStore.
func (s *MemoryStore) FollowersOf(_ context.Context, participantID string) ([]model.Follow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.follows[participantID]), nil
}

// User implements FollowerStore.
func (s *MemoryStore) User(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	u.RaceSubscriptions = maps.Clone(u.RaceSubscriptions)
	return u, nil
}

// PutUser implements FollowerStore.
func (s *MemoryStore) PutUser(_ context.Context, user model.User) error {
	if user.ID == "" {
		return ErrInvalidRecord
	}
	user.RaceSubscriptions = maps.Clone(user.RaceSubscriptions)
	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()
	return nil
}

// PutFollow implements FollowerStore. Re-adding an existing edge is a no-op.
func (s *MemoryStore) PutFollow(_ context.Context, follow model.Follow) error {
	if follow.UserID == "" || follow.ParticipantID == "" {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.follows[follow.ParticipantID], follow) {
		return nil
	}
	s.follows[follow.ParticipantID] = append(s.follows[follow.ParticipantID], follow)
	return nil
}

// RemovePushToken implements FollowerStore.
func (s *MemoryStore) RemovePushToken(_ context.Context, userID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || token == "" || u.PushToken != token {
		return false, nil
	}
	u.PushToken = ""
	s.users[userID] = u
	return true, nil
}

// AppendMetric implements HealthLog.
func (s *MemoryStore) AppendMetric(_ context.Context, m model.ConnectionMetric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.metrics = append(s.metrics, m)
	s.mu.Unlock()
	return nil
}

// AppendAlert implements HealthLog.
func (s *MemoryStore) AppendAlert(_ context.Context, a model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

// RecentAlerts implements HealthLog.
func (s *MemoryStore) RecentAlerts(_ context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	out := slices.Clone(s.alerts)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListMetricsBefore implements HealthLog.
func (s *MemoryStore) ListMetricsBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, m := range s.metrics {
		if len(ids) == limit {
			break
		}
		if m.RecordedAt.Before(cutoff) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// DeleteMetrics implements HealthLog.
func (s *MemoryStore) DeleteMetrics(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := toSet(ids)
	before := len(s.metrics)
	s.metrics = slices.DeleteFunc(s.metrics, func(m model.ConnectionMetric) bool { return drop[m.ID] })
	return before - len(s.metrics), nil
}

// ListAlertsBefore implements HealthLog.
func (s *MemoryStore) ListAlertsBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, a := range s.alerts {
		if len(ids) == limit {
			break
		}
		if a.CreatedAt.Before(cutoff) {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// DeleteAlerts implements HealthLog.
func (s *MemoryStore) DeleteAlerts(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := toSet(ids)
	before := len(s.alerts)
	s.alerts = slices.DeleteFunc(s.alerts, func(a model.Alert) bool { return drop[a.ID] })
	return before - len(s.alerts), nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
