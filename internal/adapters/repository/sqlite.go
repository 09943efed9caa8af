package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent Store on pure-Go SQLite. The ledger write is a
// single conditional upsert, so it is atomic for every process sharing the
// database file.
//
// Timestamps are stored as UTC unix nanoseconds (0 means unset) so range
// scans compare integers.
type SQLiteStore struct {
	db          *sql.DB
	busyTimeout time.Duration
	now         func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{
		busyTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, s.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	s.db = db

	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures every table exists.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS split_schemas (
			race_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			splits TEXT NOT NULL,
			PRIMARY KEY (race_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_ledger (
			fingerprint TEXT PRIMARY KEY,
			processed_at INTEGER NOT NULL,
			ttl_expires_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_expiry ON idempotency_ledger(ttl_expires_at);`,
		`CREATE TABLE IF NOT EXISTS occurrences (
			id TEXT NOT NULL UNIQUE,
			race_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			split_name TEXT NOT NULL,
			split_order INTEGER NOT NULL,
			split_kind TEXT NOT NULL,
			distance_meters INTEGER NOT NULL,
			crossed_at INTEGER NOT NULL,
			raw_time TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			clip_url TEXT NOT NULL DEFAULT '',
			clip_status TEXT NOT NULL,
			clip_attempts INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (race_id, event_id, participant_id, split_name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_clip ON occurrences(clip_status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_participant ON occurrences(race_id, participant_id);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			race_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_sent_at INTEGER NOT NULL,
			inactive_at INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_race ON subscriptions(race_id, status);`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			push_token TEXT NOT NULL DEFAULT '',
			race_subscriptions TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS follows (
			user_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			race_id TEXT NOT NULL,
			PRIMARY KEY (user_id, participant_id, race_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_follows_participant ON follows(participant_id);`,
		`CREATE TABLE IF NOT EXISTS connection_metrics (
			id TEXT PRIMARY KEY,
			recorded_at INTEGER NOT NULL,
			connected INTEGER NOT NULL,
			messages_received INTEGER NOT NULL,
			messages_processed INTEGER NOT NULL,
			errors INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_recorded ON connection_metrics(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			severity TEXT NOT NULL,
			component TEXT NOT NULL,
			alert_key TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// deleteIn removes rows whose column is in keys, in one transaction.
func (s *SQLiteStore) deleteIn(ctx context.Context, table, column string, keys []string) (int, error) {
	return s.deleteWhere(ctx, table, column, keys, "")
}

// deleteWhere is deleteIn narrowed by an extra SQL condition over cond args.
func (s *SQLiteStore) deleteWhere(ctx context.Context, table, column string, keys []string, cond string, condArgs ...any) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(keys)+len(condArgs))
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, condArgs...)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, table, column, placeholders(len(keys)))
	if cond != "" {
		query += " AND " + cond
	}
	query += ";"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return int(n), nil
}

// listIDs runs a query returning one text column.
func (s *SQLiteStore) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Schema implements SchemaStore.
func (s *SQLiteStore) Schema(ctx context.Context, raceID, eventID string) (model.SplitSchema, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT splits FROM split_schemas WHERE race_id = ? AND event_id = ?;`, raceID, eventID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SplitSchema{}, ErrNotFound
	}
	if err != nil {
		return model.SplitSchema{}, fmt.Errorf("select schema: %w", err)
	}

	schema := model.SplitSchema{RaceID: raceID, EventID: eventID}
	if err := json.Unmarshal([]byte(raw), &schema.Splits); err != nil {
		return model.SplitSchema{}, fmt.Errorf("decode schema %s/%s: %w", raceID, eventID, err)
	}
	return schema, nil
}

// PutSchema implements SchemaStore.
func (s *SQLiteStore) PutSchema(ctx context.Context, schema model.SplitSchema) error {
	if schema.RaceID == "" || schema.EventID == "" {
		return ErrInvalidRecord
	}
	raw, err := json.Marshal(schema.Splits)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO split_schemas (race_id, event_id, splits) VALUES (?, ?, ?)
		ON CONFLICT(race_id, event_id) DO UPDATE SET splits = excluded.splits;`,
		schema.RaceID, schema.EventID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert schema: %w", err)
	}
	return nil
}

// CreateIfAbsent implements LedgerStore. An existing record is replaced only
// when it has expired at rec.ProcessedAt; otherwise no row changes.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_ledger (fingerprint, processed_at, ttl_expires_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			processed_at = excluded.processed_at,
			ttl_expires_at = excluded.ttl_expires_at
		WHERE idempotency_ledger.ttl_expires_at <= excluded.processed_at;`,
		rec.Fingerprint, toNanos(rec.ProcessedAt), toNanos(rec.TTLExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("ledger upsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger upsert: %w", err)
	}
	return n == 1, nil
}

// ListExpired implements LedgerStore.
func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	ids, err := s.listIDs(ctx,
		`SELECT fingerprint FROM idempotency_ledger WHERE ttl_expires_at <= ? ORDER BY ttl_expires_at LIMIT ?;`,
		toNanos(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return ids, nil
}

// DeleteFingerprints implements LedgerStore.
func (s *SQLiteStore) DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error) {
	return s.deleteIn(ctx, "idempotency_ledger", "fingerprint", fingerprints)
}

// DeleteExpired implements LedgerStore.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, fingerprints []string, now time.Time) (int, error) {
	return s.deleteWhere(ctx, "idempotency_ledger", "fingerprint", fingerprints, "ttl_expires_at <= ?", toNanos(now))
}

// CreateOccurrence implements OccurrenceStore.
func (s *SQLiteStore) CreateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) (bool, error) {
	if occ.ID == "" {
		occ.ID = uuid.NewString()
	}
	meta, err := encodeMetadata(occ.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO occurrences (
			id, race_id, event_id, participant_id, split_name, split_order, split_kind,
			distance_meters, crossed_at, raw_time, metadata, clip_url, clip_status,
			clip_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(race_id, event_id, participant_id, split_name) DO NOTHING;`,
		occ.ID, occ.Key.RaceID, occ.Key.EventID, occ.Key.ParticipantID, occ.Key.SplitName,
		occ.SplitOrder, string(occ.SplitKind), occ.Distance, toNanos(occ.CrossedAt), occ.RawTime,
		meta, occ.ClipURL, string(occ.ClipStatus), occ.ClipAttempts,
		toNanos(occ.CreatedAt), toNanos(occ.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert occurrence: %w", err)
	}
	return n == 1, nil
}

// UpdateOccurrence implements OccurrenceStore.
func (s *SQLiteStore) UpdateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) error {
	meta, err := encodeMetadata(occ.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET crossed_at = ?, raw_time = ?, metadata = ?, updated_at = ?
		WHERE race_id = ? AND event_id = ? AND participant_id = ? AND split_name = ?;`,
		toNanos(occ.CrossedAt), occ.RawTime, meta, toNanos(occ.UpdatedAt),
		occ.Key.RaceID, occ.Key.EventID, occ.Key.ParticipantID, occ.Key.SplitName,
	)
	if err != nil {
		return fmt.Errorf("update occurrence: %w", err)
	}
	return expectOne(res, "update occurrence")
}

const occurrenceColumns = `id, race_id, event_id, participant_id, split_name, split_order, split_kind,
	distance_meters, crossed_at, raw_time, metadata, clip_url, clip_status, clip_attempts,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOccurrence(row rowScanner) (model.CheckpointOccurrence, error) {
	var (
		occ                       model.CheckpointOccurrence
		kind, status              string
		meta                      sql.NullString
		crossed, created, updated int64
	)
	err := row.Scan(
		&occ.ID, &occ.Key.RaceID, &occ.Key.EventID, &occ.Key.ParticipantID, &occ.Key.SplitName,
		&occ.SplitOrder, &kind, &occ.Distance, &crossed, &occ.RawTime, &meta, &occ.ClipURL,
		&status, &occ.ClipAttempts, &created, &updated,
	)
	if err != nil {
		return occ, err
	}
	occ.SplitKind = model.SplitKind(kind)
	occ.ClipStatus = model.ClipStatus(status)
	occ.CrossedAt = fromNanos(crossed)
	occ.CreatedAt = fromNanos(created)
	occ.UpdatedAt = fromNanos(updated)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &occ.Metadata); err != nil {
			return occ, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return occ, nil
}

func (s *SQLiteStore) queryOccurrences(ctx context.Context, query string, args ...any) ([]model.CheckpointOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CheckpointOccurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// GetOccurrence implements OccurrenceStore.
func (s *SQLiteStore) GetOccurrence(ctx context.Context, key model.OccurrenceKey) (model.CheckpointOccurrence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences
		WHERE race_id = ? AND event_id = ? AND participant_id = ? AND split_name = ?;`,
		key.RaceID, key.EventID, key.ParticipantID, key.SplitName,
	)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CheckpointOccurrence{}, ErrNotFound
	}
	if err != nil {
		return model.CheckpointOccurrence{}, fmt.Errorf("select occurrence: %w", err)
	}
	return occ, nil
}

// UpdateClip implements OccurrenceStore.
func (s *SQLiteStore) UpdateClip(ctx context.Context, key model.OccurrenceKey, status model.ClipStatus, url string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET clip_status = ?, clip_url = ?, clip_attempts = ?, updated_at = ?
		WHERE race_id = ? AND event_id = ? AND participant_id = ? AND split_name = ?;`,
		string(status), url, attempts, toNanos(s.now()),
		key.RaceID, key.EventID, key.ParticipantID, key.SplitName,
	)
	if err != nil {
		return fmt.Errorf("update clip: %w", err)
	}
	return expectOne(res, "update clip")
}

// ListOccurrencesByClipStatus implements OccurrenceStore.
func (s *SQLiteStore) ListOccurrencesByClipStatus(ctx context.Context, status model.ClipStatus, maxAttempts, limit int) ([]model.CheckpointOccurrence, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	out, err := s.queryOccurrences(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE clip_status = ? AND (? <= 0 OR clip_attempts < ?)
		ORDER BY created_at, race_id, event_id, participant_id, split_name LIMIT ?;`,
		string(status), maxAttempts, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list occurrences by clip status: %w", err)
	}
	return out, nil
}

// ListOccurrences implements OccurrenceStore.
func (s *SQLiteStore) ListOccurrences(ctx context.Context, raceID, participantID string) ([]model.CheckpointOccurrence, error) {
	out, err := s.queryOccurrences(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE race_id = ? AND participant_id = ?
		ORDER BY split_order, event_id;`,
		raceID, participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	return out, nil
}

// CountOccurrences implements OccurrenceStore.
func (s *SQLiteStore) CountOccurrences(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM occurrences;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count occurrences: %w", err)
	}
	return n, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.SubscriptionRecord, error) {
	defer rows.Close()
	var out []model.SubscriptionRecord
	for rows.Next() {
		var (
			rec                         model.SubscriptionRecord
			scope, status               string
			created, lastSent, inactive int64
		)
		if err := rows.Scan(&rec.ID, &rec.RaceID, &scope, &status, &created, &lastSent, &inactive); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(scope), &rec.Scope); err != nil {
			return nil, fmt.Errorf("decode scope: %w", err)
		}
		rec.Status = model.SubscriptionStatus(status)
		rec.CreatedAt = fromNanos(created)
		rec.LastSentAt = fromNanos(lastSent)
		rec.InactiveAt = fromNanos(inactive)
		out = append(out, rec)
	}
	return out, rows.Err()
}

const subscriptionColumns = `id, race_id, scope, status, created_at, last_sent_at, inactive_at`

// ActiveSubscription implements SubscriptionStore.
func (s *SQLiteStore) ActiveSubscription(ctx context.Context, raceID string) (model.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE race_id = ? AND status = ?
		ORDER BY last_sent_at DESC LIMIT 1;`,
		raceID, string(model.SubscriptionActive),
	)
	if err != nil {
		return model.SubscriptionRecord{}, fmt.Errorf("select subscription: %w", err)
	}
	recs, err := scanSubscriptions(rows)
	if err != nil {
		return model.SubscriptionRecord{}, fmt.Errorf("select subscription: %w", err)
	}
	if len(recs) == 0 {
		return model.SubscriptionRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// ListActiveSubscriptions implements SubscriptionStore.
func (s *SQLiteStore) ListActiveSubscriptions(ctx context.Context) ([]model.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status = ? ORDER BY race_id;`,
		string(model.SubscriptionActive),
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	recs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return recs, nil
}

// SaveSubscription implements SubscriptionStore.
func (s *SQLiteStore) SaveSubscription(ctx context.Context, rec model.SubscriptionRecord) error {
	if rec.ID == "" || rec.RaceID == "" {
		return ErrInvalidRecord
	}
	scope, err := json.Marshal(rec.Scope)
	if err != nil {
		return fmt.Errorf("encode scope: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			race_id = excluded.race_id,
			scope = excluded.scope,
			status = excluded.status,
			last_sent_at = excluded.last_sent_at,
			inactive_at = excluded.inactive_at;`,
		rec.ID, rec.RaceID, string(scope), string(rec.Status),
		toNanos(rec.CreatedAt), toNanos(rec.LastSentAt), toNanos(rec.InactiveAt),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// ListInactiveSubscriptionsBefore implements SubscriptionStore.
func (s *SQLiteStore) ListInactiveSubscriptionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	ids, err := s.listIDs(ctx,
		`SELECT id FROM subscriptions WHERE status = ? AND inactive_at < ?
		ORDER BY inactive_at LIMIT ?;`,
		string(model.SubscriptionInactive), toNanos(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list inactive subscriptions: %w", err)
	}
	return ids, nil
}

// DeleteSubscriptions implements SubscriptionStore.
func (s *SQLiteStore) DeleteSubscriptions(ctx context.Context, ids []string) (int, error) {
	return s.deleteIn(ctx, "subscriptions", "id", ids)
}

// FollowersOf implements FollowerStore.
func (s *SQLiteStore) FollowersOf(ctx context.Context, participantID string) ([]model.Follow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, participant_id, race_id FROM follows WHERE participant_id = ? ORDER BY user_id, race_id;`,
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select follows: %w", err)
	}
	defer rows.Close()

	var out []model.Follow
	for rows.Next() {
		var f model.Follow
		if err := rows.Scan(&f.UserID, &f.ParticipantID, &f.RaceID); err != nil {
			return nil, fmt.Errorf("scan follow: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// User implements FollowerStore.
func (s *SQLiteStore) User(ctx context.Context, id string) (model.User, error) {
	var (
		u    = model.User{ID: id}
		subs sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT push_token, race_subscriptions FROM users WHERE id = ?;`, id,
	).Scan(&u.PushToken, &subs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("select user: %w", err)
	}
	if subs.Valid && subs.String != "" {
		if err := json.Unmarshal([]byte(subs.String), &u.RaceSubscriptions); err != nil {
			return model.User{}, fmt.Errorf("decode race subscriptions: %w", err)
		}
	}
	return u, nil
}

// PutUser implements FollowerStore.
func (s *SQLiteStore) PutUser(ctx context.Context, user model.User) error {
	if user.ID == "" {
		return ErrInvalidRecord
	}
	subs, err := json.Marshal(user.RaceSubscriptions)
	if err != nil {
		return fmt.Errorf("encode race subscriptions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, push_token, race_subscriptions) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			push_token = excluded.push_token,
			race_subscriptions = excluded.race_subscriptions;`,
		user.ID, user.PushToken, string(subs),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// PutFollow implements FollowerStore.
func (s *SQLiteStore) PutFollow(ctx context.Context, follow model.Follow) error {
	if follow.UserID == "" || follow.ParticipantID == "" {
		return ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO follows (user_id, participant_id, race_id) VALUES (?, ?, ?);`,
		follow.UserID, follow.ParticipantID, follow.RaceID,
	)
	if err != nil {
		return fmt.Errorf("insert follow: %w", err)
	}
	return nil
}

// RemovePushToken implements FollowerStore.
func (s *SQLiteStore) RemovePushToken(ctx context.Context, userID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET push_token = '' WHERE id = ? AND push_token = ?;`, userID, token,
	)
	if err != nil {
		return false, fmt.Errorf("remove push token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove push token: %w", err)
	}
	return n == 1, nil
}

// AppendMetric implements HealthLog.
func (s *SQLiteStore) AppendMetric(ctx context.Context, m model.ConnectionMetric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_metrics (id, recorded_at, connected, messages_received, messages_processed, errors)
		VALUES (?, ?, ?, ?, ?, ?);`,
		m.ID, toNanos(m.RecordedAt), m.Connected, m.MessagesReceived, m.MessagesProcessed, m.Errors,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// AppendAlert implements HealthLog.
func (s *SQLiteStore) AppendAlert(ctx context.Context, a model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, severity, component, alert_key, message, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		a.ID, string(a.Severity), a.Component, a.Key, a.Message, toNanos(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// RecentAlerts implements HealthLog.
func (s *SQLiteStore) RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, component, alert_key, message, created_at FROM alerts
		ORDER BY created_at DESC LIMIT ?;`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a        model.Alert
			severity string
			created  int64
		)
		if err := rows.Scan(&a.ID, &severity, &a.Component, &a.Key, &a.Message, &created); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Severity = model.Severity(severity)
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListMetricsBefore implements HealthLog.
func (s *SQLiteStore) ListMetricsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	ids, err := s.listIDs(ctx,
		`SELECT id FROM connection_metrics WHERE recorded_at < ? ORDER BY recorded_at LIMIT ?;`,
		toNanos(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return ids, nil
}

// DeleteMetrics implements HealthLog.
func (s *SQLiteStore) DeleteMetrics(ctx context.Context, ids []string) (int, error) {
	return s.deleteIn(ctx, "connection_metrics", "id", ids)
}

// ListAlertsBefore implements HealthLog.
func (s *SQLiteStore) ListAlertsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	ids, err := s.listIDs(ctx,
		`SELECT id FROM alerts WHERE created_at < ? ORDER BY created_at LIMIT ?;`,
		toNanos(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return ids, nil
}

// DeleteAlerts implements HealthLog.
func (s *SQLiteStore) DeleteAlerts(ctx context.Context, ids []string) (int, error) {
	return s.deleteIn(ctx, "alerts", "id", ids)
}

func encodeMetadata(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
