// Package timing owns the long-lived connection to the timing provider. It
// keeps one subscription per race, replays them after every reconnect and
// pushes inbound checkpoint events onto a bounded queue.
package timing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/health"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

const (
	component    = "timing"
	source       = "timing"
	keyReconnect = "reconnect_exhausted"

	defaultInitialDelay = time.Second
	defaultMultiplier   = 2.0
	defaultMaxDelay     = time.Minute
	defaultMaxAttempts  = 10
)

// Sink receives events read off the provider connection.
type Sink interface {
	Enqueue(ctx context.Context, e model.RawCheckpointEvent) error
}

// SubscriptionStore persists subscription records.
type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context) ([]model.SubscriptionRecord, error)
	SaveSubscription(ctx context.Context, rec model.SubscriptionRecord) error
}

// Tracker receives connection and message activity.
type Tracker interface {
	MessageReceived()
	Error()
	SetConnected(connected bool)
	Snapshot() health.Activity
}

// Alerter raises and clears operator alerts.
type Alerter interface {
	Raise(ctx context.Context, severity model.Severity, component, key, message string) bool
	Reset(component, key string)
}

// MetricLog appends connection metrics.
type MetricLog interface {
	AppendMetric(ctx context.Context, m model.ConnectionMetric) error
}

// Status is a point-in-time view of the Manager.
type Status struct {
	State             string                     `json:"state"`
	Connected         bool                       `json:"connected"`
	Subscriptions     []model.SubscriptionRecord `json:"subscriptions"`
	SubscriptionCount int                        `json:"subscriptionCount"`
	// ReconnectAttempts is the attempt number of the dial in progress, zero
	// while connected or idle.
	ReconnectAttempts int              `json:"reconnectAttempts"`
	Activity          *health.Activity `json:"activity,omitempty"`
}

// Manager is the connection/subscription state machine:
// Disconnected -> Connecting -> Connected -> Degraded -> Disconnected.
type Manager struct {
	url       string
	dialer    Dialer
	sink      Sink
	store     SubscriptionStore
	tracker   Tracker
	alerter   Alerter
	metricLog MetricLog
	logger    logger.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	maxAttempts  int

	// mu guards subs, conn and closed, and serializes writes to conn.
	mu     sync.Mutex
	subs   map[string]model.SubscriptionRecord
	conn   Conn
	closed bool

	state    atomic.Int32
	attempts atomic.Int32
	// snapshot is the lock-free copy of subs read by Status and the read loop.
	snapshot atomic.Pointer[[]model.SubscriptionRecord]

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewManager creates a Manager for the provider at url. Nothing is dialled
// until Run is called and at least one race is subscribed.
func NewManager(url string, dialer Dialer, sink Sink, store SubscriptionStore, opts ...Option) *Manager {
	m := &Manager{
		url:          url,
		dialer:       dialer,
		sink:         sink,
		store:        store,
		now:          time.Now,
		sleep:        sleepContext,
		initialDelay: defaultInitialDelay,
		multiplier:   defaultMultiplier,
		maxDelay:     defaultMaxDelay,
		maxAttempts:  defaultMaxAttempts,
		subs:         make(map[string]model.SubscriptionRecord),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Get().Named(component)
	}
	empty := []model.SubscriptionRecord{}
	m.snapshot.Store(&empty)
	m.setState(StateDisconnected)
	return m
}

// Restore loads the active subscriptions persisted by a previous run so they
// are replayed on the first connection.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return model.Wrap("timing.restore", model.ErrDownstreamDependency, err)
	}
	m.mu.Lock()
	for _, rec := range recs {
		m.subs[rec.RaceID] = rec
	}
	m.publishLocked()
	m.mu.Unlock()
	if len(recs) > 0 {
		m.logger.Info(ctx, "restored subscriptions", logger.Int("count", len(recs)))
		m.signal()
	}
	return nil
}

// Subscribe activates a subscription for raceID. An empty participantIDs
// covers every participant. Re-subscribing with the same scope only
// refreshes LastSentAt; a different scope supersedes the active record.
func (m *Manager) Subscribe(ctx context.Context, raceID string, participantIDs []string) (model.SubscriptionRecord, error) {
	const op = "timing.subscribe"
	raceID = strings.TrimSpace(raceID)
	if raceID == "" {
		return model.SubscriptionRecord{}, model.Errorf(op, model.ErrValidation, "raceId is required")
	}
	scope := model.NewScope(participantIDs)
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return model.SubscriptionRecord{}, ErrShutdown
	}

	current, ok := m.subs[raceID]
	if ok && current.Scope.Key() == scope.Key() {
		current.LastSentAt = now
		if err := m.store.SaveSubscription(ctx, current); err != nil {
			return model.SubscriptionRecord{}, model.Wrap(op, model.ErrDownstreamDependency, err)
		}
		m.subs[raceID] = current
		m.publishLocked()
		return current, nil
	}

	if ok {
		superseded := current
		superseded.Status = model.SubscriptionInactive
		superseded.InactiveAt = now
		if err := m.store.SaveSubscription(ctx, superseded); err != nil {
			return model.SubscriptionRecord{}, model.Wrap(op, model.ErrDownstreamDependency, err)
		}
	}

	rec := model.SubscriptionRecord{
		ID:         uuid.NewString(),
		RaceID:     raceID,
		Scope:      scope,
		Status:     model.SubscriptionActive,
		CreatedAt:  now,
		LastSentAt: now,
	}
	if err := m.store.SaveSubscription(ctx, rec); err != nil {
		if ok {
			_ = m.store.SaveSubscription(ctx, current)
		}
		return model.SubscriptionRecord{}, model.Wrap(op, model.ErrDownstreamDependency, err)
	}
	m.subs[raceID] = rec
	m.publishLocked()

	if m.conn != nil {
		if err := m.conn.WriteJSON(subscribeCommand(rec)); err != nil {
			// The reconnect replays every active subscription.
			m.logger.Warn(ctx, "subscribe write failed; reconnecting", logger.String("raceId", raceID), logger.Error(err))
			_ = m.conn.Close()
		}
	}
	m.signal()

	m.logger.Info(ctx, "subscribed",
		logger.String("raceId", raceID),
		logger.String("scope", scope.Key()),
		logger.Bool("superseded", ok),
	)
	return rec, nil
}

// Unsubscribe deactivates the subscription for raceID. Removing the last
// active subscription tears the connection down.
func (m *Manager) Unsubscribe(ctx context.Context, raceID string) error {
	const op = "timing.unsubscribe"
	raceID = strings.TrimSpace(raceID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	current, ok := m.subs[raceID]
	if !ok {
		return fmt.Errorf("%s: %w", raceID, ErrNotSubscribed)
	}
	current.Status = model.SubscriptionInactive
	current.InactiveAt = m.now().UTC()
	if err := m.store.SaveSubscription(ctx, current); err != nil {
		return model.Wrap(op, model.ErrDownstreamDependency, err)
	}
	delete(m.subs, raceID)
	m.publishLocked()

	if m.conn != nil {
		if len(m.subs) == 0 {
			m.logger.Info(ctx, "last subscription removed; closing timing connection")
			_ = m.conn.Close()
		} else if err := m.conn.WriteJSON(command{Action: actionUnsubscribe, RaceID: raceID}); err != nil {
			m.logger.Warn(ctx, "unsubscribe write failed; reconnecting", logger.String("raceId", raceID), logger.Error(err))
			_ = m.conn.Close()
		}
	}
	m.logger.Info(ctx, "unsubscribed", logger.String("raceId", raceID))
	return nil
}

// Status returns a snapshot without taking the Manager's lock.
func (m *Manager) Status() Status {
	subs := slices.Clone(*m.snapshot.Load())
	st := m.State()
	s := Status{
		State:             st.String(),
		Connected:         st == StateConnected,
		Subscriptions:     subs,
		SubscriptionCount: len(subs),
		ReconnectAttempts: int(m.attempts.Load()),
	}
	if m.tracker != nil {
		a := m.tracker.Snapshot()
		s.Activity = &a
	}
	return s
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Watching reports whether any race is subscribed.
func (m *Manager) Watching() bool {
	return len(*m.snapshot.Load()) > 0
}

// Run drives the connection until ctx ends or Shutdown is called.
func (m *Manager) Run(ctx context.Context) {
	m.started.Store(true)
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if !m.awaitSubscriptions(ctx) {
			m.setState(StateDisconnected)
			return
		}
		reconnecting := m.State() == StateDegraded
		conn, err := m.connect(ctx, reconnecting)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				_ = conn.Close()
			}
			m.setState(StateDisconnected)
			return
		case errors.Is(err, errNoSubscriptions):
			m.setState(StateDisconnected)
			continue
		case err != nil:
			// Exhausted; pause a full max delay before the next round.
			if m.sleep(ctx, m.maxDelay) != nil {
				m.setState(StateDisconnected)
				return
			}
			continue
		}
		m.serve(ctx, conn)
	}
}

// Shutdown stops reconnecting, closes the connection and waits for Run to
// return. Subscriptions stay persisted for the next Restore.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	if conn != nil {
		_ = conn.Close()
	}
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timing shutdown: %w", ctx.Err())
	}
}

func (m *Manager) awaitSubscriptions(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		if m.Watching() {
			return true
		}
		m.setState(StateDisconnected)
		select {
		case <-ctx.Done():
			return false
		case <-m.wake:
		}
	}
}

// connect dials with exponential backoff. After maxAttempts consecutive
// failures it raises a critical alert and returns ErrUpstreamConnectivity.
func (m *Manager) connect(ctx context.Context, reconnecting bool) (Conn, error) {
	const op = "timing.connect"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.initialDelay
	b.Multiplier = m.multiplier
	b.MaxInterval = m.maxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if !m.Watching() {
			m.attempts.Store(0)
			return nil, errNoSubscriptions
		}
		if reconnecting || attempt > 1 {
			metrics.RecordReconnectAttempt()
		}
		m.attempts.Store(int32(attempt)) //nolint:gosec // bounded by maxAttempts
		m.setState(StateConnecting)

		conn, err := m.dialer.Dial(ctx, m.url)
		if err == nil {
			m.attempts.Store(0)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if m.tracker != nil {
			m.tracker.Error()
		}
		metrics.RecordErrorByComponent(component, "dial")
		m.setState(StateDegraded)
		if attempt == m.maxAttempts {
			break
		}

		wait := b.NextBackOff()
		m.logger.Warn(ctx, "timing provider dial failed",
			logger.Int("attempt", attempt),
			logger.Duration("retryIn", wait),
			logger.Error(err),
		)
		if err := m.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	m.attempts.Store(0)
	perr := model.Wrap(op, model.ErrUpstreamConnectivity,
		fmt.Errorf("%d consecutive attempts failed: %w", m.maxAttempts, lastErr))
	m.logger.Error(ctx, "giving up on timing provider", logger.Error(perr))
	if m.alerter != nil {
		m.alerter.Raise(ctx, model.SeverityCritical, component, keyReconnect, perr.Error())
	}
	m.setState(StateDisconnected)
	return nil, perr
}

// serve replays subscriptions on conn and reads from it until it fails.
func (m *Manager) serve(ctx context.Context, conn Conn) {
	now := m.now().UTC()

	m.mu.Lock()
	if m.closed || len(m.subs) == 0 {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	replayed := make([]model.SubscriptionRecord, 0, len(m.subs))
	for raceID, rec := range m.subs {
		if err := conn.WriteJSON(subscribeCommand(rec)); err != nil {
			m.mu.Unlock()
			_ = conn.Close()
			m.setState(StateDegraded)
			m.logger.Warn(ctx, "subscription replay failed", logger.String("raceId", raceID), logger.Error(err))
			return
		}
		rec.LastSentAt = now
		m.subs[raceID] = rec
		replayed = append(replayed, rec)
	}
	m.conn = conn
	m.publishLocked()
	m.setState(StateConnected)
	m.mu.Unlock()

	for _, rec := range replayed {
		if err := m.store.SaveSubscription(ctx, rec); err != nil {
			m.logger.Warn(ctx, "failed to persist subscription", logger.String("raceId", rec.RaceID), logger.Error(err))
		}
	}
	m.onConnected(ctx, len(replayed))

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()
	err := m.readLoop(ctx, conn)
	close(stopWatch)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	remaining := len(m.subs)
	m.mu.Unlock()
	_ = conn.Close()
	if m.tracker != nil {
		m.tracker.SetConnected(false)
	}

	if ctx.Err() != nil || remaining == 0 {
		m.setState(StateDisconnected)
		m.logger.Info(ctx, "timing connection closed")
		return
	}
	m.setState(StateDegraded)
	metrics.RecordErrorByComponent(component, "read")
	if m.tracker != nil {
		m.tracker.Error()
	}
	m.logger.Warn(ctx, "timing connection lost", logger.Error(err))
}

func (m *Manager) onConnected(ctx context.Context, subscriptions int) {
	if m.tracker != nil {
		m.tracker.SetConnected(true)
	}
	if m.alerter != nil {
		m.alerter.Reset(component, keyReconnect)
	}
	if m.metricLog != nil && m.tracker != nil {
		a := m.tracker.Snapshot()
		if err := m.metricLog.AppendMetric(ctx, model.ConnectionMetric{
			RecordedAt:        m.now().UTC(),
			Connected:         true,
			MessagesReceived:  a.MessagesReceived,
			MessagesProcessed: a.MessagesProcessed,
			Errors:            a.Errors,
		}); err != nil {
			m.logger.Warn(ctx, "failed to record connection metric", logger.Error(err))
		}
	}
	m.logger.Info(ctx, "connected to timing provider", logger.Int("subscriptions", subscriptions))
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		var raw model.RawCheckpointEvent
		if err := conn.ReadJSON(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				metrics.RecordErrorByComponent(component, "decode")
				m.logger.Warn(ctx, "skipping malformed frame", logger.Error(err))
				continue
			}
			return err
		}
		m.dispatch(ctx, raw)
	}
}

// dispatch forwards checkpoint frames in scope to the sink. Frames without
// a checkpoint kind are provider control messages.
func (m *Manager) dispatch(ctx context.Context, raw model.RawCheckpointEvent) { //nolint:gocritic // hugeParam: decoded per frame
	kind := model.EventKind(strings.ToLower(strings.TrimSpace(string(raw.Kind))))
	if !kind.Valid() {
		m.logger.Debug(ctx, "ignoring control frame", logger.String("type", string(raw.Kind)))
		return
	}
	if !m.inScope(raw.CompetitionID, raw.ParticipantID) {
		m.logger.Debug(ctx, "ignoring out-of-scope event",
			logger.String("raceId", raw.CompetitionID), logger.String("participantId", raw.ParticipantID))
		return
	}

	if m.tracker != nil {
		m.tracker.MessageReceived()
	}
	metrics.RecordEventReceived(source)
	raw.Source = source
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = m.now().UTC()
	}
	if err := m.sink.Enqueue(ctx, raw); err != nil {
		if m.tracker != nil {
			m.tracker.Error()
		}
		m.logger.Error(ctx, "event not queued",
			logger.String("raceId", raw.CompetitionID),
			logger.String("participantId", raw.ParticipantID),
			logger.Error(err),
		)
	}
}

func (m *Manager) inScope(raceID, participantID string) bool {
	raceID = strings.TrimSpace(raceID)
	for _, rec := range *m.snapshot.Load() {
		if rec.RaceID != raceID {
			continue
		}
		if rec.Scope.All() {
			return true
		}
		_, found := sort.Find(len(rec.Scope.ParticipantIDs), func(i int) int {
			return strings.Compare(strings.TrimSpace(participantID), rec.Scope.ParticipantIDs[i])
		})
		return found
	}
	return false
}

func (m *Manager) publishLocked() {
	subs := make([]model.SubscriptionRecord, 0, len(m.subs))
	for _, rec := range m.subs {
		subs = append(subs, rec)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].RaceID < subs[j].RaceID })
	m.snapshot.Store(&subs)
	metrics.UpdateActiveSubscriptions(len(subs))
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.UpdateConnectionState(int(s))
}

func subscribeCommand(rec model.SubscriptionRecord) command {
	return command{Action: actionSubscribe, RaceID: rec.RaceID, ParticipantIDs: rec.Scope.ParticipantIDs}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
