package health

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
	"github.com/okian/racepulse/pkg/sweep"
)

// Store is what the Monitor reads and sweeps.
type Store interface {
	AppendMetric(ctx context.Context, m model.ConnectionMetric) error

	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	DeleteExpired(ctx context.Context, fingerprints []string, now time.Time) (int, error)
	ListMetricsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteMetrics(ctx context.Context, ids []string) (int, error)
	ListAlertsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteAlerts(ctx context.Context, ids []string) (int, error)
	ListInactiveSubscriptionsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	DeleteSubscriptions(ctx context.Context, ids []string) (int, error)
}

// Thresholds grade staleness.
type Thresholds struct {
	Warning  time.Duration
	Error    time.Duration
	Critical time.Duration
}

// Grade returns the severity for elapsed, or "" when under every threshold.
func (t Thresholds) Grade(elapsed time.Duration) model.Severity {
	switch {
	case t.Critical > 0 && elapsed >= t.Critical:
		return model.SeverityCritical
	case t.Error > 0 && elapsed >= t.Error:
		return model.SeverityError
	case t.Warning > 0 && elapsed >= t.Warning:
		return model.SeverityWarning
	default:
		return ""
	}
}

// Alert keys raised by the Monitor.
const (
	KeyDisconnected  = "disconnected"
	KeyStaleMessages = "stale_messages"

	component = "health"
)

// Sweep collection names, also used as metric labels.
const (
	CollectionLedger        = "ledger"
	CollectionMetrics       = "metrics"
	CollectionAlerts        = "alerts"
	CollectionSubscriptions = "subscriptions"
)

// Monitor runs the periodic staleness check and retention sweep.
type Monitor struct {
	store   Store
	tracker *Tracker
	alerter *Alerter
	logger  logger.Logger
	now     func() time.Time

	// watching gates staleness checks; nothing is stale while nobody is subscribed.
	watching func() bool

	checkInterval       time.Duration
	sweepInterval       time.Duration
	thresholds          Thresholds
	retention           time.Duration
	subscriptionCleanup time.Duration
	sweepOpts           sweep.Options
}

// NewMonitor creates a Monitor.
func NewMonitor(store Store, tracker *Tracker, alerter *Alerter, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:               store,
		tracker:             tracker,
		alerter:             alerter,
		logger:              logger.Get().Named("health"),
		now:                 time.Now,
		watching:            func() bool { return true },
		checkInterval:       time.Minute,
		sweepInterval:       time.Hour,
		thresholds:          Thresholds{Warning: 5 * time.Minute, Error: 15 * time.Minute, Critical: 30 * time.Minute},
		retention:           7 * 24 * time.Hour,
		subscriptionCleanup: 24 * time.Hour,
		sweepOpts:           sweep.Options{PageSize: 1000, MaxBatchSize: 500, Pause: 100 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run blocks until ctx is done, checking and sweeping on their intervals.
func (m *Monitor) Run(ctx context.Context) {
	check := time.NewTicker(m.checkInterval)
	defer check.Stop()
	sweepTicker := time.NewTicker(m.sweepInterval)
	defer sweepTicker.Stop()

	m.logger.Info(ctx, "health monitor started",
		logger.Duration("check_interval", m.checkInterval),
		logger.Duration("sweep_interval", m.sweepInterval),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "health monitor stopped")
			return
		case <-check.C:
			m.Check(ctx)
		case <-sweepTicker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error(ctx, "retention sweep failed", logger.Error(err))
			}
		}
	}
}

// Check records a connection metric and raises staleness alerts.
func (m *Monitor) Check(ctx context.Context) {
	now := m.now().UTC()
	a := m.tracker.Snapshot()

	if err := m.store.AppendMetric(ctx, model.ConnectionMetric{
		RecordedAt:        now,
		Connected:         a.Connected,
		MessagesReceived:  a.MessagesReceived,
		MessagesProcessed: a.MessagesProcessed,
		Errors:            a.Errors,
	}); err != nil {
		metrics.RecordErrorByComponent("health", "append_metric")
		m.logger.Error(ctx, "failed to record connection metric", logger.Error(err))
	}

	if !m.watching() {
		return
	}

	if a.Connected {
		m.alerter.Reset(component, KeyDisconnected)
	} else {
		since := latest(a.LastConnectedAt, a.StartedAt)
		if sev := m.thresholds.Grade(now.Sub(since)); sev != "" {
			m.alerter.Raise(ctx, sev, component, KeyDisconnected,
				fmt.Sprintf("timing provider disconnected; last connected %s", describe(a.LastConnectedAt, now)))
		}
	}

	since := latest(a.LastMessageAt, a.StartedAt)
	if sev := m.thresholds.Grade(now.Sub(since)); sev != "" {
		m.alerter.Raise(ctx, sev, component, KeyStaleMessages,
			fmt.Sprintf("no checkpoint processed; last message %s", describe(a.LastMessageAt, now)))
	} else {
		m.alerter.Reset(component, KeyStaleMessages)
	}
}

// SweepStats reports deletions per collection.
type SweepStats map[string]int

// Sweep deletes expired ledger records, metrics and alerts past retention, and
// inactive subscriptions past the cleanup window. Each collection is swept in
// bounded batches; the first error stops the sweep.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	now := m.now().UTC()
	metricsCutoff := now.Add(-m.retention)
	subsCutoff := now.Add(-m.subscriptionCleanup)

	jobs := []struct {
		name   string
		cursor sweep.Cursor
	}{
		{CollectionLedger, sweep.CursorFuncs{
			NextFunc:   func(ctx context.Context, limit int) ([]string, error) { return m.store.ListExpired(ctx, now, limit) },
			DeleteFunc: func(ctx context.Context, fps []string) (int, error) { return m.store.DeleteExpired(ctx, fps, now) },
		}},
		{CollectionMetrics, sweep.CursorFuncs{
			NextFunc: func(ctx context.Context, limit int) ([]string, error) {
				return m.store.ListMetricsBefore(ctx, metricsCutoff, limit)
			},
			DeleteFunc: m.store.DeleteMetrics,
		}},
		{CollectionAlerts, sweep.CursorFuncs{
			NextFunc: func(ctx context.Context, limit int) ([]string, error) {
				return m.store.ListAlertsBefore(ctx, metricsCutoff, limit)
			},
			DeleteFunc: m.store.DeleteAlerts,
		}},
		{CollectionSubscriptions, sweep.CursorFuncs{
			NextFunc: func(ctx context.Context, limit int) ([]string, error) {
				return m.store.ListInactiveSubscriptionsBefore(ctx, subsCutoff, limit)
			},
			DeleteFunc: m.store.DeleteSubscriptions,
		}},
	}

	stats := make(SweepStats, len(jobs))
	for _, job := range jobs {
		start := time.Now()
		st, err := sweep.InBatches(ctx, job.cursor, m.sweepOpts)
		stats[job.name] = st.Deleted
		metrics.RecordSweepDeleted(job.name, st.Deleted)
		if err != nil {
			metrics.RecordErrorByComponent("health", "sweep_"+job.name)
			return stats, fmt.Errorf("sweep %s: %w", job.name, err)
		}
		if st.Deleted > 0 {
			m.logger.Info(ctx, "swept expired records",
				logger.String("collection", job.name),
				logger.Int("deleted", st.Deleted),
				logger.Int("batches", st.Batches),
				logger.Duration("took", time.Since(start)),
			)
		}
	}
	return stats, nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func describe(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}
