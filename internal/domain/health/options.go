package health

import (
	"time"

	"github.com/okian/racepulse/pkg/sweep"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithCheckInterval sets how often staleness is checked.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithSweepInterval sets how often retention sweeps run.
func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithThresholds sets the staleness grading.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) { m.thresholds = t }
}

// WithRetention sets how long metrics and alerts are kept.
func WithRetention(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithSubscriptionCleanup sets how long inactive subscriptions are kept.
func WithSubscriptionCleanup(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.subscriptionCleanup = d
		}
	}
}

// WithSweepOptions sets the batch bounds for sweeps.
func WithSweepOptions(opts sweep.Options) MonitorOption {
	return func(m *Monitor) {
		if opts.PageSize > 0 && opts.MaxBatchSize > 0 {
			m.sweepOpts = opts
		}
	}
}

// WithWatching gates staleness alerts, typically on "any active subscription".
func WithWatching(fn func() bool) MonitorOption {
	return func(m *Monitor) {
		if fn != nil {
			m.watching = fn
		}
	}
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}
