package timing

import (
	"context"
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff sets the reconnection policy: the first delay, the growth
// factor, the largest delay and how many consecutive failed attempts are
// made before a critical alert.
func WithBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialDelay = initial
		}
		if multiplier >= 1 {
			m.multiplier = multiplier
		}
		if maxDelay > 0 {
			m.maxDelay = maxDelay
		}
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// WithTracker sets the activity tracker the read loop reports into.
func WithTracker(t Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithAlerter sets where exhausted reconnects are escalated.
func WithAlerter(a Alerter) Option {
	return func(m *Manager) { m.alerter = a }
}

// WithMetricLog records a connection metric on every successful handshake.
func WithMetricLog(l MetricLog) Option {
	return func(m *Manager) { m.metricLog = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep overrides how backoff delays are waited out. It must return
// ctx.Err() when ctx ends first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
