package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// AlertLog persists alerts.
type AlertLog interface {
	AppendAlert(ctx context.Context, a model.Alert) error
}

// Notifier delivers critical alerts out of band.
type Notifier interface {
	Notify(ctx context.Context, a model.Alert) error
}

// Alerter writes alerts to the log, throttling repeats of the same
// (component, key, severity) within a cooldown.
type Alerter struct {
	log      AlertLog
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time
	logger   logger.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithNotifier sets the critical-alert notifier.
func WithNotifier(n Notifier) AlerterOption {
	return func(a *Alerter) { a.notifier = n }
}

// WithCooldown sets the per-key throttle window. Zero disables throttling.
func WithCooldown(d time.Duration) AlerterOption {
	return func(a *Alerter) {
		if d >= 0 {
			a.cooldown = d
		}
	}
}

// WithAlerterClock overrides the time source.
func WithAlerterClock(now func() time.Time) AlerterOption {
	return func(a *Alerter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAlerter creates an Alerter over log.
func NewAlerter(log AlertLog, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		log:      log,
		cooldown: 10 * time.Minute,
		now:      time.Now,
		logger:   logger.Get().Named("alerts"),
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Raise records an alert unless an identical one was raised within the
// cooldown. It reports whether the alert was recorded.
func (a *Alerter) Raise(ctx context.Context, severity model.Severity, component, key, message string) bool {
	now := a.now().UTC()
	throttleKey := component + "/" + key + "/" + string(severity)

	a.mu.Lock()
	if at, ok := a.last[throttleKey]; ok && a.cooldown > 0 && now.Sub(at) < a.cooldown {
		a.mu.Unlock()
		return false
	}
	a.last[throttleKey] = now
	a.mu.Unlock()

	alert := model.Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Component: component,
		Key:       key,
		Message:   message,
		CreatedAt: now,
	}
	metrics.RecordAlert(string(severity))

	fields := []logger.Field{
		logger.String("severity", string(severity)),
		logger.String("component", component),
		logger.String("key", key),
	}
	if severity == model.SeverityWarning {
		a.logger.Warn(ctx, message, fields...)
	} else {
		a.logger.Error(ctx, message, fields...)
	}

	if err := a.log.AppendAlert(ctx, alert); err != nil {
		metrics.RecordErrorByComponent("alerts", "append_failed")
		a.logger.Error(ctx, "failed to persist alert", append(fields, logger.Error(err))...)
	}

	if severity == model.SeverityCritical && a.notifier != nil {
		if err := a.notifier.Notify(ctx, alert); err != nil {
			metrics.RecordErrorByComponent("alerts", "notify_failed")
			a.logger.Error(ctx, "failed to notify critical alert", append(fields, logger.Error(err))...)
		}
	}
	return true
}

// Reset forgets throttle state for (component, key) at every severity, so
// the next occurrence after a recovery alerts immediately.
func (a *Alerter) Reset(component, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sev := range []model.Severity{model.SeverityWarning, model.SeverityError, model.SeverityCritical} {
		delete(a.last, component+"/"+key+"/"+string(sev))
	}
}
