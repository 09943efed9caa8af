package service

import (
	"time"

	"github.com/okian/racepulse/internal/adapters/repository"
	"github.com/okian/racepulse/internal/adapters/timing"
	"github.com/okian/racepulse/internal/domain/fanout"
	"github.com/okian/racepulse/internal/domain/health"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore uses store instead of the one named by the configuration. The
// caller keeps ownership; Stop does not close it.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
		s.ownsStore = false
	}
}

// WithDialer replaces the websocket dialer used for the timing provider.
func WithDialer(d timing.Dialer) Option {
	return func(s *Service) {
		s.dialer = d
	}
}

// WithStoryGenerator replaces the HTTP story client.
func WithStoryGenerator(g ingest.StoryGenerator) Option {
	return func(s *Service) {
		s.story = g
	}
}

// WithDispatcher replaces the HTTP push client.
func WithDispatcher(d fanout.Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

// WithAlertNotifier replaces the webhook used for critical alerts.
func WithAlertNotifier(n health.Notifier) Option {
	return func(s *Service) {
		s.alertNotifier = n
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
