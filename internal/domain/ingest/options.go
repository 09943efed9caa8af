package ingest

import (
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStoryGenerator sets the story/clip generator.
func WithStoryGenerator(g StoryGenerator) Option {
	return func(c *Coordinator) { c.story = g }
}

// WithNotifier sets the follower fanout.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithAlerter sets where configuration problems are raised.
func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithActivity sets the processed/error counter.
func WithActivity(a Activity) Option {
	return func(c *Coordinator) { c.activity = a }
}

// WithAckTimeout bounds schema lookup, dedup and persistence for one event.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithStoryTimeout bounds one story generator call.
func WithStoryTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.storyTimeout = d
		}
	}
}

// WithClipMaxAttempts caps story attempts per occurrence, inline included.
func WithClipMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.clipMaxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}
