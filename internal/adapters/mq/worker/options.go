package worker

import (
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetries sets how many times an event failing on a downstream
// dependency is retried. Zero disables retries.
func WithRetries(n int) Option {
	return func(w *InMemoryWorker) {
		if n >= 0 {
			w.retries = n
		}
	}
}

// WithRetryBackoff sets the first and the largest wait between retries.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(w *InMemoryWorker) {
		if initial > 0 {
			w.retryInitial = initial
		}
		if maxInterval > 0 {
			w.retryMax = maxInterval
		}
	}
}
