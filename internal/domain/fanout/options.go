package fanout

import (
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// Option configures a Fanout.
type Option func(*Fanout)

// WithBatchSize caps messages per dispatch call.
func WithBatchSize(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithConcurrency caps in-flight dispatch calls.
func WithConcurrency(n int) Option {
	return func(f *Fanout) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithTimeout bounds one Notify call.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithSilent sends data-only pushes.
func WithSilent(silent bool) Option {
	return func(f *Fanout) { f.silent = silent }
}

// WithLogger overrides the component logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Fanout) {
		if l != nil {
			f.logger = l
		}
	}
}
