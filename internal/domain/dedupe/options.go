package dedupe

import (
	"context"
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// Option applies a configuration option to the LedgerDeduper.
type Option func(*LedgerDeduper)

// WithTTL sets the idempotency record lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(d *LedgerDeduper) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *LedgerDeduper) {
		if now != nil {
			d.now = now
		}
	}
}

// WithFailOpenHook registers a callback invoked whenever the ledger is
// unreachable and the event is processed anyway.
func WithFailOpenHook(fn func(ctx context.Context, fingerprint string, err error)) Option {
	return func(d *LedgerDeduper) {
		d.onFailOpen = fn
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(d *LedgerDeduper) {
		if l != nil {
			d.logger = l
		}
	}
}
