// Package dedupe implements the idempotency ledger that guarantees at most
// one side effect per checkpoint occurrence.
package dedupe

import (
	"context"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// DefaultTTL is how long a fingerprint is remembered.
const DefaultTTL = 24 * time.Hour

// Ledger persists idempotency records.
type Ledger interface {
	// CreateIfAbsent writes rec unless an unexpired record with the same
	// fingerprint exists. It reports whether rec was written. Implementations
	// must make this atomic across processes sharing the ledger.
	CreateIfAbsent(ctx context.Context, rec model.IdempotencyRecord) (bool, error)
	DeleteFingerprints(ctx context.Context, fingerprints []string) (int, error)
}

// Result is the answer to "seen before?".
type Result struct {
	IsNew bool
	// FailOpen is set when the ledger could not be consulted and the event is
	// treated as new so a real crossing is not dropped.
	FailOpen bool
}

// Deduper answers whether a fingerprint is new and records it.
type Deduper interface {
	CheckAndMark(ctx context.Context, fingerprint string) Result
	// Release forgets fingerprint so a redelivery is processed again. Used
	// when the side effect a mark guarded could not be committed.
	Release(ctx context.Context, fingerprint string) error
}

// LedgerDeduper is the Deduper backed by a Ledger.
type LedgerDeduper struct {
	ledger     Ledger
	ttl        time.Duration
	now        func() time.Time
	onFailOpen func(ctx context.Context, fingerprint string, err error)
	logger     logger.Logger
}

// New creates a deduper over ledger.
func New(ledger Ledger, opts ...Option) *LedgerDeduper {
	d := &LedgerDeduper{
		ledger: ledger,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("dedupe")
	}
	return d
}

// CheckAndMark records fingerprint and reports whether this call was the first
// to do so within the TTL window. Concurrent callers with the same fingerprint
// see IsNew exactly once, provided the ledger is reachable.
func (d *LedgerDeduper) CheckAndMark(ctx context.Context, fingerprint string) Result {
	now := d.now().UTC()
	rec := model.IdempotencyRecord{
		Fingerprint:  fingerprint,
		ProcessedAt:  now,
		TTLExpiresAt: now.Add(d.ttl),
	}

	created, err := d.ledger.CreateIfAbsent(ctx, rec)
	if err != nil {
		metrics.RecordLedgerFailOpen()
		metrics.RecordErrorByComponent("dedupe", "ledger_unavailable")
		d.logger.Error(ctx, "ledger unavailable; processing event without dedup",
			logger.String("fingerprint", fingerprint),
			logger.Error(model.Wrap("dedupe.check_and_mark", model.ErrLedgerUnavailable, err)),
		)
		if d.onFailOpen != nil {
			d.onFailOpen(ctx, fingerprint, err)
		}
		return Result{IsNew: true, FailOpen: true}
	}
	return Result{IsNew: created}
}

// Release implements Deduper.
func (d *LedgerDeduper) Release(ctx context.Context, fingerprint string) error {
	if _, err := d.ledger.DeleteFingerprints(ctx, []string{fingerprint}); err != nil {
		return model.Wrap("dedupe.release", model.ErrLedgerUnavailable, err)
	}
	return nil
}

// TTL returns the configured record lifetime.
func (d *LedgerDeduper) TTL() time.Duration { return d.ttl }
