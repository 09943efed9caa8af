package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// MemoryLedger is an in-process Ledger. It is atomic within one process only,
// so multi-instance deployments need a shared ledger such as the SQLite store.
//
// Bounded mode (maxSize > 0) evicts the oldest record when full; unbounded
// mode keeps everything until swept.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*list.Element // fingerprint -> element holding model.IdempotencyRecord
	order   *list.List               // oldest at the back
	maxSize int
	size    atomic.Int64
}

// NewMemoryLedger creates an in-memory ledger. maxSize <= 0 means unbounded.
func NewMemoryLedger(maxSize int) *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// CreateIfAbsent implements Ledger. An expired record is replaced.
func (l *MemoryLedger) CreateIfAbsent(_ context.Context, rec model.IdempotencyRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.records[rec.Fingerprint]; ok {
		existing := el.Value.(model.IdempotencyRecord)
		if !existing.Expired(rec.ProcessedAt) {
			return false, nil
		}
		l.removeElement(el)
	}

	if l.maxSize > 0 && len(l.records) >= l.maxSize {
		if oldest := l.order.Back(); oldest != nil {
			l.removeElement(oldest)
		}
	}

	l.records[rec.Fingerprint] = l.order.PushFront(rec)
	l.size.Add(1)
	return true, nil
}

// Get returns the record for fingerprint.
func (l *MemoryLedger) Get(_ context.Context, fingerprint string) (model.IdempotencyRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.records[fingerprint]
	if !ok {
		return model.IdempotencyRecord{}, false
	}
	return el.Value.(model.IdempotencyRecord), true
}

// ListExpired returns up to limit fingerprints expired at now, oldest first.
func (l *MemoryLedger) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for el := l.order.Back(); el != nil && len(out) < limit; el = el.Prev() {
		rec := el.Value.(model.IdempotencyRecord)
		if rec.Expired(now) {
			out = append(out, rec.Fingerprint)
		}
	}
	return out, nil
}

// DeleteFingerprints removes fingerprints and returns how many existed.
func (l *MemoryLedger) DeleteFingerprints(_ context.Context, fingerprints []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, fp := range fingerprints {
		if el, ok := l.records[fp]; ok {
			l.removeElement(el)
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes those fingerprints whose record is still expired at
// now and returns how many it removed.
func (l *MemoryLedger) DeleteExpired(_ context.Context, fingerprints []string, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, fp := range fingerprints {
		if el, ok := l.records[fp]; ok && el.Value.(model.IdempotencyRecord).Expired(now) {
			l.removeElement(el)
			n++
		}
	}
	return n, nil
}

// Size returns the number of records held.
func (l *MemoryLedger) Size() int64 {
	return l.size.Load()
}

// removeElement must be called with l.mu held.
func (l *MemoryLedger) removeElement(el *list.Element) {
	rec := l.order.Remove(el).(model.IdempotencyRecord)
	delete(l.records, rec.Fingerprint)
	l.size.Add(-1)
}
