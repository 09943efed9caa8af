package dedupe_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/domain/dedupe"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type failingLedger struct{}

func (failingLedger) CreateIfAbsent(context.Context, model.IdempotencyRecord) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingLedger) DeleteFingerprints(context.Context, []string) (int, error) {
	return 0, errors.New("connection refused")
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheckAndMark(t *testing.T) {
	Convey("Given a deduper over an in-memory ledger", t, func() {
		ctx := context.Background()
		clock := &fakeClock{now: time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)}
		ledger := dedupe.NewMemoryLedger(0)
		d := dedupe.New(ledger, dedupe.WithTTL(time.Hour), dedupe.WithClock(clock.Now))

		Convey("When a fingerprint is seen for the first time", func() {
			res := d.CheckAndMark(ctx, "fp-1")

			Convey("Then it is new and recorded with its TTL", func() {
				So(res.IsNew, ShouldBeTrue)
				So(res.FailOpen, ShouldBeFalse)
				rec, ok := ledger.Get(ctx, "fp-1")
				So(ok, ShouldBeTrue)
				So(rec.TTLExpiresAt.Equal(clock.Now().Add(time.Hour)), ShouldBeTrue)
			})
		})

		Convey("When the same fingerprint is submitted again within the TTL", func() {
			d.CheckAndMark(ctx, "fp-1")
			clock.Advance(30 * time.Minute)
			res := d.CheckAndMark(ctx, "fp-1")

			Convey("Then it is not new", func() {
				So(res.IsNew, ShouldBeFalse)
				So(ledger.Size(), ShouldEqual, 1)
			})
		})

		Convey("When the record has expired", func() {
			d.CheckAndMark(ctx, "fp-1")
			clock.Advance(time.Hour)
			res := d.CheckAndMark(ctx, "fp-1")

			Convey("Then the fingerprint is treated as new again", func() {
				So(res.IsNew, ShouldBeTrue)
				So(ledger.Size(), ShouldEqual, 1)
			})
		})

		Convey("When many goroutines race on one fingerprint", func() {
			var wg sync.WaitGroup
			var winners atomic.Int32
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if d.CheckAndMark(ctx, "fp-race").IsNew {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one observes IsNew", func() {
				So(winners.Load(), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a deduper whose ledger is unreachable", t, func() {
		var hooked atomic.Int32
		d := dedupe.New(failingLedger{}, dedupe.WithFailOpenHook(func(context.Context, string, error) {
			hooked.Add(1)
		}))

		res := d.CheckAndMark(context.Background(), "fp-1")

		Convey("Then it fails open toward processing and flags it", func() {
			So(res.IsNew, ShouldBeTrue)
			So(res.FailOpen, ShouldBeTrue)
			So(hooked.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given default options", t, func() {
		d := dedupe.New(dedupe.NewMemoryLedger(0))
		So(d.TTL(), ShouldEqual, dedupe.DefaultTTL)

		Convey("A released fingerprint is new again", func() {
			ctx := context.Background()
			So(d.CheckAndMark(ctx, "fp-r").IsNew, ShouldBeTrue)
			So(d.CheckAndMark(ctx, "fp-r").IsNew, ShouldBeFalse)
			So(d.Release(ctx, "fp-r"), ShouldBeNil)
			So(d.CheckAndMark(ctx, "fp-r").IsNew, ShouldBeTrue)
		})
	})

	Convey("Given an unreachable ledger, release reports it", t, func() {
		err := dedupe.New(failingLedger{}).Release(context.Background(), "fp")
		So(errors.Is(err, model.ErrLedgerUnavailable), ShouldBeTrue)
	})
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)
	rec := func(fp string, at time.Time) model.IdempotencyRecord {
		return model.IdempotencyRecord{Fingerprint: fp, ProcessedAt: at, TTLExpiresAt: at.Add(time.Hour)}
	}

	Convey("Given a bounded ledger at capacity", t, func() {
		l := dedupe.NewMemoryLedger(2)
		l.CreateIfAbsent(ctx, rec("a", base))
		l.CreateIfAbsent(ctx, rec("b", base.Add(time.Second)))
		created, err := l.CreateIfAbsent(ctx, rec("c", base.Add(2*time.Second)))

		Convey("Then the oldest record is evicted", func() {
			So(err, ShouldBeNil)
			So(created, ShouldBeTrue)
			So(l.Size(), ShouldEqual, 2)
			_, hasA := l.Get(ctx, "a")
			_, hasC := l.Get(ctx, "c")
			So(hasA, ShouldBeFalse)
			So(hasC, ShouldBeTrue)
		})
	})

	Convey("Given records with mixed expiry", t, func() {
		l := dedupe.NewMemoryLedger(0)
		l.CreateIfAbsent(ctx, rec("old-1", base))
		l.CreateIfAbsent(ctx, rec("old-2", base.Add(time.Minute)))
		l.CreateIfAbsent(ctx, rec("fresh", base.Add(2*time.Hour)))

		now := base.Add(90 * time.Minute)

		Convey("When listing expired records with a small limit", func() {
			page, err := l.ListExpired(ctx, now, 1)
			So(err, ShouldBeNil)
			So(page, ShouldResemble, []string{"old-1"})
		})

		Convey("When deleting the expired set", func() {
			expired, _ := l.ListExpired(ctx, now, 10)
			n, err := l.DeleteFingerprints(ctx, append(expired, "missing"))

			Convey("Then only the fresh record remains", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
				So(l.Size(), ShouldEqual, 1)
				_, ok := l.Get(ctx, "fresh")
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When an expired record is recreated between listing and deleting", func() {
			expired, _ := l.ListExpired(ctx, now, 10)
			recreated, err := l.CreateIfAbsent(ctx, rec("old-1", now))
			So(err, ShouldBeNil)
			So(recreated, ShouldBeTrue)

			n, err := l.DeleteExpired(ctx, expired, now)

			Convey("Then the recreated record survives and still dedups", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
				_, ok := l.Get(ctx, "old-1")
				So(ok, ShouldBeTrue)
				again, err := l.CreateIfAbsent(ctx, rec("old-1", now))
				So(err, ShouldBeNil)
				So(again, ShouldBeFalse)
			})
		})
	})
}

func TestFingerprint(t *testing.T) {
	key := model.OccurrenceKey{RaceID: "R1", EventID: "E1", ParticipantID: "P1", SplitName: "10K"}

	Convey("Fingerprints are deterministic and field-sensitive", t, func() {
		So(dedupe.DetectionFingerprint(key), ShouldEqual, dedupe.DetectionFingerprint(key))
		So(len(dedupe.DetectionFingerprint(key)), ShouldEqual, 64)

		other := key
		other.SplitName = "5K"
		So(dedupe.DetectionFingerprint(other), ShouldNotEqual, dedupe.DetectionFingerprint(key))

		// Joining must not let field boundaries shift.
		So(dedupe.Fingerprint("ab", "c"), ShouldNotEqual, dedupe.Fingerprint("a", "bc"))
	})

	Convey("Modification fingerprints differ by raw time and from detections", t, func() {
		a := dedupe.ModificationFingerprint(key, "08:31:00")
		b := dedupe.ModificationFingerprint(key, "08:31:05")
		So(a, ShouldNotEqual, b)
		So(a, ShouldNotEqual, dedupe.DetectionFingerprint(key))
	})
}
