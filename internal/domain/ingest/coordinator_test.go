package ingest_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/adapters/repository"
	"github.com/okian/racepulse/internal/domain/dedupe"
	"github.com/okian/racepulse/internal/domain/fanout"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var base = time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeStory struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (s *fakeStory) Generate(ctx context.Context, req ingest.StoryRequest) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return "", errors.New("renderer unavailable")
	}
	return "https://clips.example/" + req.RaceID + "/" + req.ParticipantID + "/" + req.SplitName, nil
}

type notification struct {
	raceID, participantID string
	split                 model.Split
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *fakeNotifier) Notify(_ context.Context, raceID, participantID string, split model.Split) (fanout.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{raceID, participantID, split})
	return fanout.Result{Sent: 1}, nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeAlerter struct {
	raised atomic.Int32
}

func (a *fakeAlerter) Raise(context.Context, model.Severity, string, string, string) bool {
	a.raised.Add(1)
	return true
}

type failingLedger struct{}

func (failingLedger) CreateIfAbsent(context.Context, model.IdempotencyRecord) (bool, error) {
	return false, errors.New("ledger down")
}

func (failingLedger) DeleteFingerprints(context.Context, []string) (int, error) {
	return 0, errors.New("ledger down")
}

// flakyOccurrences fails the first n CreateOccurrence calls.
type flakyOccurrences struct {
	*repository.MemoryStore
	failures atomic.Int32
}

func (f *flakyOccurrences) CreateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("write timeout")
	}
	return f.MemoryStore.CreateOccurrence(ctx, occ)
}

func marathonSchema() model.SplitSchema {
	return model.SplitSchema{RaceID: "R1", EventID: "E1", Splits: []model.Split{
		{Name: "Salida", Order: 1, DistanceMeters: 0, Kind: model.SplitStart},
		{Name: "5K", ID: "p5", Order: 2, DistanceMeters: 5000, Kind: model.SplitSplit},
		{Name: "10K", ID: "p10", Order: 3, DistanceMeters: 10000, Kind: model.SplitSplit},
		{Name: "Media", ID: "p21", Order: 4, DistanceMeters: 21097, Kind: model.SplitCheckpoint},
		{Name: "30K", Order: 5, DistanceMeters: 30000, Kind: model.SplitSplit},
		{Name: "Meta", ID: "p42", Order: 6, DistanceMeters: 42195, Kind: model.SplitFinish},
	}}
}

func rawEvent(label string, kind model.EventKind, rawTime string) model.RawCheckpointEvent {
	return model.RawCheckpointEvent{
		CompetitionID: "R1",
		EventID:       "E1",
		Kind:          kind,
		ParticipantID: "P1",
		ExtraData:     model.ExtraData{Point: model.Label{Name: label}, Location: "Paseo"},
		RawTime:       rawTime,
		Source:        "webhook",
	}
}

type harness struct {
	clock    *fakeClock
	store    *repository.MemoryStore
	story    *fakeStory
	notifier *fakeNotifier
	alerter  *fakeAlerter
	coord    *ingest.Coordinator
}

// newHarness builds a coordinator over a memory store sharing one fake clock.
// ledger and wrap override the dedup ledger and the occurrence store.
func newHarness(ledger dedupe.Ledger, wrap func(*repository.MemoryStore) ingest.OccurrenceStore) *harness {
	clock := &fakeClock{t: base}
	store := repository.NewMemoryStore(repository.WithClock(clock.Now))
	h := &harness{
		clock:    clock,
		store:    store,
		story:    &fakeStory{},
		notifier: &fakeNotifier{},
		alerter:  &fakeAlerter{},
	}
	So(store.PutSchema(context.Background(), marathonSchema()), ShouldBeNil)
	if ledger == nil {
		ledger = store
	}
	var occurrences ingest.OccurrenceStore = store
	if wrap != nil {
		occurrences = wrap(store)
	}
	deduper := dedupe.New(ledger, dedupe.WithClock(clock.Now), dedupe.WithTTL(24*time.Hour))
	h.coord = ingest.NewCoordinator(ingest.NewSchemaCache(store, time.Minute), occurrences, deduper,
		ingest.WithStoryGenerator(h.story),
		ingest.WithNotifier(h.notifier),
		ingest.WithAlerter(h.alerter),
		ingest.WithClock(clock.Now),
		ingest.WithStoryTimeout(30*time.Second),
	)
	return h
}

func defaultHarness() *harness {
	return newHarness(nil, nil)
}

func (h *harness) occurrenceCount() int {
	n, err := h.store.CountOccurrences(context.Background())
	So(err, ShouldBeNil)
	return n
}

var key10K = model.OccurrenceKey{RaceID: "R1", EventID: "E1", ParticipantID: "P1", SplitName: "10K"}

func TestProcessDetection(t *testing.T) {
	ctx := context.Background()

	Convey("Given a detection submitted twice in quick succession", t, func() {
		h := defaultHarness()

		first, err1 := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:40:00Z"))
		second, err2 := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:40:00Z"))

		Convey("Then one occurrence, one story and one fanout result", func() {
			So(err1, ShouldBeNil)
			So(err2, ShouldBeNil)
			So(first.Status, ShouldEqual, ingest.StatusCreated)
			So(first.Key, ShouldResemble, key10K)
			So(first.ClipURL, ShouldEqual, "https://clips.example/R1/P1/10K")
			So(first.Fanout.Sent, ShouldEqual, 1)
			So(second.Status, ShouldEqual, ingest.StatusDuplicate)

			So(h.occurrenceCount(), ShouldEqual, 1)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.notifier.count(), ShouldEqual, 1)

			occ, err := h.store.GetOccurrence(ctx, key10K)
			So(err, ShouldBeNil)
			So(occ.SplitOrder, ShouldEqual, 3)
			So(occ.Distance, ShouldEqual, 10000)
			So(occ.ClipStatus, ShouldEqual, model.ClipReady)
			So(occ.ClipAttempts, ShouldEqual, 1)
			So(occ.CrossedAt.Equal(time.Date(2026, 4, 12, 8, 40, 0, 0, time.UTC)), ShouldBeTrue)
			So(occ.Metadata["location"], ShouldEqual, "Paseo")
		})
	})

	Convey("Given aliased labels for the same split", t, func() {
		h := defaultHarness()
		first, _ := h.coord.Process(ctx, rawEvent("21K", model.KindDetection, ""))
		second, _ := h.coord.Process(ctx, rawEvent("Half Marathon", model.KindDetection, ""))

		Convey("Then they resolve to one occurrence", func() {
			So(first.Status, ShouldEqual, ingest.StatusCreated)
			So(first.Split.Name, ShouldEqual, "Media")
			So(second.Status, ShouldEqual, ingest.StatusDuplicate)
			So(h.occurrenceCount(), ShouldEqual, 1)
		})
	})

	Convey("Given a label beyond the configured splits", t, func() {
		h := defaultHarness()
		out, err := h.coord.Process(ctx, rawEvent("99K", model.KindDetection, ""))

		Convey("Then it is acknowledged with no side effects", func() {
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusUnresolved)
			So(h.occurrenceCount(), ShouldEqual, 0)
			So(h.story.calls.Load(), ShouldEqual, 0)
			So(h.notifier.count(), ShouldEqual, 0)
			So(h.store.LedgerSize(), ShouldEqual, 0)
		})
	})
}

func TestProcessConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()

	Convey("Given 32 concurrent deliveries of the same crossing", t, func() {
		h := defaultHarness()
		h.story.delay = 5 * time.Millisecond

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			statuses = map[ingest.Status]int{}
			errs     int
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:40:00Z"))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs++
					return
				}
				statuses[out.Status]++
			}()
		}
		wg.Wait()

		Convey("Then exactly one story and one fanout happen", func() {
			So(errs, ShouldEqual, 0)
			So(statuses[ingest.StatusCreated], ShouldEqual, 1)
			So(statuses[ingest.StatusDuplicate], ShouldEqual, 31)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.notifier.count(), ShouldEqual, 1)
			So(h.occurrenceCount(), ShouldEqual, 1)
		})
	})
}

func TestProcessModification(t *testing.T) {
	ctx := context.Background()

	Convey("Given an existing occurrence", t, func() {
		h := defaultHarness()
		created, err := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:40:00Z"))
		So(err, ShouldBeNil)
		So(created.Status, ShouldEqual, ingest.StatusCreated)
		original, _ := h.store.GetOccurrence(ctx, key10K)

		Convey("When a modification corrects its timestamp", func() {
			h.clock.Advance(time.Minute)
			out, err := h.coord.Process(ctx, rawEvent("10K", model.KindModification, "2026-04-12T08:39:30Z"))

			Convey("Then the occurrence is updated in place and fanned out once more", func() {
				So(err, ShouldBeNil)
				So(out.Status, ShouldEqual, ingest.StatusUpdated)
				So(h.occurrenceCount(), ShouldEqual, 1)
				So(h.story.calls.Load(), ShouldEqual, 1)
				So(h.notifier.count(), ShouldEqual, 2)

				occ, _ := h.store.GetOccurrence(ctx, key10K)
				So(occ.ID, ShouldEqual, original.ID)
				So(occ.RawTime, ShouldEqual, "2026-04-12T08:39:30Z")
				So(occ.CrossedAt.Equal(time.Date(2026, 4, 12, 8, 39, 30, 0, time.UTC)), ShouldBeTrue)
				So(occ.ClipURL, ShouldEqual, original.ClipURL)
			})

			Convey("And a replay of the same correction is a duplicate", func() {
				again, err := h.coord.Process(ctx, rawEvent("10K", model.KindModification, "2026-04-12T08:39:30Z"))
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, ingest.StatusDuplicate)
				So(h.notifier.count(), ShouldEqual, 2)
			})
		})
	})

	Convey("Given a modification with no prior detection", t, func() {
		h := defaultHarness()
		out, err := h.coord.Process(ctx, rawEvent("Meta", model.KindModification, "2026-04-12T11:02:00Z"))

		Convey("Then it creates the occurrence", func() {
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusCreated)
			So(out.Split.Kind, ShouldEqual, model.SplitFinish)
			So(h.story.calls.Load(), ShouldEqual, 1)

			Convey("And the late detection is a duplicate", func() {
				dup, err := h.coord.Process(ctx, rawEvent("Meta", model.KindDetection, "2026-04-12T11:02:00Z"))
				So(err, ShouldBeNil)
				So(dup.Status, ShouldEqual, ingest.StatusDuplicate)
			})
		})
	})
}

func TestProcessTTLExpiry(t *testing.T) {
	ctx := context.Background()

	Convey("Given a fingerprint whose ledger record expired", t, func() {
		h := defaultHarness()
		_, err := h.coord.Process(ctx, rawEvent("5K", model.KindDetection, ""))
		So(err, ShouldBeNil)
		h.clock.Advance(25 * time.Hour)

		out, err := h.coord.Process(ctx, rawEvent("5K", model.KindDetection, ""))

		Convey("Then the ledger treats it as new but the occurrence still exists once", func() {
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusDuplicate)
			So(h.occurrenceCount(), ShouldEqual, 1)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.store.LedgerSize(), ShouldEqual, 1)
		})
	})
}

func TestProcessModificationWithoutLedgerRecord(t *testing.T) {
	ctx := context.Background()
	corrected := time.Date(2026, 4, 12, 8, 29, 0, 0, time.UTC)

	Convey("Given an occurrence whose detection record has expired", t, func() {
		h := defaultHarness()
		_, err := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:30:00Z"))
		So(err, ShouldBeNil)
		h.clock.Advance(25 * time.Hour)

		out, err := h.coord.Process(ctx, rawEvent("10K", model.KindModification, "2026-04-12T08:29:00Z"))

		Convey("Then the correction is applied in place and fanned out", func() {
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusUpdated)
			So(h.occurrenceCount(), ShouldEqual, 1)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.notifier.count(), ShouldEqual, 2)

			occ, _ := h.store.GetOccurrence(ctx, key10K)
			So(occ.RawTime, ShouldEqual, "2026-04-12T08:29:00Z")
			So(occ.CrossedAt.Equal(corrected), ShouldBeTrue)
		})
	})

	Convey("Given an unreachable ledger and an existing occurrence", t, func() {
		h := newHarness(failingLedger{}, nil)
		_, err := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, "2026-04-12T08:30:00Z"))
		So(err, ShouldBeNil)

		out, err := h.coord.Process(ctx, rawEvent("10K", model.KindModification, "2026-04-12T08:29:00Z"))

		Convey("Then the correction is not lost", func() {
			So(err, ShouldBeNil)
			So(out.FailOpen, ShouldBeTrue)
			So(out.Status, ShouldEqual, ingest.StatusUpdated)
			So(h.occurrenceCount(), ShouldEqual, 1)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.notifier.count(), ShouldEqual, 2)

			occ, _ := h.store.GetOccurrence(ctx, key10K)
			So(occ.RawTime, ShouldEqual, "2026-04-12T08:29:00Z")
			So(occ.CrossedAt.Equal(corrected), ShouldBeTrue)
		})
	})
}

func TestProcessFailures(t *testing.T) {
	ctx := context.Background()

	Convey("Given an invalid event", t, func() {
		h := defaultHarness()
		raw := rawEvent("10K", model.KindDetection, "")
		raw.ParticipantID = ""
		_, err := h.coord.Process(ctx, raw)

		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		So(h.store.LedgerSize(), ShouldEqual, 0)
	})

	Convey("Given an event for a race with no schema", t, func() {
		h := defaultHarness()
		raw := rawEvent("10K", model.KindDetection, "")
		raw.EventID = "E-unknown"
		_, err := h.coord.Process(ctx, raw)

		Convey("Then it is a configuration error with no dedup record", func() {
			So(errors.Is(err, model.ErrConfiguration), ShouldBeTrue)
			So(h.store.LedgerSize(), ShouldEqual, 0)
			So(h.alerter.raised.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given a schema with out-of-order splits", t, func() {
		h := defaultHarness()
		So(h.store.PutSchema(ctx, model.SplitSchema{RaceID: "R1", EventID: "E2", Splits: []model.Split{
			{Name: "10K", Order: 2, DistanceMeters: 10000, Kind: model.SplitSplit},
			{Name: "5K", Order: 1, DistanceMeters: 5000, Kind: model.SplitSplit},
		}}), ShouldBeNil)
		raw := rawEvent("10K", model.KindDetection, "")
		raw.EventID = "E2"
		_, err := h.coord.Process(ctx, raw)
		So(errors.Is(err, model.ErrConfiguration), ShouldBeTrue)
	})

	Convey("Given an unreachable ledger", t, func() {
		h := newHarness(failingLedger{}, nil)
		first, err1 := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, ""))
		second, err2 := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, ""))

		Convey("Then processing fails open but the occurrence write still dedups", func() {
			So(err1, ShouldBeNil)
			So(err2, ShouldBeNil)
			So(first.FailOpen, ShouldBeTrue)
			So(first.Status, ShouldEqual, ingest.StatusCreated)
			So(second.Status, ShouldEqual, ingest.StatusDuplicate)
			So(h.story.calls.Load(), ShouldEqual, 1)
			So(h.notifier.count(), ShouldEqual, 1)
		})
	})

	Convey("Given an occurrence write that fails once", t, func() {
		h := newHarness(nil, func(store *repository.MemoryStore) ingest.OccurrenceStore {
			flaky := &flakyOccurrences{MemoryStore: store}
			flaky.failures.Store(1)
			return flaky
		})

		_, err := h.coord.Process(ctx, rawEvent("30K", model.KindDetection, ""))
		So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)

		Convey("Then the redelivery is processed rather than dropped", func() {
			out, err := h.coord.Process(ctx, rawEvent("30K", model.KindDetection, ""))
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusCreated)
			So(h.occurrenceCount(), ShouldEqual, 1)
		})
	})
}

func TestClipRetry(t *testing.T) {
	ctx := context.Background()

	Convey("Given a story generator that fails inline", t, func() {
		h := defaultHarness()
		h.story.fail.Store(true)

		out, err := h.coord.Process(ctx, rawEvent("10K", model.KindDetection, ""))

		Convey("Then the occurrence stands with its clip failed and fanout still runs", func() {
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusCreated)
			So(out.ClipURL, ShouldBeEmpty)
			So(h.notifier.count(), ShouldEqual, 1)
			occ, _ := h.store.GetOccurrence(ctx, key10K)
			So(occ.ClipStatus, ShouldEqual, model.ClipFailed)
		})

		Convey("Then a retry inside the story timeout leaves it alone", func() {
			h.story.fail.Store(false)
			n, err := h.coord.RetryPendingClips(ctx, 10)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("Then a later retry attaches the clip", func() {
			h.story.fail.Store(false)
			h.clock.Advance(time.Minute)
			n, err := h.coord.RetryPendingClips(ctx, 10)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)

			occ, _ := h.store.GetOccurrence(ctx, key10K)
			So(occ.ClipStatus, ShouldEqual, model.ClipReady)
			So(occ.ClipAttempts, ShouldEqual, 2)
			So(occ.ClipURL, ShouldNotBeEmpty)
		})

		Convey("Then exhausted clips do not starve newer failures", func() {
			_, err := h.coord.Process(ctx, rawEvent("Meta", model.KindDetection, ""))
			So(err, ShouldBeNil)
			for i := 0; i < 5; i++ {
				h.clock.Advance(time.Minute)
				_, err := h.coord.RetryPendingClips(ctx, 1)
				So(err, ShouldBeNil)
			}

			first, _ := h.store.GetOccurrence(ctx, key10K)
			metaKey := key10K
			metaKey.SplitName = "Meta"
			later, _ := h.store.GetOccurrence(ctx, metaKey)
			So(first.ClipAttempts, ShouldEqual, 3)
			So(later.ClipAttempts, ShouldEqual, 3)
		})

		Convey("Then retries stop at the attempt limit", func() {
			for i := 0; i < 5; i++ {
				h.clock.Advance(time.Minute)
				_, err := h.coord.RetryPendingClips(ctx, 10)
				So(err, ShouldBeNil)
			}
			So(h.story.calls.Load(), ShouldEqual, 3)
		})
	})
}
