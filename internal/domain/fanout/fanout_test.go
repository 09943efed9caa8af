package fanout_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/okian/racepulse/internal/adapters/repository"
	"github.com/okian/racepulse/internal/domain/fanout"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// fakeDispatcher records every batch and fails tokens listed in dead.
type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]model.PushMessage
	dead    map[string]bool
	err     error
}

func (d *fakeDispatcher) Send(_ context.Context, msgs []model.PushMessage) ([]model.PushReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, msgs)
	if d.err != nil {
		return nil, d.err
	}
	receipts := make([]model.PushReceipt, 0, len(msgs))
	for _, m := range msgs {
		if d.dead[m.Token] {
			receipts = append(receipts, model.PushReceipt{Token: m.Token, TokenUnregistered: true, Message: "DeviceNotRegistered"})
			continue
		}
		receipts = append(receipts, model.PushReceipt{Token: m.Token, OK: true})
	}
	return receipts, nil
}

func (d *fakeDispatcher) tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, b := range d.batches {
		for _, m := range b {
			out = append(out, m.Token)
		}
	}
	sort.Strings(out)
	return out
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	d.batches = nil
	d.mu.Unlock()
}

var split10K = model.Split{Name: "10K", Order: 2, DistanceMeters: 10000, Kind: model.SplitSplit}

func seed(ctx context.Context, store *repository.MemoryStore, user model.User, follows ...model.Follow) {
	So(store.PutUser(ctx, user), ShouldBeNil)
	for _, f := range follows {
		So(store.PutFollow(ctx, f), ShouldBeNil)
	}
}

func TestFanoutTargets(t *testing.T) {
	ctx := context.Background()

	Convey("Given followers with mixed token validity, subscriptions and races", t, func() {
		store := repository.NewMemoryStore()
		active := map[string]bool{"R1": true}

		seed(ctx, store, model.User{ID: "ok", PushToken: "tok-ok", RaceSubscriptions: active},
			model.Follow{UserID: "ok", ParticipantID: "P1", RaceID: "R1"})
		seed(ctx, store, model.User{ID: "no-token", RaceSubscriptions: active},
			model.Follow{UserID: "no-token", ParticipantID: "P1", RaceID: "R1"})
		seed(ctx, store, model.User{ID: "inactive", PushToken: "tok-inactive", RaceSubscriptions: map[string]bool{"R1": false}},
			model.Follow{UserID: "inactive", ParticipantID: "P1", RaceID: "R1"})
		seed(ctx, store, model.User{ID: "other-race", PushToken: "tok-other", RaceSubscriptions: active},
			model.Follow{UserID: "other-race", ParticipantID: "P1", RaceID: "R2"})
		seed(ctx, store, model.User{ID: "shared", PushToken: "tok-ok", RaceSubscriptions: active},
			model.Follow{UserID: "shared", ParticipantID: "P1", RaceID: "R1"})
		So(store.PutFollow(ctx, model.Follow{UserID: "ghost", ParticipantID: "P1", RaceID: "R1"}), ShouldBeNil)

		dispatcher := &fakeDispatcher{}
		f := fanout.New(store, dispatcher)

		Convey("Only valid token, active subscription and matching race qualify", func() {
			res, err := f.Notify(ctx, "R1", "P1", split10K)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, fanout.Result{Sent: 1})
			So(dispatcher.tokens(), ShouldResemble, []string{"tok-ok"})
		})

		Convey("A participant with no followers dispatches nothing", func() {
			res, err := f.Notify(ctx, "R1", "P9", split10K)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, fanout.Result{})
			So(dispatcher.batches, ShouldBeEmpty)
		})
	})
}

func TestFanoutPruning(t *testing.T) {
	ctx := context.Background()

	Convey("Given a follower whose token is no longer registered", t, func() {
		store := repository.NewMemoryStore()
		active := map[string]bool{"R1": true}
		seed(ctx, store, model.User{ID: "alive", PushToken: "tok-alive", RaceSubscriptions: active},
			model.Follow{UserID: "alive", ParticipantID: "P1", RaceID: "R1"})
		seed(ctx, store, model.User{ID: "gone", PushToken: "tok-gone", RaceSubscriptions: active},
			model.Follow{UserID: "gone", ParticipantID: "P1", RaceID: "R1"})

		dispatcher := &fakeDispatcher{dead: map[string]bool{"tok-gone": true}}
		f := fanout.New(store, dispatcher)

		res, err := f.Notify(ctx, "R1", "P1", split10K)

		Convey("Then the token is pruned from the user record", func() {
			So(err, ShouldBeNil)
			So(res, ShouldResemble, fanout.Result{Sent: 1, Failed: 1, Pruned: 1})

			u, err := store.User(ctx, "gone")
			So(err, ShouldBeNil)
			So(u.PushToken, ShouldBeEmpty)

			Convey("And the next fanout skips it", func() {
				dispatcher.reset()
				res, err := f.Notify(ctx, "R1", "P1", split10K)
				So(err, ShouldBeNil)
				So(res, ShouldResemble, fanout.Result{Sent: 1})
				So(dispatcher.tokens(), ShouldResemble, []string{"tok-alive"})
			})
		})
	})
}

func TestFanoutPruningSharedToken(t *testing.T) {
	ctx := context.Background()

	Convey("Given two followers registered with the same dead token", t, func() {
		store := repository.NewMemoryStore()
		active := map[string]bool{"R1": true}
		for _, id := range []string{"phone-a", "phone-b"} {
			seed(ctx, store, model.User{ID: id, PushToken: "tok-shared", RaceSubscriptions: active},
				model.Follow{UserID: id, ParticipantID: "P1", RaceID: "R1"})
		}
		dispatcher := &fakeDispatcher{dead: map[string]bool{"tok-shared": true}}

		res, err := fanout.New(store, dispatcher).Notify(ctx, "R1", "P1", split10K)

		Convey("Then one message is sent and the token is pruned from both users", func() {
			So(err, ShouldBeNil)
			So(dispatcher.tokens(), ShouldResemble, []string{"tok-shared"})
			So(res, ShouldResemble, fanout.Result{Failed: 1, Pruned: 2})

			for _, id := range []string{"phone-a", "phone-b"} {
				u, err := store.User(ctx, id)
				So(err, ShouldBeNil)
				So(u.PushToken, ShouldBeEmpty)
			}
		})
	})
}

func TestFanoutBatching(t *testing.T) {
	ctx := context.Background()

	Convey("Given 250 qualifying followers", t, func() {
		store := repository.NewMemoryStore()
		for i := 0; i < 250; i++ {
			id := fmt.Sprintf("u%03d", i)
			seed(ctx, store, model.User{ID: id, PushToken: "tok-" + id, RaceSubscriptions: map[string]bool{"R1": true}},
				model.Follow{UserID: id, ParticipantID: "P1", RaceID: "R1"})
		}
		dispatcher := &fakeDispatcher{}
		f := fanout.New(store, dispatcher, fanout.WithBatchSize(100), fanout.WithConcurrency(2))

		res, err := f.Notify(ctx, "R1", "P1", split10K)

		Convey("Then dispatch respects the per-call limit", func() {
			So(err, ShouldBeNil)
			So(res.Sent, ShouldEqual, 250)
			So(len(dispatcher.batches), ShouldEqual, 3)
			for _, b := range dispatcher.batches {
				So(len(b), ShouldBeLessThanOrEqualTo, 100)
			}
		})
	})
}

func TestFanoutMessages(t *testing.T) {
	ctx := context.Background()

	Convey("Given one follower", t, func() {
		store := repository.NewMemoryStore()
		seed(ctx, store, model.User{ID: "u1", PushToken: "tok-1", RaceSubscriptions: map[string]bool{"R1": true}},
			model.Follow{UserID: "u1", ParticipantID: "P1", RaceID: "R1"})
		dispatcher := &fakeDispatcher{}

		Convey("Visible pushes carry a title, body and data", func() {
			_, err := fanout.New(store, dispatcher).Notify(ctx, "R1", "P1", split10K)
			So(err, ShouldBeNil)
			msg := dispatcher.batches[0][0]
			So(msg.Silent(), ShouldBeFalse)
			So(msg.Body, ShouldEqual, "P1 passed 10K")
			So(msg.Data["splitOrder"], ShouldEqual, "2")
		})

		Convey("Silent pushes carry data only", func() {
			_, err := fanout.New(store, dispatcher, fanout.WithSilent(true)).Notify(ctx, "R1", "P1", split10K)
			So(err, ShouldBeNil)
			msg := dispatcher.batches[0][0]
			So(msg.Silent(), ShouldBeTrue)
			So(msg.Data["raceId"], ShouldEqual, "R1")
			So(msg.Data["splitName"], ShouldEqual, "10K")
		})

		Convey("A failed dispatch call counts every message as failed", func() {
			dispatcher.err = errors.New("push provider unavailable")
			res, err := fanout.New(store, dispatcher).Notify(ctx, "R1", "P1", split10K)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, fanout.Result{Failed: 1})
		})
	})
}
