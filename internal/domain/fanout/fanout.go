// Package fanout delivers a checkpoint occurrence to the push targets of the
// users following that participant.
package fanout

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// DefaultBatchSize is the push provider's per-call message limit.
const DefaultBatchSize = 100

// Dispatcher sends push messages. It returns one receipt per message, or an
// error when the whole call failed.
type Dispatcher interface {
	Send(ctx context.Context, msgs []model.PushMessage) ([]model.PushReceipt, error)
}

// Store is the follower graph as fanout needs it.
type Store interface {
	FollowersOf(ctx context.Context, participantID string) ([]model.Follow, error)
	User(ctx context.Context, id string) (model.User, error)
	RemovePushToken(ctx context.Context, userID, token string) (bool, error)
}

// Result counts delivery attempts, one per distinct token. Pruned counts user
// records cleared of an unregistered token; those deliveries also count as
// failed.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Pruned int `json:"pruned"`
}

// Fanout resolves followers and dispatches pushes in bounded batches.
type Fanout struct {
	store       Store
	dispatcher  Dispatcher
	batchSize   int
	concurrency int
	timeout     time.Duration
	silent      bool
	logger      logger.Logger
}

// New creates a Fanout.
func New(store Store, dispatcher Dispatcher, opts ...Option) *Fanout {
	f := &Fanout{
		store:       store,
		dispatcher:  dispatcher,
		batchSize:   DefaultBatchSize,
		concurrency: 4,
		timeout:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logger.Get().Named("fanout")
	}
	return f
}

// Targets returns the qualifying recipients for a participant in a race: a
// follow recorded under raceID, a registered push token, and an active race
// subscription. Users are unique in the result; two users may share a token.
func (f *Fanout) Targets(ctx context.Context, raceID, participantID string) ([]model.FollowerTarget, error) {
	follows, err := f.store.FollowersOf(ctx, participantID)
	if err != nil {
		return nil, model.Wrap("fanout.targets", model.ErrDownstreamDependency, err)
	}

	seenUsers := make(map[string]struct{}, len(follows))
	targets := make([]model.FollowerTarget, 0, len(follows))
	for _, follow := range follows {
		if follow.RaceID != raceID {
			continue
		}
		if _, dup := seenUsers[follow.UserID]; dup {
			continue
		}
		seenUsers[follow.UserID] = struct{}{}

		user, err := f.store.User(ctx, follow.UserID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, model.Wrap("fanout.targets", model.ErrDownstreamDependency, err)
		}

		target := model.FollowerTarget{
			UserID:                 user.ID,
			PushToken:              user.PushToken,
			RaceSubscriptionActive: user.RaceSubscriptions[raceID],
		}
		if target.PushToken == "" || !target.RaceSubscriptionActive {
			continue
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Notify pushes the crossing of split by participantID to its followers.
// Per-target failures are counted, logged and never returned; the error is
// non-nil only when followers could not be resolved.
func (f *Fanout) Notify(ctx context.Context, raceID, participantID string, split model.Split) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	targets, err := f.Targets(ctx, raceID, participantID)
	if err != nil {
		metrics.RecordErrorByComponent("fanout", "resolve_followers")
		return Result{}, err
	}
	if len(targets) == 0 {
		f.logger.Debug(ctx, "no qualifying followers",
			logger.String("raceId", raceID), logger.String("participantId", participantID))
		return Result{}, nil
	}

	// One message per token; a pruned token is removed from every owner.
	owners := make(map[string][]string, len(targets))
	msgs := make([]model.PushMessage, 0, len(targets))
	for _, t := range targets {
		if _, seen := owners[t.PushToken]; !seen {
			msgs = append(msgs, f.message(t.PushToken, raceID, participantID, split))
		}
		owners[t.PushToken] = append(owners[t.PushToken], t.UserID)
	}

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for startIdx := 0; startIdx < len(msgs); startIdx += f.batchSize {
		batch := msgs[startIdx:min(startIdx+f.batchSize, len(msgs))]
		g.Go(func() error {
			r := f.dispatch(gctx, batch, owners)
			mu.Lock()
			res.Sent += r.Sent
			res.Failed += r.Failed
			res.Pruned += r.Pruned
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	metrics.RecordFanoutDeliveries("sent", res.Sent)
	metrics.RecordFanoutDeliveries("failed", res.Failed)
	metrics.RecordFanoutDeliveries("pruned", res.Pruned)
	metrics.RecordFanoutLatency(float64(time.Since(start).Milliseconds()))

	f.logger.Info(ctx, "fanout complete",
		logger.String("raceId", raceID),
		logger.String("participantId", participantID),
		logger.String("split", split.Name),
		logger.Int("targets", len(targets)),
		logger.Int("sent", res.Sent),
		logger.Int("failed", res.Failed),
		logger.Int("pruned", res.Pruned),
	)
	return res, nil
}

// dispatch sends one batch and prunes unregistered tokens.
func (f *Fanout) dispatch(ctx context.Context, batch []model.PushMessage, owners map[string][]string) Result {
	var res Result
	receipts, err := f.dispatcher.Send(ctx, batch)
	if err != nil {
		metrics.RecordErrorByComponent("fanout", "dispatch")
		f.logger.Warn(ctx, "push batch failed", logger.Int("size", len(batch)), logger.Error(err))
		res.Failed = len(batch)
		return res
	}

	acked := make(map[string]struct{}, len(receipts))
	for _, r := range receipts {
		acked[r.Token] = struct{}{}
		if r.OK {
			res.Sent++
			continue
		}
		res.Failed++
		if !r.TokenUnregistered {
			f.logger.Warn(ctx, "push delivery failed",
				logger.Any("userIds", owners[r.Token]), logger.String("reason", r.Message))
			continue
		}
		for _, userID := range owners[r.Token] {
			removed, err := f.store.RemovePushToken(ctx, userID, r.Token)
			if err != nil {
				f.logger.Error(ctx, "failed to prune push token", logger.String("userId", userID), logger.Error(err))
				continue
			}
			if removed {
				res.Pruned++
				f.logger.Info(ctx, "pruned unregistered push token", logger.String("userId", userID))
			}
		}
	}
	// Messages without a receipt count as failed.
	for _, m := range batch {
		if _, ok := acked[m.Token]; !ok {
			res.Failed++
		}
	}
	return res
}

func (f *Fanout) message(token, raceID, participantID string, split model.Split) model.PushMessage {
	msg := model.PushMessage{
		Token: token,
		Data: map[string]string{
			"type":          "checkpoint",
			"raceId":        raceID,
			"participantId": participantID,
			"splitName":     split.Name,
			"splitOrder":    strconv.Itoa(split.Order),
		},
	}
	if !f.silent {
		msg.Title = "Checkpoint update"
		msg.Body = participantID + " passed " + split.Name
	}
	return msg
}
