// Package ingest turns raw checkpoint events into de-duplicated checkpoint
// occurrences and drives their side effects: one story per occurrence and a
// follower fanout.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/dedupe"
	"github.com/okian/racepulse/internal/domain/fanout"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/internal/domain/splits"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// OccurrenceStore persists occurrences.
type OccurrenceStore interface {
	CreateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) (bool, error)
	UpdateOccurrence(ctx context.Context, occ model.CheckpointOccurrence) error
	UpdateClip(ctx context.Context, key model.OccurrenceKey, status model.ClipStatus, url string, attempts int) error
	ListOccurrencesByClipStatus(ctx context.Context, status model.ClipStatus, maxAttempts, limit int) ([]model.CheckpointOccurrence, error)
}

// StoryRequest is what the story/clip generator needs to render a clip.
type StoryRequest struct {
	RaceID        string `json:"raceId"`
	EventID       string `json:"eventId"`
	ParticipantID string `json:"participantId"`
	SplitName     string `json:"splitName"`
	SplitOrder    int    `json:"splitOrder"`
}

// StoryGenerator renders a shareable clip and returns its URL.
type StoryGenerator interface {
	Generate(ctx context.Context, req StoryRequest) (string, error)
}

// Notifier fans an occurrence out to followers.
type Notifier interface {
	Notify(ctx context.Context, raceID, participantID string, split model.Split) (fanout.Result, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Raise(ctx context.Context, severity model.Severity, component, key, message string) bool
}

// Activity counts processed events and errors.
type Activity interface {
	MessageProcessed()
	Error()
}

// Status is the terminal state of one Process call.
type Status string

// Process statuses.
const (
	StatusCreated    Status = "created"
	StatusUpdated    Status = "updated"
	StatusDuplicate  Status = "duplicate"
	StatusUnresolved Status = "split_unresolved"
)

// Outcome describes what Process did with an event.
type Outcome struct {
	Status Status              `json:"status"`
	Key    model.OccurrenceKey `json:"key"`
	Split  model.Split         `json:"split"`
	// ClipURL is set when a story was generated inline.
	ClipURL string        `json:"clipUrl,omitempty"`
	Fanout  fanout.Result `json:"fanout"`
	// FailOpen is set when the ledger was unavailable and the event was
	// processed without a dedup decision.
	FailOpen bool `json:"failOpen,omitempty"`
}

// Coordinator is the per-event state machine.
type Coordinator struct {
	schemas     SchemaSource
	occurrences OccurrenceStore
	deduper     dedupe.Deduper
	story       StoryGenerator
	notifier    Notifier
	alerter     Alerter
	activity    Activity
	logger      logger.Logger
	now         func() time.Time

	ackTimeout      time.Duration
	storyTimeout    time.Duration
	clipMaxAttempts int
}

// NewCoordinator creates a Coordinator. Story generation and fanout are
// skipped when their collaborators are not configured.
func NewCoordinator(schemas SchemaSource, occurrences OccurrenceStore, deduper dedupe.Deduper, opts ...Option) *Coordinator {
	c := &Coordinator{
		schemas:         schemas,
		occurrences:     occurrences,
		deduper:         deduper,
		now:             time.Now,
		ackTimeout:      5 * time.Second,
		storyTimeout:    30 * time.Second,
		clipMaxAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("ingest")
	}
	return c
}

// Process runs one raw event through normalize, resolve, dedup, persist,
// story and fanout. Only ErrValidation and ErrConfiguration errors mean the
// submitter should be told; ErrDownstreamDependency means the event may be
// redelivered. Story and fanout failures never fail the event.
func (c *Coordinator) Process(ctx context.Context, raw model.RawCheckpointEvent) (Outcome, error) {
	start := c.now()
	defer func() {
		metrics.RecordProcessingLatency(float64(c.now().Sub(start).Milliseconds()))
	}()

	out, err := c.process(ctx, raw, start.UTC())
	if err != nil {
		if c.activity != nil {
			c.activity.Error()
		}
		return out, err
	}
	if c.activity != nil {
		c.activity.MessageProcessed()
	}
	return out, nil
}

func (c *Coordinator) process(ctx context.Context, raw model.RawCheckpointEvent, now time.Time) (Outcome, error) {
	ev, err := Normalize(raw, now)
	if err != nil {
		metrics.RecordEventOutcome(metrics.OutcomeInvalid)
		c.logger.Warn(ctx, "rejected invalid event",
			logger.String("source", raw.Source), logger.Error(err))
		return Outcome{}, err
	}
	fields := []logger.Field{
		logger.String("raceId", ev.RaceID),
		logger.String("eventId", ev.EventID),
		logger.String("participantId", ev.ParticipantID),
		logger.String("kind", string(ev.Kind)),
	}

	bookCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	schema, err := c.schemas.Schema(bookCtx, ev.RaceID, ev.EventID)
	if err != nil {
		if errors.Is(err, model.ErrConfiguration) {
			metrics.RecordEventOutcome(metrics.OutcomeMisconfigured)
			if c.alerter != nil {
				c.alerter.Raise(ctx, model.SeverityError, "ingest", "schema:"+ev.RaceID+"/"+ev.EventID, err.Error())
			}
		} else {
			metrics.RecordErrorByComponent("ingest", "schema_lookup")
		}
		c.logger.Error(ctx, "split schema unavailable", append(fields, logger.Error(err))...)
		return Outcome{}, err
	}

	split, ok := splits.Resolve(schema, ev.Label)
	if !ok {
		metrics.RecordEventOutcome(metrics.OutcomeUnresolved)
		c.logger.Warn(ctx, "split unresolved", append(fields, logger.String("label", ev.Label.String()))...)
		return Outcome{Status: StatusUnresolved}, nil
	}

	key := model.OccurrenceKey{
		RaceID:        ev.RaceID,
		EventID:       ev.EventID,
		ParticipantID: ev.ParticipantID,
		SplitName:     split.Name,
	}
	out := Outcome{Key: key, Split: split}
	fields = append(fields, logger.String("split", split.Name))

	var marked []string
	if ev.Kind == model.KindModification {
		modFP := dedupe.ModificationFingerprint(key, ev.RawTime)
		mod := c.deduper.CheckAndMark(bookCtx, modFP)
		out.FailOpen = mod.FailOpen
		if !mod.IsNew {
			return c.duplicate(ctx, out, fields)
		}
		marked = append(marked, modFP)
	}

	detectionFP := dedupe.DetectionFingerprint(key)
	det := c.deduper.CheckAndMark(bookCtx, detectionFP)
	out.FailOpen = out.FailOpen || det.FailOpen

	if !det.IsNew {
		if ev.Kind == model.KindDetection {
			return c.duplicate(ctx, out, fields)
		}
		return c.amend(ctx, bookCtx, ev, now, out, marked, fields)
	}
	return c.create(ctx, bookCtx, ev, now, out, append(marked, detectionFP), fields)
}

func (c *Coordinator) duplicate(ctx context.Context, out Outcome, fields []logger.Field) (Outcome, error) {
	metrics.RecordEventOutcome(metrics.OutcomeDuplicate)
	c.logger.Info(ctx, "duplicate event acknowledged", fields...)
	out.Status = StatusDuplicate
	return out, nil
}

// create persists a new occurrence, generates its story and fans it out.
func (c *Coordinator) create(ctx, bookCtx context.Context, ev model.CheckpointEvent, now time.Time, out Outcome, marked []string, fields []logger.Field) (Outcome, error) {
	occ := model.CheckpointOccurrence{
		ID:         uuid.NewString(),
		Key:        out.Key,
		SplitOrder: out.Split.Order,
		SplitKind:  out.Split.Kind,
		Distance:   out.Split.DistanceMeters,
		CrossedAt:  ev.Timestamp,
		RawTime:    ev.RawTime,
		Metadata:   ev.Extra,
		ClipStatus: model.ClipPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := c.occurrences.CreateOccurrence(bookCtx, occ)
	if err != nil {
		metrics.RecordErrorByComponent("ingest", "persist_occurrence")
		c.release(ctx, marked, fields)
		perr := model.Wrap("ingest.create", model.ErrDownstreamDependency, err)
		c.logger.Error(ctx, "failed to persist occurrence", append(fields, logger.Error(perr))...)
		return out, perr
	}
	if !created {
		// The occurrence already exists: its detection record expired or the
		// ledger failed open. A correction still applies to it.
		if ev.Kind == model.KindModification {
			return c.amend(ctx, bookCtx, ev, now, out, marked, fields)
		}
		return c.duplicate(ctx, out, fields)
	}

	metrics.RecordOccurrenceCreated()
	metrics.RecordEventOutcome(metrics.OutcomeCreated)
	c.logger.Info(ctx, "checkpoint occurrence created",
		append(fields, logger.String("occurrenceId", occ.ID), logger.Int("splitOrder", occ.SplitOrder))...)

	out.Status = StatusCreated
	if url, ok := c.generateStory(ctx, occ, 1); ok {
		out.ClipURL = url
	}
	out.Fanout = c.fanout(ctx, out, fields)
	return out, nil
}

// amend overwrites the timing fields of an existing occurrence. When the
// occurrence is missing (its detection fingerprint outlived it) it is created.
func (c *Coordinator) amend(ctx, bookCtx context.Context, ev model.CheckpointEvent, now time.Time, out Outcome, marked []string, fields []logger.Field) (Outcome, error) {
	err := c.occurrences.UpdateOccurrence(bookCtx, model.CheckpointOccurrence{
		Key:       out.Key,
		CrossedAt: ev.Timestamp,
		RawTime:   ev.RawTime,
		Metadata:  ev.Extra,
		UpdatedAt: now,
	})
	if errors.Is(err, model.ErrNotFound) {
		return c.create(ctx, bookCtx, ev, now, out, marked, fields)
	}
	if err != nil {
		metrics.RecordErrorByComponent("ingest", "update_occurrence")
		c.release(ctx, marked, fields)
		perr := model.Wrap("ingest.amend", model.ErrDownstreamDependency, err)
		c.logger.Error(ctx, "failed to update occurrence", append(fields, logger.Error(perr))...)
		return out, perr
	}

	metrics.RecordEventOutcome(metrics.OutcomeUpdated)
	c.logger.Info(ctx, "checkpoint occurrence updated", append(fields, logger.String("rawTime", ev.RawTime))...)
	out.Status = StatusUpdated
	out.Fanout = c.fanout(ctx, out, fields)
	return out, nil
}

// release un-marks fingerprints whose side effect was not committed, so a
// redelivery is not mistaken for a duplicate.
func (c *Coordinator) release(ctx context.Context, fingerprints []string, fields []logger.Field) {
	for _, fp := range fingerprints {
		if err := c.deduper.Release(ctx, fp); err != nil {
			c.logger.Error(ctx, "failed to release fingerprint", append(fields, logger.Error(err))...)
		}
	}
}

// generateStory calls the generator under its own timeout and records the
// result on the occurrence. It reports whether a clip URL was obtained.
func (c *Coordinator) generateStory(ctx context.Context, occ model.CheckpointOccurrence, attempt int) (string, bool) {
	if c.story == nil {
		return "", false
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.storyTimeout)
	defer cancel()

	start := time.Now()
	url, err := c.story.Generate(sctx, StoryRequest{
		RaceID:        occ.Key.RaceID,
		EventID:       occ.Key.EventID,
		ParticipantID: occ.Key.ParticipantID,
		SplitName:     occ.Key.SplitName,
		SplitOrder:    occ.SplitOrder,
	})
	metrics.RecordStoryGeneration(err == nil, float64(time.Since(start).Milliseconds()))

	status := model.ClipReady
	if err != nil {
		status = model.ClipFailed
		url = ""
		c.logger.Warn(ctx, "story generation failed; occurrence stands with clip failed",
			logger.String("occurrence", occ.Key.String()),
			logger.Int("attempt", attempt),
			logger.Error(model.Wrap("ingest.story", model.ErrDownstreamDependency, err)),
		)
	}
	if uerr := c.occurrences.UpdateClip(sctx, occ.Key, status, url, attempt); uerr != nil {
		metrics.RecordErrorByComponent("ingest", "update_clip")
		c.logger.Error(ctx, "failed to record clip result",
			logger.String("occurrence", occ.Key.String()), logger.Error(uerr))
	}
	return url, err == nil
}

func (c *Coordinator) fanout(ctx context.Context, out Outcome, fields []logger.Field) fanout.Result {
	if c.notifier == nil {
		return fanout.Result{}
	}
	res, err := c.notifier.Notify(context.WithoutCancel(ctx), out.Key.RaceID, out.Key.ParticipantID, out.Split)
	if err != nil {
		c.logger.Error(ctx, "fanout failed", append(fields, logger.Error(err))...)
	}
	return res
}

// RetryPendingClips retries story generation for occurrences whose clip is
// failed, or still pending well after its inline attempt should have ended,
// up to the configured attempt limit. It returns how many clips became ready.
func (c *Coordinator) RetryPendingClips(ctx context.Context, limit int) (int, error) {
	if c.story == nil || limit <= 0 {
		return 0, nil
	}
	now := c.now().UTC()
	ready := 0
	for _, status := range []model.ClipStatus{model.ClipFailed, model.ClipPending} {
		occs, err := c.occurrences.ListOccurrencesByClipStatus(ctx, status, c.clipMaxAttempts, limit)
		if err != nil {
			return ready, model.Wrap("ingest.retry_clips", model.ErrDownstreamDependency, err)
		}
		for _, occ := range occs {
			if ctx.Err() != nil {
				return ready, ctx.Err()
			}
			// Leave anything an inline attempt may still be working on.
			if now.Sub(occ.UpdatedAt) < c.storyTimeout {
				continue
			}
			if _, ok := c.generateStory(ctx, occ, occ.ClipAttempts+1); ok {
				ready++
			}
		}
	}
	if ready > 0 {
		c.logger.Info(ctx, "retried pending clips", logger.Int("ready", ready))
	}
	return ready, nil
}

// RunClipRetry calls RetryPendingClips every interval until ctx is done.
func (c *Coordinator) RunClipRetry(ctx context.Context, interval time.Duration, batch int) {
	if c.story == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RetryPendingClips(ctx, batch); err != nil && ctx.Err() == nil {
				c.logger.Error(ctx, "clip retry failed", logger.Error(err))
			}
		}
	}
}
