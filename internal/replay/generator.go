package replay

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
)

// Pace bounds for generated crossings, per split.
const (
	minSplitGap = 15 * time.Minute
	gapJitterMs = 10 * 60 * 1000
)

// randomInt returns a uniform integer in [0, n) using crypto/rand.
func randomInt(n int) int {
	if n <= 1 {
		return 0
	}
	v, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(v.Int64())
}

// generateEvents creates one detection per participant and split, then adds
// config.Duplicates redeliveries of each and shuffles the lot.
func generateEvents(ctx context.Context, config *Config, start time.Time, stats *Stats) []Event {
	logger.Get().Info(ctx, "generating checkpoint events",
		logger.Int("participants", config.Participants),
		logger.Int("splits", len(config.Splits)),
		logger.Int("duplicates", config.Duplicates))

	unique := make([]Event, 0, config.Participants*len(config.Splits))
	for i := 0; i < config.Participants; i++ {
		participantID := uuid.New().String()
		at := start
		for _, split := range config.Splits {
			at = at.Add(minSplitGap + time.Duration(randomInt(gapJitterMs))*time.Millisecond)
			unique = append(unique, Event{
				CompetitionID: config.RaceID,
				EventID:       config.EventID,
				Kind:          model.KindDetection,
				ParticipantID: participantID,
				ExtraData:     model.ExtraData{Point: model.Label{Name: split}},
				RawTime:       at.UTC().Format(time.RFC3339Nano),
			})
		}
	}

	events := make([]Event, 0, len(unique)*(1+config.Duplicates))
	for _, e := range unique {
		for c := 0; c <= config.Duplicates; c++ {
			events = append(events, e)
		}
	}
	// Fisher-Yates so redeliveries race their originals.
	for i := len(events) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		events[i], events[j] = events[j], events[i]
	}

	stats.UniqueCrossings = len(unique)
	stats.EventsGenerated = len(events)
	logger.Get().Info(ctx, "generated events", logger.Int("count", len(events)), logger.Int("unique", len(unique)))
	return events
}
