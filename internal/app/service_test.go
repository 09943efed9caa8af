package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	service "github.com/okian/racepulse/internal/app"
	"github.com/okian/racepulse/internal/config"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

const splitsYAML = `
schemas:
  - race_id: R1
    event_id: E1
    splits:
      - {name: Salida, order: 1, distance_meters: 0, kind: start}
      - {name: 10K, id: p10, order: 2, distance_meters: 10000, kind: split}
      - {name: Meta, order: 3, distance_meters: 21097, kind: finish}
`

func testConfig() *config.Config {
	cfg := config.New()
	cfg.WorkerCount = 2
	cfg.EventQueueSize = 100
	cfg.APIKey = "k"
	cfg.PushURL = ""
	return cfg
}

func detection(participant, label string) model.RawCheckpointEvent {
	return model.RawCheckpointEvent{
		CompetitionID: "R1",
		EventID:       "E1",
		Kind:          model.KindDetection,
		ParticipantID: participant,
		ExtraData:     model.ExtraData{Point: model.Label{Name: label}},
		RawTime:       "2026-04-12T08:40:00Z",
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New(nil)

		Convey("Then it should have sensible defaults", func() {
			So(svc, ShouldNotBeNil)
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, false)
			So(stats["store"], ShouldEqual, config.StoreMemory)
		})

		Convey("And pipeline calls fail until it is started", func() {
			ctx := context.Background()
			_, err := svc.Ingest(ctx, detection("P1", "10K"))
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)

			_, err = svc.Subscribe(ctx, "R1", nil)
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.ConnectionStatus().State, ShouldEqual, "disconnected")
		})
	})
}

func TestService_StartStop(t *testing.T) {
	Convey("Given a service with a split catalog", t, func() {
		cfg := testConfig()
		cfg.SchemaFile = filepath.Join(t.TempDir(), "splits.yaml")
		So(os.WriteFile(cfg.SchemaFile, []byte(splitsYAML), 0o600), ShouldBeNil)

		svc := service.New(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		So(svc.Start(ctx), ShouldBeNil)
		// A second Start is a no-op.
		So(svc.Start(ctx), ShouldBeNil)

		Convey("Then the catalog is seeded and events resolve", func() {
			defer func() { _ = svc.Stop(ctx) }()

			out, err := svc.Ingest(ctx, detection("P1", "10K"))
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusCreated)

			out, err = svc.Ingest(ctx, detection("P1", "10K"))
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusDuplicate)

			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["occurrences"], ShouldEqual, 1)
			So(stats["messagesReceived"], ShouldEqual, int64(2))
			So(stats["connection"], ShouldEqual, "disconnected")
		})

		Convey("When stopping the service", func() {
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it should be marked as stopped", func() {
				So(svc.GetStats()["started"], ShouldEqual, false)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})
	})

	Convey("Given an unreadable split catalog", t, func() {
		cfg := testConfig()
		cfg.SchemaFile = filepath.Join(t.TempDir(), "missing.yaml")
		svc := service.New(cfg)

		Convey("Start fails", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, service.ErrStart), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})

	Convey("Given the sqlite store", t, func() {
		cfg := testConfig()
		cfg.StoreDriver = config.StoreSQLite
		cfg.SQLitePath = filepath.Join(t.TempDir(), "racepulse.db")
		cfg.SchemaFile = filepath.Join(t.TempDir(), "splits.yaml")
		So(os.WriteFile(cfg.SchemaFile, []byte(splitsYAML), 0o600), ShouldBeNil)
		ctx := context.Background()

		svc := service.New(cfg)
		So(svc.Start(ctx), ShouldBeNil)
		_, err := svc.Subscribe(ctx, "R1", []string{"P1"})
		So(err, ShouldBeNil)
		out, err := svc.Ingest(ctx, detection("P1", "Meta"))
		So(err, ShouldBeNil)
		So(out.Status, ShouldEqual, ingest.StatusCreated)
		So(svc.Stop(ctx), ShouldBeNil)

		Convey("State survives a restart", func() {
			again := service.New(cfg)
			So(again.Start(ctx), ShouldBeNil)
			defer func() { _ = again.Stop(ctx) }()

			out, err := again.Ingest(ctx, detection("P1", "Meta"))
			So(err, ShouldBeNil)
			So(out.Status, ShouldEqual, ingest.StatusDuplicate)

			status := again.ConnectionStatus()
			So(status.SubscriptionCount, ShouldEqual, 1)
			So(status.Subscriptions[0].Scope.ParticipantIDs, ShouldResemble, []string{"P1"})
		})
	})
}
