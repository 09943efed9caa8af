package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRawCheckpointEventDecoding(t *testing.T) {
	Convey("Given an inbound payload with a string point label", t, func() {
		payload := `{"competitionId":"R1","copernicoId":"E1","type":"detection","participantId":"P1",
			"extraData":{"point":"10K","location":"Paseo","chip":"A12"},"rawTime":"2026-04-12T08:31:00Z","apiKey":"k"}`

		var raw model.RawCheckpointEvent
		err := json.Unmarshal([]byte(payload), &raw)

		Convey("Then the label and opaque fields decode", func() {
			So(err, ShouldBeNil)
			So(raw.CompetitionID, ShouldEqual, "R1")
			So(raw.EventID, ShouldEqual, "E1")
			So(raw.Kind, ShouldEqual, model.KindDetection)
			So(raw.ExtraData.Point, ShouldResemble, model.Label{Name: "10K"})
			So(raw.ExtraData.Location, ShouldEqual, "Paseo")
			So(raw.ExtraData.Fields["chip"], ShouldEqual, "A12")
		})
	})

	Convey("Given a structured point label", t, func() {
		var extra model.ExtraData
		err := json.Unmarshal([]byte(`{"point":{"name":"Media","id":"p21"}}`), &extra)

		So(err, ShouldBeNil)
		So(extra.Point.Name, ShouldEqual, "Media")
		So(extra.Point.ID, ShouldEqual, "p21")
		So(extra.Fields, ShouldBeNil)

		Convey("Then it marshals back with the label object", func() {
			out, err := json.Marshal(extra)
			So(err, ShouldBeNil)
			So(string(out), ShouldEqual, `{"point":{"name":"Media","id":"p21"}}`)
		})
	})

	Convey("Given a label of the wrong JSON type", t, func() {
		var l model.Label
		So(json.Unmarshal([]byte(`42`), &l), ShouldNotBeNil)
	})
}

func TestEventKindAndLabel(t *testing.T) {
	Convey("Event kinds are limited to detection and modification", t, func() {
		So(model.KindDetection.Valid(), ShouldBeTrue)
		So(model.KindModification.Valid(), ShouldBeTrue)
		So(model.EventKind("deletion").Valid(), ShouldBeFalse)
	})

	Convey("Labels fall back to their id", t, func() {
		So(model.Label{ID: "p3"}.String(), ShouldEqual, "p3")
		So(model.Label{Name: " "}.Empty(), ShouldBeTrue)
	})
}

func TestSubscriptionScope(t *testing.T) {
	Convey("Given participant lists in different orders with duplicates", t, func() {
		a := model.NewScope([]string{"P2", "P1", "P2", " "})
		b := model.NewScope([]string{"P1", "P2"})

		So(a.Key(), ShouldEqual, b.Key())
		So(a.Key(), ShouldEqual, "P1,P2")
		So(a.All(), ShouldBeFalse)
	})

	Convey("Given no participants", t, func() {
		s := model.NewScope(nil)
		So(s.All(), ShouldBeTrue)
		So(s.Key(), ShouldEqual, model.AllParticipants)
	})
}

func TestIdempotencyRecordExpiry(t *testing.T) {
	now := time.Date(2026, 4, 12, 8, 0, 0, 0, time.UTC)
	rec := model.IdempotencyRecord{Fingerprint: "f", ProcessedAt: now, TTLExpiresAt: now.Add(time.Hour)}

	Convey("A record expires exactly at its TTL", t, func() {
		So(rec.Expired(now.Add(59*time.Minute)), ShouldBeFalse)
		So(rec.Expired(now.Add(time.Hour)), ShouldBeTrue)
	})
}

func TestPipelineError(t *testing.T) {
	Convey("Given a wrapped pipeline error", t, func() {
		cause := errors.New("schema missing")
		err := model.Wrap("ingest.process", model.ErrConfiguration, cause)

		So(errors.Is(err, model.ErrConfiguration), ShouldBeTrue)
		So(errors.Is(err, cause), ShouldBeTrue)
		So(errors.Is(err, model.ErrValidation), ShouldBeFalse)
		So(err.Error(), ShouldEqual, "ingest.process: configuration error: schema missing")

		var pe *model.PipelineError
		So(errors.As(err, &pe), ShouldBeTrue)
		So(pe.Op, ShouldEqual, "ingest.process")
	})
}
