package story_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/racepulse/internal/adapters/story"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	req := ingest.StoryRequest{RaceID: "R1", EventID: "E1", ParticipantID: "P1", SplitName: "10K", SplitOrder: 3}

	Convey("Given a renderer", t, func() {
		var (
			got    ingest.StoryRequest
			key    string
			status = http.StatusOK
			reply  = `{"clipUrl":"https://clips.example/R1/P1/10K.mp4"}`
			delay  time.Duration
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key = r.Header.Get("X-API-Key")
			_ = json.NewDecoder(r.Body).Decode(&got)
			time.Sleep(delay)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(reply))
		}))
		defer srv.Close()
		client := story.New(srv.URL, story.WithAPIKey("k"))

		Convey("A successful render returns the clip url", func() {
			url, err := client.Generate(ctx, req)
			So(err, ShouldBeNil)
			So(url, ShouldEqual, "https://clips.example/R1/P1/10K.mp4")
			So(got, ShouldResemble, req)
			So(key, ShouldEqual, "k")
		})

		Convey("A renderer error is a downstream failure", func() {
			status = http.StatusInternalServerError
			reply = `{"error":"ffmpeg crashed"}`
			_, err := client.Generate(ctx, req)
			So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "ffmpeg crashed")
		})

		Convey("An empty clip url is a failure", func() {
			reply = `{}`
			_, err := client.Generate(ctx, req)
			So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)
		})

		Convey("The caller's deadline bounds the call", func() {
			delay = 200 * time.Millisecond
			tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := client.Generate(tctx, req)
			So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)
		})
	})
}
