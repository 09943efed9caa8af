package push_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/okian/racepulse/internal/adapters/push"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	Convey("Given a push provider", t, func() {
		var (
			gotAuth string
			gotMsgs []map[string]any
			status  = http.StatusOK
			reply   = `{"data":[{"status":"ok","id":"t1"},{"status":"error","message":"not registered","details":{"error":"DeviceNotRegistered"}},{"status":"error","message":"rate","details":{"error":"MessageRateExceeded"}}]}`
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewDecoder(r.Body).Decode(&gotMsgs)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(reply))
		}))
		defer srv.Close()

		client := push.New(srv.URL, push.WithAccessToken("secret"))
		msgs := []model.PushMessage{
			{Token: "tok-ok", Title: "Checkpoint update", Body: "P1 passed 10K", Data: map[string]string{"raceId": "R1"}},
			{Token: "tok-gone", Data: map[string]string{"raceId": "R1"}},
			{Token: "tok-busy", Data: map[string]string{"raceId": "R1"}},
		}

		Convey("Receipts map tickets in order and classify unregistered tokens", func() {
			receipts, err := client.Send(ctx, msgs)
			So(err, ShouldBeNil)
			So(gotAuth, ShouldEqual, "Bearer secret")
			So(len(gotMsgs), ShouldEqual, 3)
			So(gotMsgs[0]["to"], ShouldEqual, "tok-ok")
			So(gotMsgs[1], ShouldNotContainKey, "title")

			So(receipts, ShouldResemble, []model.PushReceipt{
				{Token: "tok-ok", OK: true},
				{Token: "tok-gone", TokenUnregistered: true, Message: "not registered"},
				{Token: "tok-busy", Message: "rate"},
			})
		})

		Convey("A non-200 response fails the whole batch", func() {
			status = http.StatusBadGateway
			reply = "upstream down"
			_, err := client.Send(ctx, msgs)
			So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)
		})

		Convey("A ticket count mismatch fails the whole batch", func() {
			reply = `{"data":[{"status":"ok"}]}`
			_, err := client.Send(ctx, msgs)
			So(errors.Is(err, model.ErrDownstreamDependency), ShouldBeTrue)
		})

		Convey("Batches above the provider limit are refused", func() {
			_, err := client.Send(ctx, make([]model.PushMessage, push.MaxBatchSize+1))
			So(errors.Is(err, push.ErrBatchTooLarge), ShouldBeTrue)
		})
	})
}
