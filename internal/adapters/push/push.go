// Package push dispatches push notifications through an Expo-compatible
// HTTP push API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// MaxBatchSize is the provider's per-call message limit.
const MaxBatchSize = 100

// DefaultURL is the public Expo push endpoint.
const DefaultURL = "https://exp.host/--/api/v2/push/send"

// errorDeviceNotRegistered is the ticket error for a token that can no
// longer receive pushes.
const errorDeviceNotRegistered = "DeviceNotRegistered"

// ErrBatchTooLarge is returned when Send is given more than MaxBatchSize
// messages.
var ErrBatchTooLarge = errors.New("push batch exceeds provider limit")

// Client sends push messages.
type Client struct {
	url         string
	accessToken string
	http        *http.Client
	logger      logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAccessToken sets the bearer token for push security.
func WithAccessToken(token string) Option {
	return func(c *Client) { c.accessToken = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout sets the per-call timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Client posting to url, or DefaultURL when url is empty.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("push")
	}
	return c
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type response struct {
	Data   []ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// Send posts one batch and returns one receipt per message, in order. An
// error means the whole call failed and no receipt is available.
func (c *Client) Send(ctx context.Context, msgs []model.PushMessage) ([]model.PushReceipt, error) {
	const op = "push.send"
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d messages", ErrBatchTooLarge, len(msgs))
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode push batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordErrorByComponent("push", "transport")
		return nil, model.Wrap(op, model.ErrDownstreamDependency, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.Wrap(op, model.ErrDownstreamDependency, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RecordErrorByComponent("push", "status")
		return nil, model.Errorf(op, model.ErrDownstreamDependency, "push provider returned %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, model.Wrap(op, model.ErrDownstreamDependency, fmt.Errorf("decode push response: %w", err))
	}
	if len(decoded.Errors) > 0 {
		return nil, model.Errorf(op, model.ErrDownstreamDependency, "push provider error %s: %s", decoded.Errors[0].Code, decoded.Errors[0].Message)
	}
	if len(decoded.Data) != len(msgs) {
		return nil, model.Errorf(op, model.ErrDownstreamDependency, "push provider returned %d tickets for %d messages", len(decoded.Data), len(msgs))
	}

	receipts := make([]model.PushReceipt, len(msgs))
	for i, t := range decoded.Data {
		r := model.PushReceipt{Token: msgs[i].Token, OK: t.Status == "ok"}
		if !r.OK {
			r.Message = t.Message
			r.TokenUnregistered = t.Details.Error == errorDeviceNotRegistered
			c.logger.Debug(ctx, "push rejected",
				logger.String("error", t.Details.Error), logger.String("message", t.Message))
		}
		receipts[i] = r
	}
	return receipts, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
