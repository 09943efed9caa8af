// Package alerting delivers critical alerts to an operator webhook.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/okian/racepulse/internal/domain/model"
)

// Webhook posts alerts as JSON. The payload carries a preformatted text
// field so chat webhooks can render it without a template.
type Webhook struct {
	url  string
	http *http.Client
	now  func() time.Time
}

// NewWebhook creates a notifier for url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, http: &http.Client{Timeout: timeout}, now: time.Now}
}

type payload struct {
	Text  string      `json:"text"`
	Alert model.Alert `json:"alert"`
}

// Notify implements health.Notifier.
func (w *Webhook) Notify(ctx context.Context, a model.Alert) error {
	body, err := json.Marshal(payload{
		Text: fmt.Sprintf("[%s] %s/%s: %s (%s)",
			a.Severity, a.Component, a.Key, a.Message, humanize.RelTime(a.CreatedAt, w.now(), "ago", "from now")),
		Alert: a,
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return model.Wrap("alerting.notify", model.ErrDownstreamDependency, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return model.Errorf("alerting.notify", model.ErrDownstreamDependency, "alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
