// Package story calls the external story/clip renderer.
package story

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
)

// Client posts render requests. The caller bounds each call with its
// context; the client adds no timeout of its own.
type Client struct {
	url    string
	apiKey string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the key sent in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a Client for the renderer at url.
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type renderResponse struct {
	ClipURL string `json:"clipUrl"`
	Error   string `json:"error,omitempty"`
}

// Generate implements ingest.StoryGenerator.
func (c *Client) Generate(ctx context.Context, req ingest.StoryRequest) (string, error) {
	const op = "story.generate"

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode story request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build story request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", model.Wrap(op, model.ErrDownstreamDependency, err)
	}
	defer resp.Body.Close()

	var out renderResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil && resp.StatusCode < 300 {
		return "", model.Wrap(op, model.ErrDownstreamDependency, fmt.Errorf("decode story response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return "", model.Errorf(op, model.ErrDownstreamDependency, "renderer returned %d: %s", resp.StatusCode, out.Error)
	}
	if strings.TrimSpace(out.ClipURL) == "" {
		return "", model.Errorf(op, model.ErrDownstreamDependency, "renderer returned no clip url")
	}
	return out.ClipURL, nil
}
