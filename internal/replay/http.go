package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// HTTPClient wraps http.Client with timeout
type HTTPClient struct {
	client *http.Client
}

// newHTTPClient creates a new HTTP client with timeout
func newHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Get performs a GET request
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.client.Do(req)
}

// Post performs a POST request with JSON body
func (c *HTTPClient) Post(ctx context.Context, url string, body interface{}) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

type outcomeResponse struct {
	Status string `json:"status"`
}

type counters struct {
	submitted, created, updated, duplicate, unresolved, rejected, failed atomic.Int64
}

func (c *counters) add(result string) {
	c.submitted.Add(1)
	switch result {
	case resultCreated:
		c.created.Add(1)
	case resultUpdated:
		c.updated.Add(1)
	case resultDuplicate:
		c.duplicate.Add(1)
	case resultUnresolved:
		c.unresolved.Add(1)
	case resultRejected:
		c.rejected.Add(1)
	default:
		c.failed.Add(1)
	}
}

// submitEvents submits events concurrently using worker pools
func submitEvents(ctx context.Context, config *Config, events []Event, stats *Stats) {
	log.Printf("📤 Submitting %d events with %d workers...", len(events), config.Workers)

	client := newHTTPClient(config.Timeout)
	url := config.BaseURL + webhookPath

	var (
		count      counters
		reportMu   sync.Mutex
		lastReport time.Time
	)
	const reportInterval = time.Second

	eventChan := make(chan Event, config.Workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup

	for i := 0; i < config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range eventChan {
				event.APIKey = config.APIKey
				result := submitSingleEvent(ctx, client, url, event)
				count.add(result)
				if config.Verbose && (result == resultRejected || result == resultFailed) {
					log.Printf("⚠️  %s %s at %s: %s", event.ParticipantID, event.ExtraData.Point.Name, event.RawTime, result)
				}

				reportMu.Lock()
				if time.Since(lastReport) >= reportInterval {
					lastReport = time.Now()
					log.Printf("📊 Progress: %d/%d submitted (created: %d, duplicate: %d, failed: %d)",
						count.submitted.Load(), len(events), count.created.Load(), count.duplicate.Load(), count.failed.Load())
				}
				reportMu.Unlock()
			}
		}()
	}

	go func() {
		defer close(eventChan)
		for _, event := range events {
			select {
			case <-ctx.Done():
				return
			case eventChan <- event:
			}
		}
	}()

	wg.Wait()

	stats.EventsSubmitted = int(count.submitted.Load())
	stats.Created = int(count.created.Load())
	stats.Updated = int(count.updated.Load())
	stats.Duplicate = int(count.duplicate.Load())
	stats.Unresolved = int(count.unresolved.Load())
	stats.Rejected = int(count.rejected.Load())
	stats.Failed = int(count.failed.Load())
}

// submitSingleEvent submits a single event and returns the result
func submitSingleEvent(ctx context.Context, client *HTTPClient, url string, event model.RawCheckpointEvent) string {
	resp, err := client.Post(ctx, url, event)
	if err != nil {
		return resultFailed
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resultFailed
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out outcomeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return resultFailed
		}
		return out.Status
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity:
		return resultRejected
	default:
		return resultFailed
	}
}
