package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/racepulse/pkg/logger"
)

// File permission constants.
const (
	directoryPermission = 0750
)

// Run executes the complete replay: health check, generation, concurrent
// submission with redeliveries, and verification of the acknowledgements.
func Run(ctx context.Context, config *Config) (*Stats, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	stats := &Stats{StartTime: time.Now()}

	logger.Get().Info(ctx, "starting checkpoint replay",
		logger.String("baseURL", config.BaseURL),
		logger.String("raceId", config.RaceID),
		logger.String("eventId", config.EventID),
		logger.Int("participants", config.Participants),
		logger.Int("duplicates", config.Duplicates),
		logger.Int("workers", config.Workers),
		logger.Duration("timeout", config.Timeout))

	if err := checkServiceHealth(ctx, config); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	events := generateEvents(ctx, config, stats.StartTime, stats)
	submitEvents(ctx, config, events, stats)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)

	if config.OutputFile != "" {
		if err := saveEventsToFile(config.OutputFile, events); err != nil {
			logger.Get().Warn(ctx, "failed to save events to file", logger.Error(err))
		}
	}

	displayFinalStats(stats)
	if err := verifyResults(stats); err != nil {
		return stats, err
	}
	logger.Get().Info(ctx, "replay verified")
	return stats, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base url is required"))
	}
	if c.RaceID == "" || c.EventID == "" {
		errs = append(errs, errors.New("race and event ids are required"))
	}
	if len(c.Splits) == 0 {
		errs = append(errs, errors.New("at least one split is required"))
	}
	if c.Participants <= 0 {
		errs = append(errs, errors.New("participants must be positive"))
	}
	if c.Duplicates < 0 {
		errs = append(errs, errors.New("duplicates must not be negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, config *Config) error {
	client := newHTTPClient(config.Timeout)
	resp, err := client.Get(ctx, config.BaseURL+"/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// saveEventsToFile saves the generated events to a JSON file.
func saveEventsToFile(filename string, events []Event) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(filename, data, logFilePermission); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return nil
}
