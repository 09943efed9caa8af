package replay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/okian/racepulse/pkg/logger"
)

// File permission constants.
const (
	logFilePermission = 0600
)

// SetupLogging configures logging to the console and, when logFile is set,
// to that file as well.
func SetupLogging(logFile string) error {
	if logFile == "" {
		return logger.Init()
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermission)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	multiWriter := io.MultiWriter(os.Stdout, file)
	if err := logger.InitWithWriter(multiWriter); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.SetOutput(multiWriter)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	logger.Get().Info(context.Background(), "logging to file", logger.String("logFile", logFile))
	return nil
}

// ShowHelp prints usage information for the replay tool.
func ShowHelp() {
	os.Stdout.WriteString(`racepulse replay
================

Replays generated checkpoint detections against the webhook, delivering each
one several times, and verifies that exactly one delivery per crossing is
acknowledged as created and the rest as duplicates.

The race must have a split schema whose labels match -splits.

Usage:
  go run ./cmd/replay-events [options]

Options:
  -url string           Base URL of the service (default "http://localhost:9080")
  -key string           Webhook api key (default $RACEPULSE_API_KEY)
  -race string          competitionId (default "R1")
  -event string         copernicoId (default "E1")
  -splits string        Comma separated split labels (default "5K,10K,Media,Meta")
  -participants int     Number of runners (default 200)
  -duplicates int       Extra deliveries per crossing (default 2)
  -workers int          Concurrent submitters (default CPU cores * 2)
  -timeout duration     HTTP request timeout (default 30s)
  -output string        Write the generated events to this JSON file
  -log string           Also log to this file
  -help                 Show this help message

Examples:
  go run ./cmd/replay-events -participants 1000 -duplicates 3
  go run ./cmd/replay-events -race MAD26 -event MARATHON -splits "5K,10K,Meta"
`)
}
