package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/okian/racepulse/internal/replay"
	"github.com/okian/racepulse/pkg/logger"
)

// Default configuration constants.
const (
	defaultParticipants = 200
	defaultDuplicates   = 2
	defaultWorkers      = 2 // multiplier for runtime.NumCPU()
	defaultTimeout      = 30 * time.Second
	defaultRunTimeout   = 10 * time.Minute
)

func main() {
	var (
		baseURL      = flag.String("url", "http://localhost:9080", "Base URL of the service")
		apiKey       = flag.String("key", os.Getenv("RACEPULSE_API_KEY"), "Webhook api key")
		raceID       = flag.String("race", "R1", "competitionId of the generated events")
		eventID      = flag.String("event", "E1", "copernicoId of the generated events")
		splits       = flag.String("splits", "5K,10K,Media,Meta", "Comma separated split labels")
		participants = flag.Int("participants", defaultParticipants, "Number of runners")
		duplicates   = flag.Int("duplicates", defaultDuplicates, "Extra deliveries per crossing")
		workers      = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent workers")
		timeout      = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		outputFile   = flag.String("output", "", "Output file for generated events")
		logFile      = flag.String("log", "", "Also log to this file")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging")
		help         = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		replay.ShowHelp()
		return
	}

	if err := replay.SetupLogging(*logFile); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *verbose {
		_ = logger.SetLevelString("debug")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	config := &replay.Config{
		BaseURL:      strings.TrimRight(*baseURL, "/"),
		APIKey:       *apiKey,
		RaceID:       *raceID,
		EventID:      *eventID,
		Splits:       splitLabels(*splits),
		Participants: *participants,
		Duplicates:   *duplicates,
		Workers:      *workers,
		Timeout:      *timeout,
		OutputFile:   *outputFile,
		LogFile:      *logFile,
		Verbose:      *verbose,
	}

	if _, err := replay.Run(ctx, config); err != nil {
		os.Stderr.WriteString("Replay failed: " + err.Error() + "\n")
		cancel()
		os.Exit(1)
	}
}

func splitLabels(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
