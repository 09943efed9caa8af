package replay

import (
	"time"

	"github.com/okian/racepulse/internal/domain/model"
)

// Config holds configuration for a replay run.
type Config struct {
	BaseURL      string        // Base URL of the service
	APIKey       string        // Webhook shared secret
	RaceID       string        // competitionId of the generated events
	EventID      string        // copernicoId of the generated events
	Splits       []string      // Checkpoint labels, in course order
	Participants int           // Number of runners to generate
	Duplicates   int           // Extra deliveries of every event
	Workers      int           // Number of concurrent submitters
	Timeout      time.Duration // HTTP request timeout
	OutputFile   string        // Output file for events
	LogFile      string        // Log file for run output
	Verbose      bool          // Enable verbose logging
}

// Event is one webhook submission.
type Event = model.RawCheckpointEvent

// Stats holds run statistics.
type Stats struct {
	EventsGenerated int
	UniqueCrossings int
	EventsSubmitted int
	Created         int
	Updated         int
	Duplicate       int
	Unresolved      int
	Rejected        int
	Failed          int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}
