package model

// SplitKind classifies a timing point.
type SplitKind string

// Split kinds.
const (
	SplitStart      SplitKind = "start"
	SplitSplit      SplitKind = "split"
	SplitCheckpoint SplitKind = "checkpoint"
	SplitFinish     SplitKind = "finish"
)

// Split is one configured timing point of a race event.
type Split struct {
	Name           string    `json:"name" yaml:"name"`
	ID             string    `json:"id,omitempty" yaml:"id,omitempty"`
	Order          int       `json:"order" yaml:"order"`
	DistanceMeters int       `json:"distanceMeters" yaml:"distance_meters"`
	Kind           SplitKind `json:"kind" yaml:"kind"`
}

// SplitSchema is the ordered list of splits for one (race, event).
type SplitSchema struct {
	RaceID  string  `json:"raceId" yaml:"race_id"`
	EventID string  `json:"eventId" yaml:"event_id"`
	Splits  []Split `json:"splits" yaml:"splits"`
}
