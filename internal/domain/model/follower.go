package model

// Follow is one edge of the follower graph: UserID follows ParticipantID in RaceID.
type Follow struct {
	UserID        string `json:"userId"`
	ParticipantID string `json:"participantId"`
	RaceID        string `json:"raceId"`
}

// User is the subset of a user record the fanout needs.
type User struct {
	ID        string `json:"id"`
	PushToken string `json:"pushToken,omitempty"`
	// RaceSubscriptions maps raceId to whether push updates are active for it.
	RaceSubscriptions map[string]bool `json:"raceSubscriptions,omitempty"`
}

// FollowerTarget is a derived, per-fanout recipient.
type FollowerTarget struct {
	UserID                 string
	PushToken              string
	RaceSubscriptionActive bool
}

// PushMessage is one push delivery request. Title and Body are empty for
// silent (data-only) pushes.
type PushMessage struct {
	Token string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Silent reports whether the message is data-only.
func (m PushMessage) Silent() bool { return m.Title == "" && m.Body == "" }

// PushReceipt is the per-message result of a dispatch call.
type PushReceipt struct {
	Token string
	OK    bool
	// TokenUnregistered marks a "token no longer registered" failure class.
	TokenUnregistered bool
	Message           string
}
