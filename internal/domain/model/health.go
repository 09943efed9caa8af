package model

import "time"

// Severity grades an Alert.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing entry in the alert log.
type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component"`
	Key       string    `json:"key"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectionMetric is a periodic snapshot of pipeline activity.
type ConnectionMetric struct {
	ID                string    `json:"id"`
	RecordedAt        time.Time `json:"recordedAt"`
	Connected         bool      `json:"connected"`
	MessagesReceived  int64     `json:"messagesReceived"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	Errors            int64     `json:"errors"`
}
