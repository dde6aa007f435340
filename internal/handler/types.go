package handler

import (
	"time"

	"calendar-ingest-worker/internal/mailbox"
)

// IngestLogResponse represents one ingest log entry
type IngestLogResponse struct {
	ID         uint      `json:"id"`
	ProviderID string    `json:"provider_id"`
	Mailbox    string    `json:"mailbox"`
	UID        uint32    `json:"uid"`
	MessageID  string    `json:"message_id"`
	Outcome    string    `json:"outcome"`
	EventID    *string   `json:"event_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionsResponse lists provider sessions
type SessionsResponse struct {
	Running  bool             `json:"running"`
	Sessions []mailbox.Status `json:"sessions"`
	Total    int              `json:"total"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Database   string         `json:"database"`
	Supervisor string         `json:"supervisor"`
	Sessions   map[string]int `json:"sessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
