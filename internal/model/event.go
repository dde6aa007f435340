package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventStatus is the review status of a stored event
type EventStatus string

const (
	StatusPending  EventStatus = "pending"
	StatusApproved EventStatus = "approved"
	StatusRejected EventStatus = "rejected"
)

// Valid reports whether s is a known event status
func (s EventStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Event represents a persisted calendar event. (provider_id, external_id) is unique.
type Event struct {
	ID          string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ProviderID  string            `json:"provider_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_events_provider_external,priority:1;index:idx_events_provider_start,priority:1;index:idx_events_provider_title,priority:1"`
	ExternalID  string            `json:"external_id" gorm:"type:varchar(512);not null;uniqueIndex:ux_events_provider_external,priority:2"`
	Title       string            `json:"title" gorm:"type:varchar(512);not null"`
	TitleKey    string            `json:"-" gorm:"type:varchar(512);not null;default:'';index:idx_events_provider_title,priority:2"`
	Description string            `json:"description" gorm:"type:text"`
	Location    string            `json:"location" gorm:"type:varchar(512)"`
	URL         string            `json:"url" gorm:"type:varchar(1024)"`
	SourceURL   string            `json:"source_url" gorm:"type:varchar(1024);index"`
	StartAt     time.Time         `json:"start_at" gorm:"not null;index:idx_events_provider_start,priority:2;index:idx_events_provider_title,priority:3"`
	EndAt       *time.Time        `json:"end_at"`
	AllDay      bool              `json:"all_day"`
	IsPublished bool              `json:"is_published"`
	Status      EventStatus       `json:"status" gorm:"type:varchar(32);not null;default:pending;index"`
	Priority    int               `json:"priority" gorm:"default:3"`
	FlagID      *string           `json:"flag_id" gorm:"type:varchar(64)"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TitleKey is the form titles are compared in for duplicate detection.
// Lowercasing happens here because SQL LOWER() is ASCII-only on SQLite.
func TitleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// BeforeSave keeps TitleKey in step with Title
func (e *Event) BeforeSave(tx *gorm.DB) error {
	e.TitleKey = TitleKey(e.Title)
	return nil
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "events"
}
