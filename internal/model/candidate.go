package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCandidate is returned for candidates that break the event invariants.
var ErrInvalidCandidate = errors.New("invalid event candidate")

// RawMessage is a fetched mail item. It is never persisted as-is.
type RawMessage struct {
	UID          uint32
	Mailbox      string
	MessageID    string
	InternalDate time.Time
	Raw          []byte
}

// EventCandidate is the output of the extractor before the ingest pipeline
type EventCandidate struct {
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Location        string                 `json:"location,omitempty"`
	URL             string                 `json:"url,omitempty"`
	Start           time.Time              `json:"start"`
	End             *time.Time             `json:"end,omitempty"`
	AllDay          bool                   `json:"all_day"`
	Publish         bool                   `json:"publish"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Priority        int                    `json:"priority,omitempty"`
	ExternalID      string                 `json:"external_id,omitempty"`
	FlagID          string                 `json:"flag_id,omitempty"`
	RequestedStatus EventStatus            `json:"status,omitempty"`
}

// Validate enforces the candidate invariants and fills defaults.
func (c *EventCandidate) Validate() error {
	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidCandidate)
	}
	if c.Start.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrInvalidCandidate)
	}
	if c.End != nil && c.End.Before(c.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidCandidate,
			c.End.Format(time.RFC3339), c.Start.Format(time.RFC3339))
	}
	switch {
	case c.Priority == 0:
		c.Priority = 3
	case c.Priority < 1:
		c.Priority = 1
	case c.Priority > 5:
		c.Priority = 5
	}
	if c.RequestedStatus == "" {
		c.RequestedStatus = StatusPending
	}
	if !c.RequestedStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCandidate, c.RequestedStatus)
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	return nil
}

// MetadataString returns a metadata value when it is a non-empty string
func (c *EventCandidate) MetadataString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return strings.TrimSpace(s)
}

// HasMetadata reports whether a metadata key is present with a non-nil value
func (c *EventCandidate) HasMetadata(key string) bool {
	if c.Metadata == nil {
		return false
	}
	v, ok := c.Metadata[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}
