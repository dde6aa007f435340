package extractor

import (
	"context"
	"errors"

	"calendar-ingest-worker/internal/model"
)

// ErrNotEvent is returned when a message does not describe an event
var ErrNotEvent = errors.New("message is not an event")

// Input is what the extractor sees of one message
type Input struct {
	ProviderID string `json:"provider_id"`
	Mailbox    string `json:"-"`
	Subject    string `json:"subject,omitempty"`
	Text       string `json:"text"`
	HTML       string `json:"html,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// Extractor turns message content into an event candidate
type Extractor interface {
	Extract(ctx context.Context, in Input) (*model.EventCandidate, error)
}
