package model

import (
	"time"
)

// IngestOutcome is what happened to a single fetched message.
type IngestOutcome string

const (
	OutcomeInserted  IngestOutcome = "inserted"
	OutcomeExists    IngestOutcome = "exists"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeNotEvent  IngestOutcome = "not_event"
	OutcomeInvalid   IngestOutcome = "invalid"
	OutcomeError     IngestOutcome = "error"
)

// IngestLog represents a log entry for one processed mailbox message
type IngestLog struct {
	ID         uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	ProviderID string        `json:"provider_id" gorm:"type:varchar(64);not null;index"`
	Mailbox    string        `json:"mailbox" gorm:"type:varchar(255)"`
	UID        uint32        `json:"uid"`
	MessageID  string        `json:"message_id" gorm:"type:varchar(512);index"`
	Outcome    IngestOutcome `json:"outcome" gorm:"type:varchar(32);not null"`
	EventID    *string       `json:"event_id" gorm:"type:varchar(36)"`
	Detail     string        `json:"detail" gorm:"type:text"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TableName specifies the table name for IngestLog
func (IngestLog) TableName() string {
	return "ingest_logs"
}
