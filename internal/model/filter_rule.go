package model

import (
	"time"

	"gorm.io/gorm"
)

// FilterRuleKind selects which spam check a rule feeds.
type FilterRuleKind string

const (
	FilterKeyword     FilterRuleKind = "keyword"
	FilterPhrase      FilterRuleKind = "phrase"
	FilterBlockedHost FilterRuleKind = "blocked_host"
)

// FilterRule represents an operator-managed spam rule in the database
type FilterRule struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind      FilterRuleKind `json:"kind" gorm:"type:varchar(32);not null;uniqueIndex:ux_filter_rules_kind_pattern,priority:1"`
	Pattern   string         `json:"pattern" gorm:"type:varchar(255);not null;uniqueIndex:ux_filter_rules_kind_pattern,priority:2"`
	Enabled   bool           `json:"enabled" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for FilterRule
func (FilterRule) TableName() string {
	return "filter_rules"
}
