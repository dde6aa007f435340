package pipeline

import (
	"context"
	"fmt"
	"time"

	"calendar-ingest-worker/internal/model"
)

// DuplicateStore looks up previously stored events of the same provider
type DuplicateStore interface {
	FindByExternalID(ctx context.Context, providerID, externalID string) (*model.Event, error)
	FindByTitleWindow(ctx context.Context, providerID, title string, from, to time.Time) (*model.Event, error)
	FindBySourceURL(ctx context.Context, providerID, sourceURL string) (*model.Event, error)
}

// DuplicateResult is the outcome of duplicate detection
type DuplicateResult struct {
	Duplicate  bool     `json:"duplicate"`
	Reasons    []string `json:"reasons"`
	ExistingID string   `json:"existing_id,omitempty"`
	Penalty    float64  `json:"penalty"`
}

// DuplicateDetector runs the per-provider duplicate checks in order;
// the first match wins.
type DuplicateDetector struct {
	store   DuplicateStore
	window  time.Duration
	penalty float64
}

func NewDuplicateDetector(store DuplicateStore, window time.Duration, penalty float64) *DuplicateDetector {
	return &DuplicateDetector{store: store, window: window, penalty: penalty}
}

func (d *DuplicateDetector) Check(ctx context.Context, providerID string, c *model.EventCandidate) (DuplicateResult, error) {
	result := DuplicateResult{Reasons: []string{}}

	if c.ExternalID != "" {
		existing, err := d.store.FindByExternalID(ctx, providerID, c.ExternalID)
		if err != nil {
			return result, fmt.Errorf("failed to check external id: %w", err)
		}
		if existing != nil {
			return d.match(result, "external_id", existing), nil
		}
	}

	existing, err := d.store.FindByTitleWindow(ctx, providerID, c.Title, c.Start.Add(-d.window), c.Start)
	if err != nil {
		return result, fmt.Errorf("failed to check title window: %w", err)
	}
	if existing != nil {
		return d.match(result, "title_window", existing), nil
	}

	if sourceURL := c.MetadataString("source_url"); sourceURL != "" {
		existing, err := d.store.FindBySourceURL(ctx, providerID, sourceURL)
		if err != nil {
			return result, fmt.Errorf("failed to check source url: %w", err)
		}
		if existing != nil {
			return d.match(result, "source_url", existing), nil
		}
	}

	return result, nil
}

func (d *DuplicateDetector) match(result DuplicateResult, reason string, existing *model.Event) DuplicateResult {
	result.Duplicate = true
	result.Reasons = append(result.Reasons, reason)
	result.ExistingID = existing.ID
	result.Penalty = d.penalty
	return result
}
