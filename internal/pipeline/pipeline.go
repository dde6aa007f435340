package pipeline

import (
	"context"
	"fmt"
	"time"

	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/model"
)

// Metadata keys written by the pipeline
const (
	MetaIngestDecision = "ingest_decision"
	MetaAutoApproval   = "auto_approval"
)

// Decision reasons
const (
	ReasonDuplicate             = "duplicate"
	ReasonTrustedHighConfidence = "trusted_high_confidence"
	ReasonConfidenceLow         = "confidence_low"
	ReasonSpamFlagged           = "spam_flagged"
)

// ProviderInfo is the provider context a decision depends on
type ProviderInfo struct {
	ID      string
	Trusted bool
}

// Decision is the combined result of all checks for one candidate
type Decision struct {
	Status       model.EventStatus
	Proceed      bool
	AutoApproved bool
	Reason       string
	SkipReason   string
	DuplicateOf  string
	Spam         SpamResult
	Duplicate    DuplicateResult
	Confidence   ConfidenceResult
	// Metadata is merged into the stored event's metadata.
	Metadata map[string]interface{}
}

// Pipeline screens, scores and decides on event candidates
type Pipeline struct {
	spam       *SpamFilter
	duplicates *DuplicateDetector
	weights    Weights
	now        func() time.Time
}

func New(spam *SpamFilter, duplicates *DuplicateDetector, weights Weights) *Pipeline {
	return &Pipeline{
		spam:       spam,
		duplicates: duplicates,
		weights:    weights,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FromConfig builds a pipeline from configuration plus stored filter rules
func FromConfig(cfg config.PipelineConfig, store DuplicateStore, rules []model.FilterRule) (*Pipeline, error) {
	spam, err := NewSpamFilter(SpamOptions{
		Keywords:          cfg.SpamKeywords,
		SuspiciousPattern: cfg.SuspiciousPattern,
		BlockedHosts:      cfg.BlockedHosts,
		Penalty:           cfg.Confidence.SpamPenalty,
	})
	if err != nil {
		return nil, err
	}
	spam.AddRules(rules)

	duplicates := NewDuplicateDetector(store, cfg.DuplicateWindow, cfg.Confidence.DuplicatePenalty)
	return New(spam, duplicates, WeightsFromConfig(cfg.Confidence)), nil
}

// Evaluate runs the spam, duplicate and confidence checks and combines them
func (p *Pipeline) Evaluate(ctx context.Context, provider ProviderInfo, c *model.EventCandidate) (*Decision, error) {
	spam := p.spam.Check(c)
	dup, err := p.duplicates.Check(ctx, provider.ID, c)
	if err != nil {
		return nil, fmt.Errorf("duplicate detection failed: %w", err)
	}
	confidence := p.weights.Score(c, provider.Trusted, spam, dup)

	d := &Decision{
		Status:     c.RequestedStatus,
		Proceed:    true,
		Spam:       spam,
		Duplicate:  dup,
		Confidence: confidence,
	}
	if d.Status == "" {
		d.Status = model.StatusPending
	}

	switch {
	case dup.Duplicate:
		d.Proceed = false
		d.SkipReason = ReasonDuplicate
		d.DuplicateOf = dup.ExistingID
	case provider.Trusted:
		if confidence.AutoApprove {
			d.Status = model.StatusApproved
			d.AutoApproved = true
			d.Reason = ReasonTrustedHighConfidence
		} else {
			d.Status = model.StatusPending
			d.Reason = ReasonConfidenceLow
		}
	case d.Status == model.StatusApproved && !confidence.AutoApprove:
		d.Status = model.StatusPending
		d.Reason = ReasonConfidenceLow
	}

	if spam.Flagged && d.Status == model.StatusApproved {
		d.Status = model.StatusPending
		d.AutoApproved = false
		d.Reason = ReasonSpamFlagged
	}

	d.Metadata = p.auditMetadata(d)
	return d, nil
}

func (p *Pipeline) auditMetadata(d *Decision) map[string]interface{} {
	now := p.now().Format(time.RFC3339)
	decision := map[string]interface{}{
		"status":        string(d.Status),
		"proceed":       d.Proceed,
		"auto_approved": d.AutoApproved,
		"reason":        d.Reason,
		"skip_reason":   d.SkipReason,
		"duplicate_of":  d.DuplicateOf,
		"evaluated_at":  now,
	}
	patch := map[string]interface{}{
		MetaIngestDecision: map[string]interface{}{
			"spam":       d.Spam,
			"duplicate":  d.Duplicate,
			"confidence": d.Confidence,
			"decision":   decision,
		},
	}
	if d.AutoApproved {
		patch[MetaAutoApproval] = map[string]interface{}{
			"reason": d.Reason,
			"score":  d.Confidence.Score,
			"level":  string(d.Confidence.Level),
			"at":     now,
		}
	}
	return patch
}
