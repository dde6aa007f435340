package pipeline

import (
	"math"
	"strings"
	"unicode/utf8"

	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/model"
)

// Level is a coarse confidence bucket
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Weights are the confidence scorer constants
type Weights struct {
	Base             float64
	TitleBonus       float64
	DescriptionBonus float64
	LocationBonus    float64
	URLBonus         float64
	EndBonus         float64
	PublishBonus     float64
	OrganizerBonus   float64
	EmailSourceBonus float64
	TrustedBonus     float64
	FetchedAtBonus   float64
	HighThreshold    float64
	MediumThreshold  float64
}

// DefaultWeights returns the stock scoring constants
func DefaultWeights() Weights {
	return Weights{
		Base:             0.35,
		TitleBonus:       0.10,
		DescriptionBonus: 0.10,
		LocationBonus:    0.05,
		URLBonus:         0.05,
		EndBonus:         0.05,
		PublishBonus:     0.05,
		OrganizerBonus:   0.05,
		EmailSourceBonus: 0.05,
		TrustedBonus:     0.10,
		FetchedAtBonus:   0.05,
		HighThreshold:    0.8,
		MediumThreshold:  0.6,
	}
}

// WeightsFromConfig maps the configured confidence section
func WeightsFromConfig(cfg config.ConfidenceConfig) Weights {
	return Weights{
		Base:             cfg.Base,
		TitleBonus:       cfg.TitleBonus,
		DescriptionBonus: cfg.DescriptionBonus,
		LocationBonus:    cfg.LocationBonus,
		URLBonus:         cfg.URLBonus,
		EndBonus:         cfg.EndBonus,
		PublishBonus:     cfg.PublishBonus,
		OrganizerBonus:   cfg.OrganizerBonus,
		EmailSourceBonus: cfg.EmailSourceBonus,
		TrustedBonus:     cfg.TrustedBonus,
		FetchedAtBonus:   cfg.FetchedAtBonus,
		HighThreshold:    cfg.HighThreshold,
		MediumThreshold:  cfg.MediumThreshold,
	}
}

// ConfidenceResult is the outcome of confidence scoring
type ConfidenceResult struct {
	Score       float64  `json:"score"`
	Level       Level    `json:"level"`
	AutoApprove bool     `json:"auto_approve"`
	Signals     []string `json:"signals"`
}

// Score rates how complete and trustworthy a candidate looks
func (w Weights) Score(c *model.EventCandidate, trusted bool, spam SpamResult, dup DuplicateResult) ConfidenceResult {
	score := w.Base
	signals := []string{}
	add := func(ok bool, bonus float64, signal string) {
		if ok {
			score += bonus
			signals = append(signals, signal)
		}
	}

	add(utf8.RuneCountInString(strings.TrimSpace(c.Title)) > 8, w.TitleBonus, "title")
	add(utf8.RuneCountInString(strings.TrimSpace(c.Description)) > 40, w.DescriptionBonus, "description")
	add(strings.TrimSpace(c.Location) != "", w.LocationBonus, "location")
	add(strings.TrimSpace(c.URL) != "", w.URLBonus, "url")
	add(c.End != nil, w.EndBonus, "end")
	add(c.Publish, w.PublishBonus, "publish")
	add(c.HasMetadata("organizer"), w.OrganizerBonus, "organizer")
	add(c.MetadataString("source") == "email", w.EmailSourceBonus, "email_source")
	add(trusted, w.TrustedBonus, "trusted")
	add(c.HasMetadata("fetched_at"), w.FetchedAtBonus, "fetched_at")

	score -= spam.Penalty
	score -= dup.Penalty
	score = math.Max(0, math.Min(1, score))
	// Rounded so that summed bonuses compare exactly against the thresholds.
	score = math.Round(score*10000) / 10000

	level := LevelLow
	switch {
	case score >= w.HighThreshold:
		level = LevelHigh
	case score >= w.MediumThreshold:
		level = LevelMedium
	}

	return ConfidenceResult{
		Score:       score,
		Level:       level,
		AutoApprove: level == LevelHigh && !spam.Flagged && !dup.Duplicate,
		Signals:     signals,
	}
}
