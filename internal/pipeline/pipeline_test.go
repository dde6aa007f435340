package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-ingest-worker/internal/model"
)

type memoryStore struct {
	events []model.Event
	err    error
	calls  []string
}

func (m *memoryStore) FindByExternalID(ctx context.Context, providerID, externalID string) (*model.Event, error) {
	m.calls = append(m.calls, "external_id")
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.events {
		if m.events[i].ProviderID == providerID && m.events[i].ExternalID == externalID {
			return &m.events[i], nil
		}
	}
	return nil, nil
}

func (m *memoryStore) FindByTitleWindow(ctx context.Context, providerID, title string, from, to time.Time) (*model.Event, error) {
	m.calls = append(m.calls, "title_window")
	for i := range m.events {
		e := m.events[i]
		if e.ProviderID == providerID && strings.EqualFold(e.Title, title) && !e.StartAt.Before(from) && !e.StartAt.After(to) {
			return &m.events[i], nil
		}
	}
	return nil, nil
}

func (m *memoryStore) FindBySourceURL(ctx context.Context, providerID, sourceURL string) (*model.Event, error) {
	m.calls = append(m.calls, "source_url")
	for i := range m.events {
		if m.events[i].ProviderID == providerID && m.events[i].SourceURL == sourceURL {
			return &m.events[i], nil
		}
	}
	return nil, nil
}

var start = time.Date(2025, time.October, 12, 15, 0, 0, 0, time.UTC)

// richCandidate scores 0.75 before the trust bonus
func richCandidate() *model.EventCandidate {
	end := start.Add(time.Hour)
	return &model.EventCandidate{
		Title:           "Quarterly product webinar",
		Description:     "Join the product team for a walkthrough of everything new this quarter.",
		URL:             "https://example.com/webinar/123",
		Start:           start,
		End:             &end,
		Publish:         true,
		RequestedStatus: model.StatusPending,
		ExternalID:      "msg-1@example.com",
		Metadata: map[string]interface{}{
			"source":     "email",
			"source_url": "https://example.com/webinar/123",
		},
	}
}

func newSpamFilter(t *testing.T) *SpamFilter {
	f, err := NewSpamFilter(SpamOptions{
		Keywords:          []string{"Casino", " lottery "},
		SuspiciousPattern: `(?i)(click here|limited time|act now|100% free|winner|wire transfer|crypto giveaway)`,
		BlockedHosts:      []string{"bit.ly", "*.spam.example"},
		Penalty:           0.4,
	})
	require.NoError(t, err)
	return f
}

func newPipeline(t *testing.T, store DuplicateStore) *Pipeline {
	return New(newSpamFilter(t), NewDuplicateDetector(store, 7*24*time.Hour, 0.3), DefaultWeights())
}

func TestSpamFilter(t *testing.T) {
	f := newSpamFilter(t)

	tests := []struct {
		name    string
		mutate  func(c *model.EventCandidate)
		reasons []string
	}{
		{name: "clean", mutate: func(c *model.EventCandidate) {}},
		{name: "keyword in title", mutate: func(c *model.EventCandidate) { c.Title = "CASINO night" }, reasons: []string{"keyword:casino"}},
		{name: "keyword in description", mutate: func(c *model.EventCandidate) { c.Description = "win the lottery" }, reasons: []string{"keyword:lottery"}},
		{name: "suspicious phrase", mutate: func(c *model.EventCandidate) { c.Description = "Click HERE to register" }, reasons: []string{"suspicious_phrase:click here"}},
		{name: "blocked host", mutate: func(c *model.EventCandidate) { c.URL = "https://bit.ly/abc" }, reasons: []string{"blocked_host:bit.ly"}},
		{name: "blocked subdomain via source url", mutate: func(c *model.EventCandidate) {
			c.URL = ""
			c.Metadata["source_url"] = "http://promo.spam.example/x"
		}, reasons: []string{"blocked_host:spam.example"}},
		{name: "lookalike host is not blocked", mutate: func(c *model.EventCandidate) { c.URL = "https://notbit.ly/x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := richCandidate()
			tt.mutate(c)
			result := f.Check(c)
			if len(tt.reasons) == 0 {
				assert.False(t, result.Flagged)
				assert.Zero(t, result.Penalty)
				assert.Empty(t, result.Reasons)
				return
			}
			assert.True(t, result.Flagged)
			assert.Equal(t, 0.4, result.Penalty)
			assert.Equal(t, tt.reasons, result.Reasons)
		})
	}
}

func TestSpamFilterStoredRules(t *testing.T) {
	f := newSpamFilter(t)
	f.AddRules([]model.FilterRule{
		{Kind: model.FilterKeyword, Pattern: "Timeshare", Enabled: true},
		{Kind: model.FilterPhrase, Pattern: "Reply With Your Bank", Enabled: true},
		{Kind: model.FilterBlockedHost, Pattern: "evil.test", Enabled: true},
		{Kind: model.FilterKeyword, Pattern: "webinar", Enabled: false},
	})

	c := richCandidate()
	assert.False(t, f.Check(c).Flagged, "disabled rules are ignored")

	c.Title = "Timeshare preview"
	c.Description = "please reply with your bank details"
	c.URL = "https://www.evil.test/"
	result := f.Check(c)
	assert.Equal(t, []string{"keyword:timeshare", "suspicious_phrase:reply with your bank", "blocked_host:evil.test"}, result.Reasons)
}

func TestNewSpamFilterRejectsBadPattern(t *testing.T) {
	_, err := NewSpamFilter(SpamOptions{SuspiciousPattern: "("})
	assert.Error(t, err)
}

func TestDuplicateDetector(t *testing.T) {
	existing := []model.Event{
		{ID: "ev-ext", ProviderID: "p1", ExternalID: "msg-1@example.com", Title: "Other", StartAt: start.AddDate(0, -1, 0)},
		{ID: "ev-title", ProviderID: "p1", ExternalID: "x", Title: "quarterly PRODUCT webinar", StartAt: start.Add(-7 * 24 * time.Hour)},
		{ID: "ev-url", ProviderID: "p1", ExternalID: "y", Title: "Something", StartAt: start.AddDate(0, 2, 0), SourceURL: "https://example.com/webinar/123"},
		{ID: "ev-other-provider", ProviderID: "p2", ExternalID: "z", Title: "Quarterly product webinar", StartAt: start},
	}

	tests := []struct {
		name       string
		providerID string
		mutate     func(c *model.EventCandidate)
		wantID     string
		wantReason string
		wantCalls  []string
	}{
		{
			name: "external id wins", providerID: "p1", mutate: func(c *model.EventCandidate) {},
			wantID: "ev-ext", wantReason: "external_id", wantCalls: []string{"external_id"},
		},
		{
			name: "title in lookback window", providerID: "p1",
			mutate: func(c *model.EventCandidate) { c.ExternalID = "new" },
			wantID: "ev-title", wantReason: "title_window", wantCalls: []string{"external_id", "title_window"},
		},
		{
			name: "source url", providerID: "p1",
			mutate: func(c *model.EventCandidate) {
				c.ExternalID = "new"
				c.Title = "Renamed"
			},
			wantID: "ev-url", wantReason: "source_url", wantCalls: []string{"external_id", "title_window", "source_url"},
		},
		{
			name: "title after the candidate start is not a duplicate", providerID: "p1",
			mutate: func(c *model.EventCandidate) {
				c.ExternalID = "new"
				c.Start = start.Add(-8 * 24 * time.Hour)
				delete(c.Metadata, "source_url")
			},
			wantCalls: []string{"external_id", "title_window"},
		},
		{
			name: "other providers are out of scope", providerID: "p3",
			mutate:    func(c *model.EventCandidate) {},
			wantCalls: []string{"external_id", "title_window", "source_url"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{events: existing}
			c := richCandidate()
			tt.mutate(c)

			result, err := NewDuplicateDetector(store, 7*24*time.Hour, 0.3).Check(context.Background(), tt.providerID, c)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, store.calls)
			if tt.wantID == "" {
				assert.False(t, result.Duplicate)
				assert.Zero(t, result.Penalty)
				return
			}
			assert.True(t, result.Duplicate)
			assert.Equal(t, tt.wantID, result.ExistingID)
			assert.Equal(t, []string{tt.wantReason}, result.Reasons)
			assert.Equal(t, 0.3, result.Penalty)
		})
	}
}

func TestDuplicateDetectorStoreError(t *testing.T) {
	store := &memoryStore{err: errors.New("db down")}
	_, err := NewDuplicateDetector(store, time.Hour, 0.3).Check(context.Background(), "p1", richCandidate())
	assert.ErrorContains(t, err, "db down")
}

func TestConfidenceScore(t *testing.T) {
	w := DefaultWeights()

	result := w.Score(richCandidate(), true, SpamResult{}, DuplicateResult{})
	assert.Equal(t, 0.85, result.Score)
	assert.Equal(t, LevelHigh, result.Level)
	assert.True(t, result.AutoApprove)

	result = w.Score(richCandidate(), false, SpamResult{}, DuplicateResult{})
	assert.Equal(t, 0.75, result.Score)
	assert.Equal(t, LevelMedium, result.Level)
	assert.False(t, result.AutoApprove)

	result = w.Score(richCandidate(), true, SpamResult{Flagged: true, Penalty: 0.4}, DuplicateResult{})
	assert.Equal(t, 0.45, result.Score)
	assert.Equal(t, LevelLow, result.Level)

	bare := &model.EventCandidate{Title: "Short", Start: start}
	result = w.Score(bare, false, SpamResult{Flagged: true, Penalty: 0.4}, DuplicateResult{Duplicate: true, Penalty: 0.3})
	assert.Equal(t, 0.0, result.Score, "score is clamped at zero")
	assert.Empty(t, result.Signals)

	full := richCandidate()
	full.Location = "Main hall"
	full.Metadata["organizer"] = "Events team"
	full.Metadata["fetched_at"] = "2025-10-01T00:00:00Z"
	result = w.Score(full, true, SpamResult{}, DuplicateResult{})
	assert.Equal(t, 1.0, result.Score, "score is clamped at one")
}

func TestHighConfidenceWithSpamIsNeverAutoApproved(t *testing.T) {
	w := DefaultWeights()
	w.Base = 1
	result := w.Score(richCandidate(), true, SpamResult{Flagged: true}, DuplicateResult{})
	assert.Equal(t, LevelHigh, result.Level)
	assert.False(t, result.AutoApprove)

	result = w.Score(richCandidate(), true, SpamResult{}, DuplicateResult{Duplicate: true})
	assert.Equal(t, LevelHigh, result.Level)
	assert.False(t, result.AutoApprove)
}

func TestEvaluateTrustedHighConfidence(t *testing.T) {
	p := newPipeline(t, &memoryStore{})

	d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1", Trusted: true}, richCandidate())
	require.NoError(t, err)
	assert.True(t, d.Proceed)
	assert.Equal(t, model.StatusApproved, d.Status)
	assert.True(t, d.AutoApproved)
	assert.Equal(t, ReasonTrustedHighConfidence, d.Reason)

	block, ok := d.Metadata[MetaAutoApproval].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.85, block["score"])
	assert.Equal(t, "high", block["level"])
	assert.Contains(t, d.Metadata, MetaIngestDecision)
}

func TestEvaluateTrustedSpamStaysPending(t *testing.T) {
	p := newPipeline(t, &memoryStore{})
	c := richCandidate()
	c.Description = "Act now! Join the product team for a walkthrough of everything new."

	d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1", Trusted: true}, c)
	require.NoError(t, err)
	assert.True(t, d.Proceed)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.False(t, d.AutoApproved)
	assert.NotContains(t, d.Metadata, MetaAutoApproval)
}

func TestEvaluateUntrustedRequestedApprovalIsDemoted(t *testing.T) {
	p := newPipeline(t, &memoryStore{})
	c := richCandidate()
	c.RequestedStatus = model.StatusApproved

	d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1"}, c)
	require.NoError(t, err)
	assert.Equal(t, LevelMedium, d.Confidence.Level)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.Equal(t, ReasonConfidenceLow, d.Reason)
	assert.False(t, d.AutoApproved)
}

func TestEvaluateUntrustedKeepsRequestedStatus(t *testing.T) {
	p := newPipeline(t, &memoryStore{})
	c := richCandidate()
	c.RequestedStatus = model.StatusRejected

	d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1"}, c)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, d.Status)
}

func TestEvaluateDuplicateDoesNotProceed(t *testing.T) {
	store := &memoryStore{events: []model.Event{{ID: "ev-1", ProviderID: "p1", ExternalID: "msg-1@example.com"}}}
	p := newPipeline(t, store)

	d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1", Trusted: true}, richCandidate())
	require.NoError(t, err)
	assert.False(t, d.Proceed)
	assert.Equal(t, ReasonDuplicate, d.SkipReason)
	assert.Equal(t, "ev-1", d.DuplicateOf)
	assert.False(t, d.AutoApproved)
}

func TestEvaluateSpamIsNeverApproved(t *testing.T) {
	p := newPipeline(t, &memoryStore{})
	for _, trusted := range []bool{true, false} {
		for _, status := range []model.EventStatus{model.StatusPending, model.StatusApproved} {
			c := richCandidate()
			c.Title = "Casino launch party"
			c.RequestedStatus = status

			d, err := p.Evaluate(context.Background(), ProviderInfo{ID: "p1", Trusted: trusted}, c)
			require.NoError(t, err)
			assert.NotEqual(t, model.StatusApproved, d.Status)
		}
	}
}
