package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"calendar-ingest-worker/internal/extractor"
	"calendar-ingest-worker/internal/metrics"
	"calendar-ingest-worker/internal/model"
	"calendar-ingest-worker/internal/pipeline"
)

// EventStore persists events and the per-message audit trail
type EventStore interface {
	InsertEvent(ctx context.Context, event *model.Event) (bool, error)
	LogIngest(ctx context.Context, entry *model.IngestLog) error
}

// Decider runs the ingest pipeline for one candidate
type Decider interface {
	Evaluate(ctx context.Context, provider pipeline.ProviderInfo, c *model.EventCandidate) (*pipeline.Decision, error)
}

// Result describes what happened to one message
type Result struct {
	Outcome   model.IngestOutcome
	MessageID string
	EventID   string
	Decision  *pipeline.Decision
	Detail    string
}

// Processor turns one raw message into at most one stored event
type Processor struct {
	extractor extractor.Extractor
	pipeline  Decider
	store     EventStore
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(ext extractor.Extractor, decider Decider, store EventStore, m *metrics.Metrics) *Processor {
	return &Processor{
		extractor: ext,
		pipeline:  decider,
		store:     store,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Process decodes, extracts, screens and stores one message. Per-message
// problems are reported through the result outcome; the returned error is
// set only when the store or pipeline failed.
func (p *Processor) Process(ctx context.Context, provider *model.Provider, msg model.RawMessage, logger *logrus.Entry) (*Result, error) {
	startTime := time.Now()
	res, err := p.process(ctx, provider, msg, logger)

	if err != nil {
		res.Outcome = model.OutcomeError
		res.Detail = err.Error()
	}
	p.metrics.MessagesProcessed.WithLabelValues(provider.ID, msg.Mailbox, string(res.Outcome)).Inc()
	p.metrics.ProcessingTime.WithLabelValues(provider.ID).Observe(time.Since(startTime).Seconds())
	p.logOutcome(ctx, provider, msg, res, logger)

	return res, err
}

func (p *Processor) process(ctx context.Context, provider *model.Provider, msg model.RawMessage, logger *logrus.Entry) (*Result, error) {
	res := &Result{}

	parsed, err := parseMessage(msg.Raw)
	if err != nil {
		logger.WithError(err).Warn("Failed to fully decode message, continuing with partial content")
	}
	text, err := parsed.readableText()
	if err != nil {
		logger.WithError(err).Warn("Failed to convert HTML body to text")
	}

	messageID := strings.Trim(strings.TrimSpace(msg.MessageID), "<>")
	if messageID == "" {
		messageID = strings.Trim(strings.TrimSpace(parsed.MessageID), "<>")
	}
	res.MessageID = messageID

	candidate, err := p.extractor.Extract(ctx, extractor.Input{
		ProviderID: provider.ID,
		Mailbox:    msg.Mailbox,
		Subject:    parsed.Subject,
		Text:       text,
		HTML:       parsed.HTML,
		MessageID:  messageID,
	})
	if err != nil {
		if errors.Is(err, extractor.ErrNotEvent) {
			res.Outcome = model.OutcomeNotEvent
			res.Detail = err.Error()
			return res, nil
		}
		res.Outcome = model.OutcomeError
		res.Detail = err.Error()
		return res, nil
	}

	p.normalize(provider, msg, messageID, candidate)
	if err := candidate.Validate(); err != nil {
		res.Outcome = model.OutcomeInvalid
		res.Detail = err.Error()
		return res, nil
	}

	decision, err := p.pipeline.Evaluate(ctx, pipeline.ProviderInfo{ID: provider.ID, Trusted: provider.Trusted}, candidate)
	if err != nil {
		return res, err
	}
	res.Decision = decision

	if decision.Spam.Flagged {
		p.metrics.Inc(metrics.CounterSpamDetected, provider.ID, msg.Mailbox)
	}
	if !decision.Proceed {
		p.metrics.Inc(metrics.CounterDuplicateDetected, provider.ID, msg.Mailbox)
		res.Outcome = model.OutcomeDuplicate
		res.EventID = decision.DuplicateOf
		res.Detail = fmt.Sprintf("%s of %s", decision.SkipReason, decision.DuplicateOf)
		return res, nil
	}

	event := buildEvent(provider.ID, candidate, decision)
	inserted, err := p.store.InsertEvent(ctx, event)
	if err != nil {
		return res, err
	}
	res.EventID = event.ID
	if !inserted {
		p.metrics.EventsExisting.WithLabelValues(provider.ID, msg.Mailbox).Inc()
		res.Outcome = model.OutcomeExists
		res.EventID = ""
		res.Detail = "event already exists for external id " + candidate.ExternalID
		return res, nil
	}

	p.metrics.EventsInserted.WithLabelValues(provider.ID, msg.Mailbox).Inc()
	if decision.AutoApproved {
		p.metrics.AutoApproved.WithLabelValues(provider.ID, msg.Mailbox).Inc()
	}
	res.Outcome = model.OutcomeInserted
	res.Detail = string(decision.Status)
	return res, nil
}

// normalize resolves the external id and attaches operational metadata
// without overwriting keys the extractor set.
func (p *Processor) normalize(provider *model.Provider, msg model.RawMessage, messageID string, c *model.EventCandidate) {
	c.ExternalID = strings.TrimSpace(c.ExternalID)
	if c.ExternalID == "" {
		c.ExternalID = messageID
	}
	if c.ExternalID == "" {
		c.ExternalID = fmt.Sprintf("%s:%s:%d:%d", provider.ID, msg.Mailbox, msg.UID, msg.InternalDate.Unix())
	}

	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	setDefault := func(key string, value interface{}) {
		if _, ok := c.Metadata[key]; !ok {
			c.Metadata[key] = value
		}
	}
	setDefault("uid", msg.UID)
	setDefault("mailbox", msg.Mailbox)
	if messageID != "" {
		setDefault("message_id", messageID)
	}
	if !msg.InternalDate.IsZero() {
		setDefault("internal_date", msg.InternalDate.UTC().Format(time.RFC3339))
	}
	setDefault("source", "email")
	setDefault("fetched_at", p.now().Format(time.RFC3339))
}

func buildEvent(providerID string, c *model.EventCandidate, d *pipeline.Decision) *model.Event {
	metadata := make(map[string]interface{}, len(c.Metadata)+len(d.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}
	for k, v := range d.Metadata {
		metadata[k] = v
	}

	event := &model.Event{
		ID:          uuid.NewString(),
		ProviderID:  providerID,
		ExternalID:  c.ExternalID,
		Title:       c.Title,
		TitleKey:    model.TitleKey(c.Title),
		Description: c.Description,
		Location:    c.Location,
		URL:         c.URL,
		SourceURL:   c.MetadataString("source_url"),
		StartAt:     c.Start.UTC().Truncate(time.Second),
		AllDay:      c.AllDay,
		IsPublished: c.Publish,
		Status:      d.Status,
		Priority:    c.Priority,
		Metadata:    metadata,
	}
	if c.End != nil {
		end := c.End.UTC().Truncate(time.Second)
		event.EndAt = &end
	}
	if c.FlagID != "" {
		flagID := c.FlagID
		event.FlagID = &flagID
	}
	return event
}

func (p *Processor) logOutcome(ctx context.Context, provider *model.Provider, msg model.RawMessage, res *Result, logger *logrus.Entry) {
	fields := logrus.Fields{
		"outcome":    res.Outcome,
		"message_id": res.MessageID,
	}
	if res.EventID != "" {
		fields["event_id"] = res.EventID
	}
	if res.Decision != nil {
		fields["status"] = res.Decision.Status
		fields["confidence"] = res.Decision.Confidence.Score
	}
	entry := logger.WithFields(fields)
	switch res.Outcome {
	case model.OutcomeError:
		entry.WithField("detail", res.Detail).Error("Failed to process message")
	case model.OutcomeInvalid:
		entry.WithField("detail", res.Detail).Warn("Discarded invalid event candidate")
	case model.OutcomeInserted:
		entry.Info("Stored event")
	default:
		entry.Debug("Message processed")
	}

	var eventID *string
	if res.EventID != "" {
		id := res.EventID
		eventID = &id
	}
	if err := p.store.LogIngest(ctx, &model.IngestLog{
		ProviderID: provider.ID,
		Mailbox:    msg.Mailbox,
		UID:        msg.UID,
		MessageID:  res.MessageID,
		Outcome:    res.Outcome,
		EventID:    eventID,
		Detail:     res.Detail,
	}); err != nil {
		logger.WithError(err).Warn("Failed to write ingest log")
	}
}
