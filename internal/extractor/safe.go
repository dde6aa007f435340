package extractor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"calendar-ingest-worker/internal/model"
)

// FailureFunc is called for every extractor error other than ErrNotEvent
type FailureFunc func(in Input, err error)

// Safe bounds an extractor with a timeout and turns every failure,
// panics included, into ErrNotEvent.
type Safe struct {
	inner     Extractor
	timeout   time.Duration
	onFailure FailureFunc
	logger    *logrus.Entry
}

func NewSafe(inner Extractor, timeout time.Duration, onFailure FailureFunc, logger *logrus.Entry) *Safe {
	return &Safe{inner: inner, timeout: timeout, onFailure: onFailure, logger: logger}
}

type extractResult struct {
	candidate *model.EventCandidate
	err       error
}

func (s *Safe) Extract(ctx context.Context, in Input) (*model.EventCandidate, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	done := make(chan extractResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(logrus.Fields{
					"provider_id": in.ProviderID,
					"message_id":  in.MessageID,
					"panic":       r,
					"stack":       string(debug.Stack()),
				}).Error("Extractor panicked")
				done <- extractResult{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		candidate, err := s.inner.Extract(ctx, in)
		done <- extractResult{candidate: candidate, err: err}
	}()

	var res extractResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = extractResult{err: fmt.Errorf("extractor timed out: %w", ctx.Err())}
	}

	if res.err == nil && res.candidate == nil {
		return nil, ErrNotEvent
	}
	if res.err == nil {
		return res.candidate, nil
	}
	if errors.Is(res.err, ErrNotEvent) {
		return nil, ErrNotEvent
	}

	s.logger.WithFields(logrus.Fields{
		"provider_id": in.ProviderID,
		"message_id":  in.MessageID,
		"error":       res.err.Error(),
	}).Warn("Extraction failed, treating message as not an event")
	if s.onFailure != nil {
		s.onFailure(in, res.err)
	}
	return nil, fmt.Errorf("%w: %v", ErrNotEvent, res.err)
}
