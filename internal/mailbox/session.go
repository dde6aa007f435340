package mailbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"calendar-ingest-worker/internal/backoff"
	"calendar-ingest-worker/internal/credentials"
	"calendar-ingest-worker/internal/metrics"
	"calendar-ingest-worker/internal/model"
	"calendar-ingest-worker/internal/processor"
	"calendar-ingest-worker/internal/repository"
)

// State is the connection state of a session
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateMailboxOpen  State = "mailbox_open"
	StateIdling       State = "idling"
	StateProcessing   State = "processing"
	StateBackoff      State = "backoff"
	StateStopped      State = "stopped"
	StateCrashed      State = "crashed"
)

// CursorStore persists the per-provider UID watermark
type CursorStore interface {
	GetCursor(ctx context.Context, providerID string) (repository.Cursor, bool, error)
	SetCursor(ctx context.Context, providerID, mailbox string, uid uint32) (bool, error)
	ResetCursor(ctx context.Context, providerID, mailbox string, uidValidity, uid uint32) error
}

// MessageHandler processes one fetched message
type MessageHandler interface {
	Process(ctx context.Context, provider *model.Provider, msg model.RawMessage, logger *logrus.Entry) (*processor.Result, error)
}

// Options holds session timing
type Options struct {
	PollInterval  time.Duration
	IdleKeepalive time.Duration
	Backoff       backoff.Config
}

// Status is a point-in-time snapshot of a session
type Status struct {
	ProviderID  string     `json:"provider_id"`
	SessionID   string     `json:"session_id"`
	Mailbox     string     `json:"mailbox"`
	State       State      `json:"state"`
	Connected   bool       `json:"connected"`
	Cursor      *uint32    `json:"cursor,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	Processed   int        `json:"processed"`
	Reconnects  int        `json:"reconnects"`
}

// Session watches one provider mailbox and feeds new messages, in UID
// order, to the handler. It owns its connection for its whole life.
type Session struct {
	provider *model.Provider
	settings *model.IMAPSettings
	mailbox  string
	dialer   Dialer
	cursors  CursorStore
	handler  MessageHandler
	backoff  *backoff.Controller
	metrics  *metrics.Metrics
	opts     Options
	logger   *logrus.Entry

	mu     sync.RWMutex
	status Status
}

func NewSession(provider *model.Provider, settings *model.IMAPSettings, dialer Dialer, cursors CursorStore,
	handler MessageHandler, m *metrics.Metrics, opts Options, logger *logrus.Entry) *Session {
	sessionID := uuid.NewString()
	mailbox := settings.MailboxName()
	return &Session{
		provider: provider,
		settings: settings,
		mailbox:  mailbox,
		dialer:   dialer,
		cursors:  cursors,
		handler:  handler,
		backoff:  backoff.New(opts.Backoff),
		metrics:  m,
		opts:     opts,
		logger: logger.WithFields(logrus.Fields{
			"provider_id": provider.ID,
			"session_id":  sessionID,
			"mailbox":     mailbox,
		}),
		status: Status{
			ProviderID: provider.ID,
			SessionID:  sessionID,
			Mailbox:    mailbox,
			State:      StateDisconnected,
		},
	}
}

// IsFatal reports whether err means the session must not be retried
func IsFatal(err error) bool {
	return errors.Is(err, model.ErrProviderConfig) || errors.Is(err, credentials.ErrUnresolved)
}

// Run connects, processes and reconnects until ctx is cancelled or a
// fatal configuration error occurs. Cancellation returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("Mailbox session started")
	defer s.logger.Info("Mailbox session stopped")

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}

		err := s.cycle(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return nil
		}
		if err == nil {
			continue
		}

		s.recordError(err)
		if IsFatal(err) {
			s.logger.WithError(err).Error("Fatal provider configuration error, session will not retry")
			s.setState(StateStopped)
			return err
		}

		s.metrics.Inc(metrics.CounterReconnects, s.provider.ID, s.mailbox)
		s.mu.Lock()
		s.status.Reconnects++
		s.mu.Unlock()
		s.setState(StateBackoff)
		s.logger.WithError(err).WithField("attempt", s.backoff.Attempt()+1).
			Warn("Mailbox session error, reconnecting after backoff")

		if err := s.backoff.Wait(ctx); err != nil {
			s.setState(StateStopped)
			return nil
		}
	}
}

// cycle runs one connection from dial to failure or cancellation
func (s *Session) cycle(ctx context.Context) error {
	s.setState(StateConnecting)
	c, err := s.dialer.Dial(ctx, s.provider, s.settings)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close IMAP connection cleanly")
		}
		s.setConnected(false)
	}()
	s.setConnected(true)

	info, err := c.Select(s.mailbox)
	if err != nil {
		return err
	}
	s.setState(StateMailboxOpen)

	cursor, err := s.resumeCursor(ctx, c, info)
	if err != nil {
		return err
	}

	idle, err := c.SupportsIdle()
	if err != nil {
		return fmt.Errorf("failed to read capabilities: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"cursor": cursor, "idle": idle}).Info("Mailbox opened")

	first := true
	for {
		if err := s.processNew(ctx, c, &cursor); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if first {
			s.backoff.Reset()
			first = false
		}

		s.setState(StateIdling)
		if idle {
			if _, err := c.Idle(ctx, s.opts.IdleKeepalive); err != nil {
				return err
			}
		} else if err := sleep(ctx, s.opts.PollInterval); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// resumeCursor returns the stored cursor, or establishes UIDNEXT-1 as the
// baseline when none is stored for this mailbox or its UIDVALIDITY changed.
func (s *Session) resumeCursor(ctx context.Context, c Client, info *MailboxInfo) (uint32, error) {
	stored, ok, err := s.cursors.GetCursor(ctx, s.provider.ID)
	if err != nil {
		return 0, err
	}
	if ok && stored.Mailbox == s.mailbox {
		switch {
		case info.UIDValidity == 0 || stored.UIDValidity == info.UIDValidity:
			s.setCursor(stored.UID)
			return stored.UID, nil
		case stored.UIDValidity == 0:
			if err := s.cursors.ResetCursor(ctx, s.provider.ID, s.mailbox, info.UIDValidity, stored.UID); err != nil {
				return 0, err
			}
			s.setCursor(stored.UID)
			return stored.UID, nil
		default:
			// Old UIDs mean nothing under a new UIDVALIDITY.
			s.logger.WithFields(logrus.Fields{
				"stored_uid_validity": stored.UIDValidity,
				"uid_validity":        info.UIDValidity,
				"cursor":              stored.UID,
			}).Warn("Mailbox UIDVALIDITY changed, discarding cursor")
		}
	}

	var baseline uint32
	if info.UIDNext > 0 {
		baseline = info.UIDNext - 1
	} else {
		uids, err := c.SearchUIDs(1)
		if err != nil {
			return 0, err
		}
		for _, uid := range uids {
			if uid > baseline {
				baseline = uid
			}
		}
	}

	if err := s.cursors.ResetCursor(ctx, s.provider.ID, s.mailbox, info.UIDValidity, baseline); err != nil {
		return 0, err
	}
	s.setCursor(baseline)
	s.logger.WithField("cursor", baseline).Info("Initialized cursor baseline")
	return baseline, nil
}

// processNew handles every message with a UID above the cursor, in order.
// Cancellation is only observed between messages.
func (s *Session) processNew(ctx context.Context, c Client, cursor *uint32) error {
	s.setState(StateProcessing)

	found, err := c.SearchUIDs(*cursor + 1)
	if err != nil {
		return err
	}
	// "n:*" always matches the highest UID, even when it is below n.
	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		if uid > *cursor {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	msgCtx := context.WithoutCancel(ctx)
	for _, uid := range uids {
		if ctx.Err() != nil {
			return nil
		}

		logger := s.logger.WithField("uid", uid)
		msg, err := c.Fetch(s.mailbox, uid)
		var msgErr *MessageError
		switch {
		case errors.As(err, &msgErr):
			logger.WithError(err).Warn("Skipping unreadable message")
		case err != nil:
			return err
		case msg == nil:
			logger.Debug("Message disappeared before fetch")
		default:
			s.handle(msgCtx, *msg, logger)
		}

		if _, err := s.cursors.SetCursor(msgCtx, s.provider.ID, s.mailbox, uid); err != nil {
			return err
		}
		*cursor = uid
		s.setCursor(uid)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.status.LastChecked = &now
	s.mu.Unlock()
	return nil
}

// handle processes one message; failures and panics are contained to it
func (s *Session) handle(ctx context.Context, msg model.RawMessage, logger *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Message processing panicked")
		}
	}()

	if _, err := s.handler.Process(ctx, s.provider, msg, logger); err != nil {
		logger.WithError(err).Error("Failed to process message")
	}
	s.mu.Lock()
	s.status.Processed++
	s.mu.Unlock()
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := s.status
	if s.status.Cursor != nil {
		cursor := *s.status.Cursor
		status.Cursor = &cursor
	}
	if s.status.LastChecked != nil {
		checked := *s.status.LastChecked
		status.LastChecked = &checked
	}
	return status
}

// MarkCrashed records a recovered panic of the session goroutine
func (s *Session) MarkCrashed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateCrashed
	s.status.Connected = false
	s.status.LastError = reason
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

func (s *Session) setConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Connected = connected
	if !connected && s.status.State != StateStopped {
		s.status.State = StateDisconnected
	}
}

func (s *Session) setCursor(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cursor = &uid
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastError = err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
