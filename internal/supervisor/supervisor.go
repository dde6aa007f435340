package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"calendar-ingest-worker/internal/mailbox"
	"calendar-ingest-worker/internal/metrics"
	"calendar-ingest-worker/internal/model"
)

// States reported for providers that never got a session
const (
	StateNotStarted  mailbox.State = "not_started"
	StateConfigError mailbox.State = "config_error"
)

// Runner is a long-lived provider session
type Runner interface {
	Run(ctx context.Context) error
	Status() mailbox.Status
	MarkCrashed(reason string)
}

// SessionFactory creates the session of one provider
type SessionFactory func(provider *model.Provider, settings *model.IMAPSettings) Runner

type managedSession struct {
	runner Runner
	cancel context.CancelFunc
}

// Supervisor runs one session per active provider with bounded concurrency
type Supervisor struct {
	factory SessionFactory
	metrics *metrics.Metrics
	logger  *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
	sessions  map[string]*managedSession
	idle      map[string]mailbox.Status
}

// New creates a new supervisor
func New(factory SessionFactory, m *metrics.Metrics, logger *logrus.Entry) *Supervisor {
	return &Supervisor{
		factory:  factory,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]*managedSession),
		idle:     make(map[string]mailbox.Status),
	}
}

// Run starts the sessions and blocks until ctx is cancelled and every
// session has returned.
func (s *Supervisor) Run(ctx context.Context, providers []model.Provider, maxConcurrency int) error {
	if err := s.Start(ctx, providers, maxConcurrency); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Start launches sessions for active providers, at most maxConcurrency
func (s *Supervisor) Start(ctx context.Context, providers []model.Provider, maxConcurrency int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("supervisor is already running")
	}
	if maxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be greater than 0")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning = true
	s.sessions = make(map[string]*managedSession)
	s.idle = make(map[string]mailbox.Status)

	sorted := make([]model.Provider, len(providers))
	copy(sorted, providers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	sem := make(chan struct{}, maxConcurrency)
	var excess []string

	for i := range sorted {
		provider := &sorted[i]
		if provider.Status != model.ProviderActive {
			continue
		}

		settings, err := provider.IMAPSettings()
		if err != nil {
			s.logger.WithError(err).WithField("provider_id", provider.ID).
				Error("Provider has invalid configuration, not starting session")
			s.metrics.ProviderConfigErrors.Inc()
			s.idle[provider.ID] = mailbox.Status{ProviderID: provider.ID, State: StateConfigError, LastError: err.Error()}
			continue
		}

		select {
		case sem <- struct{}{}:
		default:
			excess = append(excess, provider.ID)
			s.metrics.ProvidersNotStarted.Inc()
			s.idle[provider.ID] = mailbox.Status{
				ProviderID: provider.ID,
				Mailbox:    settings.MailboxName(),
				State:      StateNotStarted,
				LastError:  "concurrency limit reached",
			}
			continue
		}

		s.startSession(provider, settings, sem)
	}

	if len(excess) > 0 {
		s.logger.WithFields(logrus.Fields{
			"limit":     maxConcurrency,
			"providers": excess,
		}).Warn("Concurrency limit reached, providers not started")
	}

	s.logger.WithFields(logrus.Fields{
		"sessions":    len(s.sessions),
		"not_started": len(excess),
	}).Info("Supervisor started")
	return nil
}

func (s *Supervisor) startSession(provider *model.Provider, settings *model.IMAPSettings, sem chan struct{}) {
	ctx, cancel := context.WithCancel(s.ctx)
	runner := s.factory(provider, settings)
	s.sessions[provider.ID] = &managedSession{runner: runner, cancel: cancel}

	s.wg.Add(1)
	s.metrics.ActiveSessions.Inc()
	go func() {
		defer s.wg.Done()
		defer func() { <-sem }()
		defer s.metrics.ActiveSessions.Dec()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithFields(logrus.Fields{
					"provider_id": provider.ID,
					"panic":       r,
					"stack":       string(debug.Stack()),
				}).Error("Session crashed")
				runner.MarkCrashed(fmt.Sprint(r))
				s.metrics.SessionCrashes.WithLabelValues(provider.ID).Inc()
			}
		}()

		if err := runner.Run(ctx); err != nil {
			if mailbox.IsFatal(err) {
				s.metrics.ProviderConfigErrors.Inc()
			}
			s.logger.WithError(err).WithField("provider_id", provider.ID).Error("Session ended with error")
		}
	}()
}

// Stop cancels every session and waits for them to return
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	s.logger.Info("Supervisor stopped gracefully")
}

// StopSession cancels a single provider session
func (s *Supervisor) StopSession(providerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	managed, ok := s.sessions[providerID]
	if !ok {
		return false
	}
	managed.cancel()
	return true
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Wait waits for all sessions to return
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Status returns per-provider snapshots ordered by provider id
func (s *Supervisor) Status() []mailbox.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]mailbox.Status, 0, len(s.sessions)+len(s.idle))
	for _, managed := range s.sessions {
		out = append(out, managed.runner.Status())
	}
	for _, status := range s.idle {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}
