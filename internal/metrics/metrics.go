package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter names shared by Prometheus metrics and alert thresholds
const (
	CounterSpamDetected       = "spam_detected"
	CounterDuplicateDetected  = "duplicate_detected"
	CounterExtractionFailures = "extraction_failures"
	CounterReconnects         = "reconnects"
)

// Metrics holds all Prometheus metrics of the worker
type Metrics struct {
	MessagesProcessed    *prometheus.CounterVec
	EventsInserted       *prometheus.CounterVec
	EventsExisting       *prometheus.CounterVec
	AutoApproved         *prometheus.CounterVec
	SpamDetected         *prometheus.CounterVec
	DuplicateDetected    *prometheus.CounterVec
	ExtractionFailures   *prometheus.CounterVec
	Reconnects           *prometheus.CounterVec
	SessionCrashes       *prometheus.CounterVec
	ProcessingTime       *prometheus.HistogramVec
	ActiveSessions       prometheus.Gauge
	ProvidersNotStarted  prometheus.Counter
	ProviderConfigErrors prometheus.Counter

	mu     sync.Mutex
	window map[tallyKey]int
}

type tallyKey struct {
	counter  string
	provider string
	mailbox  string
}

// NewMetrics creates the worker metrics on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	labels := []string{"provider", "mailbox"}

	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_messages_processed_total",
			Help: "Total number of fetched messages by outcome",
		}, []string{"provider", "mailbox", "outcome"}),
		EventsInserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_events_inserted_total",
			Help: "Total number of events inserted",
		}, labels),
		EventsExisting: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_events_existing_total",
			Help: "Total number of inserts that hit an existing (provider, external id)",
		}, labels),
		AutoApproved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_auto_approved_total",
			Help: "Total number of events approved without review",
		}, labels),
		SpamDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_spam_detected_total",
			Help: "Total number of candidates flagged as spam",
		}, labels),
		DuplicateDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_duplicate_detected_total",
			Help: "Total number of candidates skipped as duplicates",
		}, labels),
		ExtractionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_extraction_failures_total",
			Help: "Total number of extractor errors and timeouts",
		}, labels),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_reconnects_total",
			Help: "Total number of session reconnect attempts after an error",
		}, labels),
		SessionCrashes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "calendar_worker_session_crashes_total",
			Help: "Total number of sessions that panicked",
		}, []string{"provider"}),
		ProcessingTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calendar_worker_message_processing_duration_seconds",
			Help:    "Time spent processing one message",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "calendar_worker_active_sessions",
			Help: "Number of currently running mailbox sessions",
		}),
		ProvidersNotStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "calendar_worker_providers_not_started_total",
			Help: "Active providers left unstarted because of the concurrency limit",
		}),
		ProviderConfigErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "calendar_worker_provider_config_errors_total",
			Help: "Active providers skipped because of invalid configuration",
		}),
		window: make(map[tallyKey]int),
	}
}

// Inc increments an alertable counter for a provider/mailbox
func (m *Metrics) Inc(counter, provider, mailbox string) {
	var vec *prometheus.CounterVec
	switch counter {
	case CounterSpamDetected:
		vec = m.SpamDetected
	case CounterDuplicateDetected:
		vec = m.DuplicateDetected
	case CounterExtractionFailures:
		vec = m.ExtractionFailures
	case CounterReconnects:
		vec = m.Reconnects
	default:
		return
	}
	vec.WithLabelValues(provider, mailbox).Inc()

	m.mu.Lock()
	m.window[tallyKey{counter: counter, provider: provider, mailbox: mailbox}]++
	m.mu.Unlock()
}

// drainWindow returns the alertable counts since the previous drain and resets them
func (m *Metrics) drainWindow() map[tallyKey]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := m.window
	m.window = make(map[tallyKey]int)
	return counts
}
