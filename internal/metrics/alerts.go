package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Threshold is the per-window count at which a counter escalates.
// A zero level is disabled.
type Threshold struct {
	Warn  int
	Error int
}

// Alert is one threshold breach found by Evaluate
type Alert struct {
	Counter  string
	Provider string
	Mailbox  string
	Count    int
	Level    logrus.Level
}

// AlertMonitor periodically escalates counter breaches to warn/error logs
type AlertMonitor struct {
	cron       *cron.Cron
	metrics    *Metrics
	window     time.Duration
	thresholds map[string]Threshold
	logger     *logrus.Entry
}

// NewAlertMonitor creates a monitor evaluating every window
func NewAlertMonitor(m *Metrics, window time.Duration, thresholds map[string]Threshold, logger *logrus.Entry) *AlertMonitor {
	return &AlertMonitor{
		cron:       cron.New(),
		metrics:    m,
		window:     window,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Start schedules the evaluation job
func (a *AlertMonitor) Start() error {
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", a.window), func() { a.Evaluate() }); err != nil {
		return fmt.Errorf("failed to add alert job: %w", err)
	}
	a.cron.Start()
	a.logger.WithField("window", a.window.String()).Info("Alert monitor started")
	return nil
}

// Stop stops the scheduler and waits for a running evaluation
func (a *AlertMonitor) Stop() {
	<-a.cron.Stop().Done()
}

// Evaluate drains the current window and logs every breach
func (a *AlertMonitor) Evaluate() []Alert {
	var alerts []Alert
	for key, count := range a.metrics.drainWindow() {
		threshold, ok := a.thresholds[key.counter]
		if !ok {
			continue
		}

		var level logrus.Level
		switch {
		case threshold.Error > 0 && count >= threshold.Error:
			level = logrus.ErrorLevel
		case threshold.Warn > 0 && count >= threshold.Warn:
			level = logrus.WarnLevel
		default:
			continue
		}

		alerts = append(alerts, Alert{
			Counter:  key.counter,
			Provider: key.provider,
			Mailbox:  key.mailbox,
			Count:    count,
			Level:    level,
		})
	}

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Counter != alerts[j].Counter {
			return alerts[i].Counter < alerts[j].Counter
		}
		return alerts[i].Provider < alerts[j].Provider
	})

	for _, alert := range alerts {
		a.logger.WithFields(logrus.Fields{
			"counter":     alert.Counter,
			"provider_id": alert.Provider,
			"mailbox":     alert.Mailbox,
			"count":       alert.Count,
			"window":      a.window.String(),
		}).Log(alert.Level, "Alert threshold breached")
	}
	return alerts
}
