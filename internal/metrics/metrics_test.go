package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncUpdatesPrometheusAndWindow(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Inc(CounterSpamDetected, "p1", "INBOX")
	m.Inc(CounterSpamDetected, "p1", "INBOX")
	m.Inc(CounterExtractionFailures, "p2", "INBOX")
	m.Inc("unknown", "p1", "INBOX")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpamDetected.WithLabelValues("p1", "INBOX")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionFailures.WithLabelValues("p2", "INBOX")))

	window := m.drainWindow()
	assert.Equal(t, 2, window[tallyKey{CounterSpamDetected, "p1", "INBOX"}])
	assert.Len(t, window, 2)
	assert.Empty(t, m.drainWindow())
}

func TestAlertMonitorEscalates(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	logger, hook := logtest.NewNullLogger()

	monitor := NewAlertMonitor(m, time.Minute, map[string]Threshold{
		CounterExtractionFailures: {Warn: 2, Error: 4},
		CounterSpamDetected:       {Warn: 1},
	}, logrus.NewEntry(logger))

	for i := 0; i < 4; i++ {
		m.Inc(CounterExtractionFailures, "p1", "INBOX")
	}
	m.Inc(CounterExtractionFailures, "p2", "INBOX")
	m.Inc(CounterSpamDetected, "p3", "INBOX")
	m.Inc(CounterReconnects, "p1", "INBOX")

	alerts := monitor.Evaluate()
	require.Len(t, alerts, 2)
	assert.Equal(t, Alert{Counter: CounterExtractionFailures, Provider: "p1", Mailbox: "INBOX", Count: 4, Level: logrus.ErrorLevel}, alerts[0])
	assert.Equal(t, Alert{Counter: CounterSpamDetected, Provider: "p3", Mailbox: "INBOX", Count: 1, Level: logrus.WarnLevel}, alerts[1])

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.ErrorLevel, hook.Entries[0].Level)
	assert.Equal(t, "p1", hook.Entries[0].Data["provider_id"])

	assert.Empty(t, monitor.Evaluate(), "the window resets after evaluation")
}

func TestAlertMonitorStartStop(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	monitor := NewAlertMonitor(NewMetrics(prometheus.NewRegistry()), time.Hour, nil, logrus.NewEntry(logger))
	require.NoError(t, monitor.Start())
	monitor.Stop()
}
