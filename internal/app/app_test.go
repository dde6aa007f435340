package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-ingest-worker/internal/config"
	"calendar-ingest-worker/internal/extractor"
	"calendar-ingest-worker/internal/mailbox"
	"calendar-ingest-worker/internal/metrics"
	"calendar-ingest-worker/internal/model"
	"calendar-ingest-worker/internal/repository"
	dbtest "calendar-ingest-worker/internal/testutil"
)

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, provider *model.Provider, settings *model.IMAPSettings) (mailbox.Client, error) {
	return nil, errors.New("dial refused")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Server.Enabled = false
	cfg.Extractor.Fake = true
	cfg.Alerts.Window = 0
	cfg.Worker.BackoffMin = 5 * time.Millisecond
	cfg.Worker.BackoffMax = 20 * time.Millisecond
	return cfg
}

func TestAppStartsActiveProvidersAndShutsDown(t *testing.T) {
	conn := dbtest.NewTestDB(t)
	repo := repository.New(conn)
	ctx := context.Background()

	providers := []model.Provider{
		{ID: "good", Status: model.ProviderActive, Config: []byte(`{"imap":{"host":"imap.example.com","auth":{"username":"u","password":"p"}}}`)},
		{ID: "broken", Status: model.ProviderActive, Config: []byte(`{"imap":{"auth":{"username":"u","password":"p"}}}`)},
		{ID: "later", Status: model.ProviderDraft, Config: []byte(`{"imap":{"host":"imap.example.com","auth":{"username":"u","password":"p"}}}`)},
	}
	for i := range providers {
		require.NoError(t, repo.UpsertProvider(ctx, &providers[i]))
	}

	a, err := New(testConfig(t), WithDB(conn), WithDialer(refusingDialer{}))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Supervisor().IsRunning())

	require.Eventually(t, func() bool {
		for _, st := range a.Supervisor().Status() {
			if st.ProviderID == "good" && st.Reconnects >= 1 {
				return strings.Contains(st.LastError, "dial refused")
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	states := map[string]mailbox.State{}
	for _, st := range a.Supervisor().Status() {
		states[st.ProviderID] = st.State
	}
	assert.Equal(t, mailbox.State("config_error"), states["broken"])
	assert.NotContains(t, states, "later")

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(shutdownCtx))
	assert.False(t, a.Supervisor().IsRunning())
}

func TestBuildExtractorCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	logger, _ := logtest.NewNullLogger()
	m := metrics.NewMetrics(nil)
	ext, err := buildExtractor(config.ExtractorConfig{URL: srv.URL, Timeout: time.Second}, m, logrus.NewEntry(logger))
	require.NoError(t, err)

	_, err = ext.Extract(context.Background(), extractor.Input{ProviderID: "p1", Mailbox: "INBOX", Text: "hello"})
	assert.ErrorIs(t, err, extractor.ErrNotEvent)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractionFailures.WithLabelValues("p1", "INBOX")))

	_, err = buildExtractor(config.ExtractorConfig{}, m, logrus.NewEntry(logger))
	assert.Error(t, err)

	fake, err := buildExtractor(config.ExtractorConfig{Fake: true, Timeout: time.Second}, m, logrus.NewEntry(logger))
	require.NoError(t, err)
	assert.IsType(t, &extractor.Safe{}, fake)
}

func TestAlertThresholds(t *testing.T) {
	out := alertThresholds(config.AlertsConfig{Thresholds: map[string]config.Threshold{
		"spam_detected": {Warn: 2, Error: 5},
	}})
	assert.Equal(t, map[string]metrics.Threshold{"spam_detected": {Warn: 2, Error: 5}}, out)
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)

	ConfigureLogging(config.LogConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	ConfigureLogging(config.LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}
