package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calendar-ingest-worker/internal/model"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Enabled: true, Port: "8080"},
		Database: DatabaseConfig{
			Driver: "mysql",
			Host:   "localhost",
			User:   "test",
			DBName: "test",
		},
		Worker: WorkerConfig{
			MaxConcurrency: 4,
			PollInterval:   time.Minute,
			IdleKeepalive:  25 * time.Minute,
			BackoffMin:     time.Second,
			BackoffMax:     time.Minute,
			BackoffFactor:  2,
			BackoffJitter:  0.25,
		},
		Extractor: ExtractorConfig{Fake: true},
		Pipeline:  PipelineConfig{DuplicateWindow: 7 * 24 * time.Hour},
	}
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Server.Port = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Database.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Database = DatabaseConfig{Driver: "sqlite"}
	assert.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Worker.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Worker.BackoffMax = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Worker.BackoffJitter = 1.5
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Extractor = ExtractorConfig{}
	assert.Error(t, cfg.Validate(), "a real extractor needs an endpoint")
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Driver:   "mysql",
		Host:     "localhost",
		Port:     3306,
		User:     "testuser",
		Password: "testpass",
		DBName:   "testdb",
	}
	assert.Equal(t, "testuser:testpass@tcp(localhost:3306)/testdb?charset=utf8mb4&parseTime=True&loc=UTC", cfg.GetDSN())

	cfg.Driver = "postgres"
	cfg.Port = 5432
	cfg.SSLMode = "disable"
	assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", cfg.GetDSN())

	cfg.DSN = "postgres://override"
	assert.Equal(t, "postgres://override", cfg.GetDSN())

	assert.Equal(t, "calendar-worker.db", (&DatabaseConfig{Driver: "sqlite"}).GetDSN())
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("WORKER_MAX_CONCURRENCY", "3")
	t.Setenv("EXTRACTOR_FAKE", "true")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("PIPELINE_SPAM_KEYWORDS", "casino,lottery")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.MaxConcurrency)
	assert.True(t, cfg.Extractor.Fake)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 60*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 25*time.Minute, cfg.Worker.IdleKeepalive)
	assert.Equal(t, 2.0, cfg.Worker.BackoffFactor)
	assert.Equal(t, 0.25, cfg.Worker.BackoffJitter)
	assert.Equal(t, 7*24*time.Hour, cfg.Pipeline.DuplicateWindow)
	assert.Equal(t, []string{"casino", "lottery"}, cfg.Pipeline.SpamKeywords)
	assert.InDelta(t, 0.35, cfg.Pipeline.Confidence.Base, 1e-9)
	assert.Equal(t, 5, cfg.Alerts.Thresholds["extraction_failures"].Warn)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dbname: /tmp/worker.db
worker:
  max_concurrency: 7
  backoff_max: 90s
extractor:
  fake: true
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Worker.BackoffMax)
	assert.Equal(t, "/tmp/worker.db", cfg.Database.GetDSN())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseProviders(t *testing.T) {
	providers, err := ParseProviders([]byte(`
providers:
  - id: meetup-paris
    name: Meetup Paris
    category: meetup
    trusted: true
    status: active
    imap:
      host: imap.example.com
      port: 993
      mailbox: Events
      auth:
        username: events@example.com
        password: env:MEETUP_IMAP_PASSWORD
  - id: draft-source
`))
	require.NoError(t, err)
	require.Len(t, providers, 2)

	p := providers[0]
	assert.Equal(t, "meetup-paris", p.ID)
	assert.True(t, p.Trusted)
	assert.Equal(t, model.ProviderActive, p.Status)

	settings, err := p.IMAPSettings()
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com:993", settings.Addr())
	assert.Equal(t, "Events", settings.MailboxName())
	assert.True(t, settings.UseTLS())
	assert.Equal(t, "env:MEETUP_IMAP_PASSWORD", settings.Auth.Password)

	assert.Equal(t, model.ProviderDraft, providers[1].Status)
	_, err = providers[1].IMAPSettings()
	assert.ErrorIs(t, err, model.ErrProviderConfig)
}

func TestParseProvidersRejectsBadInput(t *testing.T) {
	_, err := ParseProviders([]byte("providers:\n  - name: no id\n"))
	assert.Error(t, err)

	_, err = ParseProviders([]byte("providers:\n  - id: a\n  - id: a\n"))
	assert.Error(t, err)

	_, err = ParseProviders([]byte("providers:\n  - id: a\n    status: retired\n"))
	assert.Error(t, err)
}
