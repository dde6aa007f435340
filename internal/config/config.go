package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the worker
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// WorkerConfig holds supervisor and mailbox session settings
type WorkerConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	IdleKeepalive  time.Duration `mapstructure:"idle_keepalive"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	BackoffJitter  float64       `mapstructure:"backoff_jitter"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// ExtractorConfig selects and configures the extraction capability
type ExtractorConfig struct {
	Fake    bool          `mapstructure:"fake"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PipelineConfig holds spam, duplicate and confidence settings
type PipelineConfig struct {
	SpamKeywords      []string         `mapstructure:"spam_keywords"`
	SuspiciousPattern string           `mapstructure:"suspicious_pattern"`
	BlockedHosts      []string         `mapstructure:"blocked_hosts"`
	DuplicateWindow   time.Duration    `mapstructure:"duplicate_window"`
	Confidence        ConfidenceConfig `mapstructure:"confidence"`
}

// ConfidenceConfig holds the confidence scorer weights
type ConfidenceConfig struct {
	Base             float64 `mapstructure:"base"`
	TitleBonus       float64 `mapstructure:"title_bonus"`
	DescriptionBonus float64 `mapstructure:"description_bonus"`
	LocationBonus    float64 `mapstructure:"location_bonus"`
	URLBonus         float64 `mapstructure:"url_bonus"`
	EndBonus         float64 `mapstructure:"end_bonus"`
	PublishBonus     float64 `mapstructure:"publish_bonus"`
	OrganizerBonus   float64 `mapstructure:"organizer_bonus"`
	EmailSourceBonus float64 `mapstructure:"email_source_bonus"`
	TrustedBonus     float64 `mapstructure:"trusted_bonus"`
	FetchedAtBonus   float64 `mapstructure:"fetched_at_bonus"`
	SpamPenalty      float64 `mapstructure:"spam_penalty"`
	DuplicatePenalty float64 `mapstructure:"duplicate_penalty"`
	HighThreshold    float64 `mapstructure:"high_threshold"`
	MediumThreshold  float64 `mapstructure:"medium_threshold"`
}

// Threshold is the per-window count at which a counter escalates
type Threshold struct {
	Warn  int `mapstructure:"warn"`
	Error int `mapstructure:"error"`
}

// AlertsConfig holds counter alert thresholds
type AlertsConfig struct {
	Window     time.Duration        `mapstructure:"window"`
	Thresholds map[string]Threshold `mapstructure:"thresholds"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("worker.max_concurrency", 10)
	v.SetDefault("worker.poll_interval", "60s")
	v.SetDefault("worker.idle_keepalive", "25m")
	v.SetDefault("worker.backoff_min", "1s")
	v.SetDefault("worker.backoff_max", "5m")
	v.SetDefault("worker.backoff_factor", 2.0)
	v.SetDefault("worker.backoff_jitter", 0.25)
	v.SetDefault("worker.dial_timeout", "30s")

	v.SetDefault("extractor.fake", false)
	v.SetDefault("extractor.timeout", "30s")

	v.SetDefault("pipeline.spam_keywords", []string{"casino", "viagra", "lottery", "bitcoin giveaway", "xxx"})
	v.SetDefault("pipeline.suspicious_pattern",
		`(?i)(click here|limited time|act now|100% free|winner|wire transfer|crypto giveaway)`)
	v.SetDefault("pipeline.blocked_hosts", []string{"bit.ly", "tinyurl.com"})
	v.SetDefault("pipeline.duplicate_window", "168h")

	v.SetDefault("pipeline.confidence.base", 0.35)
	v.SetDefault("pipeline.confidence.title_bonus", 0.10)
	v.SetDefault("pipeline.confidence.description_bonus", 0.10)
	v.SetDefault("pipeline.confidence.location_bonus", 0.05)
	v.SetDefault("pipeline.confidence.url_bonus", 0.05)
	v.SetDefault("pipeline.confidence.end_bonus", 0.05)
	v.SetDefault("pipeline.confidence.publish_bonus", 0.05)
	v.SetDefault("pipeline.confidence.organizer_bonus", 0.05)
	v.SetDefault("pipeline.confidence.email_source_bonus", 0.05)
	v.SetDefault("pipeline.confidence.trusted_bonus", 0.10)
	v.SetDefault("pipeline.confidence.fetched_at_bonus", 0.05)
	v.SetDefault("pipeline.confidence.spam_penalty", 0.4)
	v.SetDefault("pipeline.confidence.duplicate_penalty", 0.3)
	v.SetDefault("pipeline.confidence.high_threshold", 0.8)
	v.SetDefault("pipeline.confidence.medium_threshold", 0.6)

	v.SetDefault("alerts.window", "5m")
	v.SetDefault("alerts.thresholds", map[string]interface{}{
		"extraction_failures": map[string]interface{}{"warn": 5, "error": 20},
		"spam_detected":       map[string]interface{}{"warn": 20, "error": 100},
		"duplicate_detected":  map[string]interface{}{"warn": 50, "error": 200},
		"reconnects":          map[string]interface{}{"warn": 5, "error": 30},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.enabled", "SERVER_ENABLED")
	v.BindEnv("server.port", "SERVER_PORT")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.dsn", "DB_DSN")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")

	// Worker
	v.BindEnv("worker.max_concurrency", "WORKER_MAX_CONCURRENCY")
	v.BindEnv("worker.poll_interval", "WORKER_POLL_INTERVAL")
	v.BindEnv("worker.idle_keepalive", "WORKER_IDLE_KEEPALIVE")
	v.BindEnv("worker.backoff_min", "WORKER_BACKOFF_MIN")
	v.BindEnv("worker.backoff_max", "WORKER_BACKOFF_MAX")
	v.BindEnv("worker.backoff_factor", "WORKER_BACKOFF_FACTOR")
	v.BindEnv("worker.backoff_jitter", "WORKER_BACKOFF_JITTER")
	v.BindEnv("worker.dial_timeout", "WORKER_DIAL_TIMEOUT")

	// Extractor
	v.BindEnv("extractor.fake", "EXTRACTOR_FAKE")
	v.BindEnv("extractor.url", "EXTRACTOR_URL")
	v.BindEnv("extractor.api_key", "EXTRACTOR_API_KEY")
	v.BindEnv("extractor.timeout", "EXTRACTOR_TIMEOUT")

	// Pipeline
	v.BindEnv("pipeline.spam_keywords", "PIPELINE_SPAM_KEYWORDS")
	v.BindEnv("pipeline.suspicious_pattern", "PIPELINE_SUSPICIOUS_PATTERN")
	v.BindEnv("pipeline.blocked_hosts", "PIPELINE_BLOCKED_HOSTS")
	v.BindEnv("pipeline.duplicate_window", "PIPELINE_DUPLICATE_WINDOW")

	// Alerts
	v.BindEnv("alerts.window", "ALERTS_WINDOW")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.format", "LOG_FORMAT")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch strings.ToLower(c.Driver) {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		if c.DBName == "" {
			return "calendar-worker.db"
		}
		return c.DBName
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Enabled && c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "postgres":
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "") {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	w := c.Worker
	if w.MaxConcurrency <= 0 {
		return fmt.Errorf("worker max concurrency must be greater than 0")
	}
	if w.PollInterval <= 0 || w.IdleKeepalive <= 0 {
		return fmt.Errorf("worker poll interval and idle keepalive must be greater than 0")
	}
	if w.BackoffMin <= 0 || w.BackoffMax < w.BackoffMin {
		return fmt.Errorf("worker backoff requires 0 < min <= max")
	}
	if w.BackoffFactor < 1 {
		return fmt.Errorf("worker backoff factor must be at least 1")
	}
	if w.BackoffJitter < 0 || w.BackoffJitter > 1 {
		return fmt.Errorf("worker backoff jitter must be within [0,1]")
	}

	if !c.Extractor.Fake && c.Extractor.URL == "" {
		return fmt.Errorf("extractor url is required unless the fake extractor is enabled")
	}

	if c.Pipeline.DuplicateWindow <= 0 {
		return fmt.Errorf("pipeline duplicate window must be greater than 0")
	}

	return nil
}
