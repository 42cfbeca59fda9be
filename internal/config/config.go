package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Backend    BackendConfig    `yaml:"backend" mapstructure:"backend"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Review     ReviewConfig     `yaml:"review" mapstructure:"review"`
	State      StateConfig      `yaml:"state" mapstructure:"state"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// BackendConfig points the workbench at the lab backend API.
type BackendConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Timeout returns the per-request HTTP timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// JobsConfig bounds candidate-generation polling.
type JobsConfig struct {
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// PollInterval returns the spacing between status checks.
func (c JobsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// ReviewConfig configures the review queue.
type ReviewConfig struct {
	PageSize   int    `yaml:"page_size" mapstructure:"page_size"`
	ReviewerID string `yaml:"reviewer_id" mapstructure:"reviewer_id"`
}

// StateConfig locates local state such as parameter drafts.
type StateConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// StoreConfig configures the reference backend's database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the reference backend server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	Token       string   `yaml:"token" mapstructure:"token"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SyncPreview bool     `yaml:"sync_preview" mapstructure:"sync_preview"`
}

// ScoringConfig points the reference backend at the scoring service.
type ScoringConfig struct {
	BaseURL     string           `yaml:"base_url" mapstructure:"base_url"`
	Key         string           `yaml:"key" mapstructure:"key"`
	TimeoutSecs int              `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Resilience  ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
}

// ResilienceConfig holds retry and circuit breaker settings.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// NotionConfig holds Notion credentials for the lab notebook.
type NotionConfig struct {
	Token      string  `yaml:"token" mapstructure:"token"`
	NotebookDB string  `yaml:"notebook_db" mapstructure:"notebook_db"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// MonitoringConfig configures the reference backend's health checker.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleLabelingHours   int     `yaml:"stale_labeling_hours" mapstructure:"stale_labeling_hours"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PUWB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout_secs", 30)
	v.SetDefault("backend.rate_limit", 10.0)
	v.SetDefault("jobs.poll_interval_secs", 5)
	v.SetDefault("jobs.max_attempts", 60)
	v.SetDefault("review.page_size", 100)
	v.SetDefault("review.reviewer_id", os.Getenv("USER"))
	v.SetDefault("state.dir", defaultStateDir())
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "pu-workbench.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.sync_preview", true)
	v.SetDefault("scoring.base_url", "http://localhost:9000")
	v.SetDefault("scoring.timeout_secs", 120)
	v.SetDefault("scoring.resilience.max_attempts", 3)
	v.SetDefault("scoring.resilience.initial_backoff_ms", 500)
	v.SetDefault("scoring.resilience.max_backoff_ms", 10000)
	v.SetDefault("scoring.resilience.failure_threshold", 5)
	v.SetDefault("scoring.resilience.reset_timeout_secs", 30)
	v.SetDefault("notion.rate_limit", 3.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_labeling_hours", 72)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pu-workbench")
	}
	return ".pu-workbench"
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
