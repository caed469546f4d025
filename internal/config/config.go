// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerXLSX     = "xlsx"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Sender   SenderConfig   `mapstructure:"sender"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures outbound requests, pacing and page retries.
type HTTPConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	Burst            int     `mapstructure:"burst"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// ScheduleConfig governs the poll loop.
type ScheduleConfig struct {
	IntervalSeconds      int    `mapstructure:"interval_seconds"`
	DispatchPauseSeconds int    `mapstructure:"dispatch_pause_seconds"`
	Timezone             string `mapstructure:"timezone"`
}

// StorageConfig sets the attachment directory and optional GCS mirror.
type StorageConfig struct {
	AttachmentDir string `mapstructure:"attachment_dir"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
}

// LedgerConfig selects where dedupe keys live.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	Dir      string `mapstructure:"dir"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// SenderConfig locates the external messaging process.
type SenderConfig struct {
	Interpreter      string   `mapstructure:"interpreter"`
	VersionArgs      []string `mapstructure:"version_args"`
	Scripts          []string `mapstructure:"scripts"`
	Required         []string `mapstructure:"required"`
	WaitDelaySeconds int      `mapstructure:"wait_delay_seconds"`
}

// PubSubConfig names the topic that receives dispatch events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig points at an optional Pushgateway.
type MetricsConfig struct {
	PushGateway string `mapstructure:"push_gateway"`
	Job         string `mapstructure:"job"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEGISWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Linux; Android 13) AppleWebKit/537.36 (KHTML, like Gecko) Chrome Mobile Safari/537.36")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.max_body_bytes", 32<<20)
	v.SetDefault("http.rate_per_second", 1.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("schedule.interval_seconds", 1800)
	v.SetDefault("schedule.dispatch_pause_seconds", 2)
	v.SetDefault("schedule.timezone", "Local")
	v.SetDefault("storage.attachment_dir", "attachments")
	v.SetDefault("storage.prefix", "attachments")
	v.SetDefault("ledger.backend", LedgerXLSX)
	v.SetDefault("ledger.dir", ".")
	v.SetDefault("ledger.table", "ledger_keys")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("sender.interpreter", "node")
	v.SetDefault("sender.version_args", []string{"-v"})
	v.SetDefault("sender.required", []string{"package.json", "node_modules/"})
	v.SetDefault("sender.wait_delay_seconds", 5)
	v.SetDefault("metrics.job", "legiswatch")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.Schedule.IntervalSeconds <= 0 {
		return fmt.Errorf("schedule.interval_seconds must be > 0")
	}
	if c.Schedule.DispatchPauseSeconds < 0 {
		return fmt.Errorf("schedule.dispatch_pause_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Storage.AttachmentDir) == "" {
		return fmt.Errorf("storage.attachment_dir is required")
	}
	switch c.Ledger.Backend {
	case LedgerXLSX, LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.backend is postgres")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if len(c.Sender.Scripts) == 0 {
		return fmt.Errorf("sender.scripts must list at least one path")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name)
		}
		seen[src.Name] = struct{}{}
		if _, err := src.Build(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
	}
	return nil
}

// HTTPTimeout returns the per-request timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// DefaultInterval returns the sleep between cycles of sources without their own.
func (c Config) DefaultInterval() time.Duration {
	return time.Duration(c.Schedule.IntervalSeconds) * time.Second
}

// DispatchPause returns the gap between consecutive dispatches.
func (c Config) DispatchPause() time.Duration {
	return time.Duration(c.Schedule.DispatchPauseSeconds) * time.Second
}

// LedgerPath returns the workbook a source's keys are kept in.
func (c Config) LedgerPath(src SourceConfig) string {
	file := src.Ledger.File
	if file == "" {
		file = src.Name + ".xlsx"
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.Ledger.Dir, file)
}
