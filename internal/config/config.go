// Package config loads the detector configuration from a YAML file with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // embedded zoneinfo

	"gopkg.in/yaml.v3"
)

type Config struct {
	Timezone  string          `yaml:"timezone"`
	Source    SourceConfig    `yaml:"source"`
	Detection DetectionConfig `yaml:"detection"`
	Variants  []VariantConfig `yaml:"variants"`
	State     StateConfig     `yaml:"state"`
	Sink      SinkConfig      `yaml:"sink"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type SourceConfig struct {
	Mode         string        `yaml:"mode"` // "http" | "archive"
	BaseURL      string        `yaml:"base_url"`
	AccountID    string        `yaml:"account_id"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	PageSize     int           `yaml:"page_size"`
	MaxRecords   int           `yaml:"max_records"`
	DetailChunk  int           `yaml:"detail_chunk"`
	PricingEvent string        `yaml:"pricing_event"`
	AcceptedKey  string        `yaml:"accepted_key"`
	Retry        RetryConfig   `yaml:"retry"`

	ArchiveURL    string `yaml:"archive_url"`
	ArchivePrefix string `yaml:"archive_prefix"`
	ArchiveDate   string `yaml:"archive_date"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type DetectionConfig struct {
	MaxCallDuration   time.Duration `yaml:"max_call_duration"`
	RestrictedNumbers []string      `yaml:"restricted_numbers"`
}

type VariantConfig struct {
	Name        string `yaml:"name"`
	SameBid     bool   `yaml:"same_bid"`
	Description string `yaml:"description"`
}

type StateConfig struct {
	Backend        string        `yaml:"backend"` // "local" | "blob" | "gcs" | "s3" | "redis"
	LocalDir       string        `yaml:"local_dir"`
	BucketURL      string        `yaml:"bucket_url"`
	GCSBucket      string        `yaml:"gcs_bucket"`
	S3Bucket       string        `yaml:"s3_bucket"`
	S3Endpoint     string        `yaml:"s3_endpoint"`
	S3Region       string        `yaml:"s3_region"`
	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisDB        int           `yaml:"redis_db"`
	RedisTTL       time.Duration `yaml:"redis_ttl"`
	Prefix         string        `yaml:"prefix"`
	LockStaleAfter time.Duration `yaml:"lock_stale_after"`
}

type SinkConfig struct {
	Kind    string        `yaml:"kind"` // "slack" | "webhook" | "file" | "log"
	URL     string        `yaml:"url"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type MetricsConfig struct {
	Namespace    string `yaml:"namespace"`
	TextfilePath string `yaml:"textfile_path"`
	PushURL      string `yaml:"push_url"`
	PushJob      string `yaml:"push_job"`
}

type LogConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

// Default returns the configuration used when a key is not set.
func Default() Config {
	return Config{
		Timezone: "America/New_York",
		Source: SourceConfig{
			Mode:         "http",
			Timeout:      30 * time.Second,
			PageSize:     150,
			MaxRecords:   10000,
			DetailChunk:  50,
			PricingEvent: "PricingSummary",
			AcceptedKey:  "acceptedTargets",
			Retry: RetryConfig{
				MaxAttempts:     4,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     8 * time.Second,
			},
		},
		Detection: DetectionConfig{
			MaxCallDuration: 20 * time.Second,
		},
		State: StateConfig{
			Backend:        "local",
			LocalDir:       "./state",
			LockStaleAfter: 30 * time.Minute,
		},
		Sink: SinkConfig{
			Kind:    "log",
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Debug("loaded config file", "component", "config", "path", path)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Timezone = getenvDefault("CALLDROP_TIMEZONE", cfg.Timezone)

	cfg.Source.Mode = getenvDefault("CALLDROP_SOURCE_MODE", cfg.Source.Mode)
	cfg.Source.BaseURL = getenvDefault("CALLDROP_API_BASE_URL", cfg.Source.BaseURL)
	cfg.Source.AccountID = getenvDefault("CALLDROP_ACCOUNT_ID", cfg.Source.AccountID)
	cfg.Source.Token = getenvDefault("CALLDROP_API_TOKEN", cfg.Source.Token)
	cfg.Source.ArchiveURL = getenvDefault("CALLDROP_ARCHIVE_URL", cfg.Source.ArchiveURL)
	cfg.Source.ArchiveDate = getenvDefault("CALLDROP_ARCHIVE_DATE", cfg.Source.ArchiveDate)

	cfg.State.Backend = getenvDefault("CALLDROP_STATE_BACKEND", cfg.State.Backend)
	cfg.State.LocalDir = getenvDefault("CALLDROP_STATE_DIR", cfg.State.LocalDir)
	cfg.State.BucketURL = getenvDefault("CALLDROP_STATE_BUCKET_URL", cfg.State.BucketURL)
	cfg.State.RedisAddr = getenvDefault("CALLDROP_REDIS_ADDR", cfg.State.RedisAddr)
	cfg.State.RedisPassword = getenvDefault("CALLDROP_REDIS_PASSWORD", cfg.State.RedisPassword)
	if v := os.Getenv("CALLDROP_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.State.RedisDB = parsed
		}
	}

	cfg.Sink.Kind = getenvDefault("CALLDROP_SINK_KIND", cfg.Sink.Kind)
	cfg.Sink.URL = getenvDefault("CALLDROP_ALERT_URL", cfg.Sink.URL)

	cfg.Audit.PostgresDSN = getenvDefault("CALLDROP_POSTGRES_DSN", cfg.Audit.PostgresDSN)

	cfg.Metrics.TextfilePath = getenvDefault("CALLDROP_METRICS_TEXTFILE", cfg.Metrics.TextfilePath)
	cfg.Metrics.PushURL = getenvDefault("CALLDROP_PUSHGATEWAY_URL", cfg.Metrics.PushURL)

	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
}

// Location loads the configured time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate returns the first configuration error found.
func (c Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Source.Mode {
	case "http":
		if c.Source.BaseURL == "" {
			return errors.New("source.base_url required for http source")
		}
		if c.Source.AccountID == "" {
			return errors.New("source.account_id required for http source")
		}
		if c.Source.Token == "" {
			return errors.New("source.token required for http source")
		}
	case "archive":
		if c.Source.ArchiveURL == "" {
			return errors.New("source.archive_url required for archive source")
		}
		if c.Source.ArchiveDate != "" {
			if _, err := time.Parse("2006-01-02", c.Source.ArchiveDate); err != nil {
				return fmt.Errorf("source.archive_date: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown source mode: %q", c.Source.Mode)
	}
	if c.Source.PageSize < 1 || c.Source.PageSize > 150 {
		return fmt.Errorf("source.page_size must be 1-150, got %d", c.Source.PageSize)
	}
	if c.Source.DetailChunk < 1 || c.Source.DetailChunk > 50 {
		return fmt.Errorf("source.detail_chunk must be 1-50, got %d", c.Source.DetailChunk)
	}
	if c.Source.MaxRecords < 1 {
		return fmt.Errorf("source.max_records must be positive, got %d", c.Source.MaxRecords)
	}
	if c.Detection.MaxCallDuration <= 0 {
		return errors.New("detection.max_call_duration must be positive")
	}

	switch c.Sink.Kind {
	case "slack", "webhook":
		if c.Sink.URL == "" {
			return fmt.Errorf("sink.url required for %s sink", c.Sink.Kind)
		}
	case "file", "log":
	default:
		return fmt.Errorf("unknown sink kind: %q", c.Sink.Kind)
	}

	switch c.State.Backend {
	case "local":
		if c.State.LocalDir == "" {
			return errors.New("state.local_dir required for local backend")
		}
	case "blob":
		if c.State.BucketURL == "" {
			return errors.New("state.bucket_url required for blob backend")
		}
	case "gcs":
		if c.State.GCSBucket == "" {
			return errors.New("state.gcs_bucket required for gcs backend")
		}
	case "s3":
		if c.State.S3Bucket == "" {
			return errors.New("state.s3_bucket required for s3 backend")
		}
	case "redis":
		if c.State.RedisAddr == "" {
			return errors.New("state.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("unknown state backend: %q", c.State.Backend)
	}

	seen := make(map[string]bool, len(c.Variants))
	for i, v := range c.Variants {
		if v.Name == "" {
			return fmt.Errorf("variants[%d]: name required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("variants[%d]: duplicate name %q", i, v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
