// Package config handles YAML and TOML configuration for Kredo.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/kredo/types"
)

// Storage drivers
const (
	DriverBolt     = "bbolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	Attribution AttributionConfig `yaml:"attribution" toml:"attribution"`
	Directory   DirectoryConfig   `yaml:"directory" toml:"directory"`
	Audit       AuditConfig       `yaml:"audit" toml:"audit"`
	Queue       QueueConfig       `yaml:"queue" toml:"queue"`
	Policy      PolicyConfig      `yaml:"policy" toml:"policy"`
	OTEL        OTELConfig        `yaml:"otel" toml:"otel"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	MetricsAddr     string        `yaml:"metrics_addr" toml:"metrics_addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" toml:"max_body_bytes"`
	ReadTimeoutStr  string        `yaml:"read_timeout" toml:"read_timeout"`
	ReadTimeout     time.Duration `yaml:"-" toml:"-"`
	WriteTimeoutStr string        `yaml:"write_timeout" toml:"write_timeout"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	// SiteURL and Debug feed the tracking pixel
	SiteURL string `yaml:"site_url" toml:"site_url"`
	Debug   bool   `yaml:"debug" toml:"debug"`
}

// StorageConfig selects the event and decision store.
type StorageConfig struct {
	Driver            string        `yaml:"driver" toml:"driver"`
	Path              string        `yaml:"path" toml:"path"`
	PostgresDSN       string        `yaml:"postgres_dsn" toml:"postgres_dsn"`
	HistoryTimeoutStr string        `yaml:"history_timeout" toml:"history_timeout"`
	HistoryTimeout    time.Duration `yaml:"-" toml:"-"`
}

// AttributionConfig holds policy defaults and per-campaign overrides.
type AttributionConfig struct {
	DefaultPolicy *types.WindowPolicy           `yaml:"default_policy" toml:"default_policy"`
	Policies      map[string]types.WindowPolicy `yaml:"policies" toml:"policies"`
}

// DirectoryConfig locates campaign and agency metadata.
type DirectoryConfig struct {
	File        string        `yaml:"file" toml:"file"`
	BoltPath    string        `yaml:"bolt_path" toml:"bolt_path"`
	RedisURL    string        `yaml:"redis_url" toml:"redis_url"`
	CacheTTLStr string        `yaml:"cache_ttl" toml:"cache_ttl"`
	CacheTTL    time.Duration `yaml:"-" toml:"-"`
}

// AuditConfig holds WAL settings.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Dir           string `yaml:"dir" toml:"dir"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxFileSizeMB int64  `yaml:"max_file_size_mb" toml:"max_file_size_mb"`
	S3Bucket      string `yaml:"s3_bucket" toml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix" toml:"s3_prefix"`
	Region        string `yaml:"region" toml:"region"`
}

// QueueConfig holds the SQS conversion consumer settings.
type QueueConfig struct {
	SQSQueueURL       string `yaml:"sqs_queue_url" toml:"sqs_queue_url"`
	Region            string `yaml:"region" toml:"region"`
	WaitSeconds       int32  `yaml:"wait_seconds" toml:"wait_seconds"`
	MaxMessages       int32  `yaml:"max_messages" toml:"max_messages"`
	VisibilityTimeout int32  `yaml:"visibility_timeout" toml:"visibility_timeout"`
}

// PolicyConfig holds release advisory settings.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool         `yaml:"insecure" toml:"insecure"`
	ServiceName string       `yaml:"service_name" toml:"service_name"`
	Environment string       `yaml:"environment" toml:"environment"`
	Traces      TracesConfig `yaml:"traces" toml:"traces"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Audit:  AuditConfig{Enabled: true},
		Policy: PolicyConfig{Enabled: true},
	}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a YAML or TOML config file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		Audit:  AuditConfig{Enabled: true},
		Policy: PolicyConfig{Enabled: true},
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.ReadTimeoutStr == "" {
		cfg.Server.ReadTimeoutStr = "10s"
	}
	if cfg.Server.WriteTimeoutStr == "" {
		cfg.Server.WriteTimeoutStr = "10s"
	}
	if cfg.Server.SiteURL == "" {
		cfg.Server.SiteURL = "http://localhost:8080"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverBolt
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data"
	}
	if cfg.Storage.HistoryTimeoutStr == "" {
		cfg.Storage.HistoryTimeoutStr = "2s"
	}
	if cfg.Directory.CacheTTLStr == "" {
		cfg.Directory.CacheTTLStr = "5m"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.Storage.Path, "wal")
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 365
	}
	if cfg.Audit.MaxFileSizeMB == 0 {
		cfg.Audit.MaxFileSizeMB = 64
	}
	if cfg.Queue.WaitSeconds == 0 {
		cfg.Queue.WaitSeconds = 20
	}
	if cfg.Queue.MaxMessages == 0 {
		cfg.Queue.MaxMessages = 10
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 30
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "kredo"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_timeout", cfg.Server.ReadTimeoutStr, &cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeoutStr, &cfg.Server.WriteTimeout},
		{"storage.history_timeout", cfg.Storage.HistoryTimeoutStr, &cfg.Storage.HistoryTimeout},
		{"directory.cache_ttl", cfg.Directory.CacheTTLStr, &cfg.Directory.CacheTTL},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt, DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres_dsn required for driver %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server: max_body_bytes must be positive (got %d)", c.Server.MaxBodyBytes)
	}
	if c.Attribution.DefaultPolicy != nil {
		if err := c.Attribution.DefaultPolicy.Validate(); err != nil {
			return fmt.Errorf("attribution.default_policy: %w", err)
		}
	}
	for id, p := range c.Attribution.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("attribution.policies.%s: %w", id, err)
		}
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit: retention_days must not be negative (got %d)", c.Audit.RetentionDays)
	}
	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return fmt.Errorf("queue: max_messages must be between 1 and 10 (got %d)", c.Queue.MaxMessages)
	}
	if c.Queue.WaitSeconds < 0 || c.Queue.WaitSeconds > 20 {
		return fmt.Errorf("queue: wait_seconds must be between 0 and 20 (got %d)", c.Queue.WaitSeconds)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}
