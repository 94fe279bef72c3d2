// Package config loads service configuration from an optional YAML file
// and environment variable overrides, then validates the result before
// Supervisor wires any component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	App        AppConfig        `yaml:"app"`
	HTTP       HTTPConfig       `yaml:"http"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	ColdStore  ColdStoreConfig  `yaml:"coldstore"`
	Staging    StagingConfig    `yaml:"staging_cache"`
	Database   DatabaseConfig   `yaml:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter_queue"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// AppConfig holds process-wide ambient settings.
type AppConfig struct {
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ConfigFile     string        `yaml:"-"`
}

// HTTPConfig holds the front-end server's listen address.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// MetricsConfig holds the metrics server's listen address.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// CryptoConfig holds the AES-256-GCM key material.
type CryptoConfig struct {
	SecretKey string `yaml:"-"` // AES_SECRET_KEY, never read from YAML
}

// ColdStoreConfig holds ClickHouse connection parameters.
type ColdStoreConfig struct {
	Host     string `yaml:"host"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	Secure   bool   `yaml:"secure"`
}

// StagingConfig holds Redis connection parameters.
type StagingConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds Postgres (TenantRegistry) connection parameters.
type DatabaseConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Name     string        `yaml:"name"`
	User     string        `yaml:"user"`
	Password string        `yaml:"-"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// PipelineConfig holds the tiered ingestion pipeline's batching thresholds.
type PipelineConfig struct {
	LocalThreshold int `yaml:"local_threshold"`
	StageThreshold int `yaml:"stage_threshold"`
	DLQFailStreak  int `yaml:"dlq_fail_streak"`
}

// TracingConfig controls the pipeline's OTel span recording.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// DeadLetterConfig holds the dead letter queue's spill settings.
type DeadLetterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Directory         string        `yaml:"directory"`
	QueueSize         int           `yaml:"queue_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	ReprocessInterval time.Duration `yaml:"reprocess_interval"`
	MaxReprocessTries int           `yaml:"max_reprocess_tries"`
}

// Load reads configFile (if non-empty and present on disk; a missing
// file is skipped), applies defaults, then applies
// environment variable overrides, and finally validates the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if _, statErr := os.Stat(configFile); statErr == nil {
			if err := loadFile(configFile, cfg); err != nil {
				return nil, apperrors.ConfigError("load", "failed to read config file").Wrap(err)
			}
		}
	}
	cfg.App.ConfigFile = configFile

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = 15 * time.Second
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Staging.Port == 0 {
		cfg.Staging.Port = 6379
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.CacheTTL == 0 {
		cfg.Database.CacheTTL = 30 * time.Second
	}
	if cfg.Pipeline.LocalThreshold == 0 {
		cfg.Pipeline.LocalThreshold = 1
	}
	if cfg.Pipeline.StageThreshold == 0 {
		cfg.Pipeline.StageThreshold = 10
	}
	if cfg.Pipeline.DLQFailStreak == 0 {
		cfg.Pipeline.DLQFailStreak = 5
	}
	if cfg.DeadLetter.Directory == "" {
		cfg.DeadLetter.Directory = "/var/lib/cloud-logging/dlq"
	}
	if cfg.DeadLetter.QueueSize == 0 {
		cfg.DeadLetter.QueueSize = 1000
	}
	if cfg.DeadLetter.FlushInterval == 0 {
		cfg.DeadLetter.FlushInterval = 5 * time.Second
	}
	if cfg.DeadLetter.ReprocessInterval == 0 {
		cfg.DeadLetter.ReprocessInterval = time.Minute
	}
	if cfg.DeadLetter.MaxReprocessTries == 0 {
		cfg.DeadLetter.MaxReprocessTries = 5
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "cloud-logging"
	}
	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = "dev"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.LogLevel = getEnvString("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.App.ShutdownTimeout)

	cfg.HTTP.Port = getEnvInt("HTTP_PORT", cfg.HTTP.Port)
	cfg.Metrics.Port = getEnvInt("METRICS_PORT", cfg.Metrics.Port)

	cfg.Crypto.SecretKey = getEnvString("AES_SECRET_KEY", cfg.Crypto.SecretKey)

	cfg.ColdStore.Host = getEnvString("COLDSTORE_HOST", cfg.ColdStore.Host)
	cfg.ColdStore.Database = getEnvString("COLDSTORE_DATABASE", cfg.ColdStore.Database)
	cfg.ColdStore.Username = getEnvString("COLDSTORE_USERNAME", cfg.ColdStore.Username)
	cfg.ColdStore.Password = getEnvString("COLDSTORE_PASSWORD", cfg.ColdStore.Password)
	cfg.ColdStore.Secure = getEnvBool("COLDSTORE_SECURE", cfg.ColdStore.Secure)

	cfg.Staging.Host = getEnvString("STAGING_CACHE_HOST", cfg.Staging.Host)
	cfg.Staging.Port = getEnvInt("STAGING_CACHE_PORT", cfg.Staging.Port)
	cfg.Staging.Username = getEnvString("STAGING_CACHE_USERNAME", cfg.Staging.Username)
	cfg.Staging.Password = getEnvString("STAGING_CACHE_PASSWORD", cfg.Staging.Password)
	cfg.Staging.DB = getEnvInt("STAGING_CACHE_DB", cfg.Staging.DB)

	cfg.Database.Host = getEnvString("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Name = getEnvString("DB_NAME", cfg.Database.Name)
	cfg.Database.User = getEnvString("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvString("DB_PASSWORD", cfg.Database.Password)

	cfg.Pipeline.LocalThreshold = getEnvInt("LOCAL_THRESHOLD", cfg.Pipeline.LocalThreshold)
	cfg.Pipeline.StageThreshold = getEnvInt("STAGE_THRESHOLD", cfg.Pipeline.StageThreshold)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnvString("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.ServiceVersion = getEnvString("TRACING_SERVICE_VERSION", cfg.Tracing.ServiceVersion)
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Validate runs every field-level validation, accumulating every failure
// found rather than stopping at the first one, so an operator sees the
// whole list of problems in one pass.
func Validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	v.validateApp()
	v.validateNetwork()
	v.validateCrypto()
	v.validateColdStore()
	v.validatePipeline()

	if len(v.errors) == 0 {
		return nil
	}
	if len(v.errors) == 1 {
		return v.errors[0]
	}

	messages := make([]string, 0, len(v.errors))
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return apperrors.ConfigError("validate", "multiple validation errors: "+strings.Join(messages, "; "))
}

type validator struct {
	cfg    *Config
	errors []error
}

func (v *validator) fail(component, message string) {
	v.errors = append(v.errors, apperrors.ConfigError(component, message).WithMetadata("component", component))
}

func (v *validator) validateApp() {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[v.cfg.App.LogLevel] {
		v.fail("app", fmt.Sprintf("invalid log level: %s", v.cfg.App.LogLevel))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[v.cfg.App.LogFormat] {
		v.fail("app", fmt.Sprintf("invalid log format: %s", v.cfg.App.LogFormat))
	}
}

func (v *validator) validateNetwork() {
	if v.cfg.HTTP.Port <= 0 || v.cfg.HTTP.Port > 65535 {
		v.fail("http", fmt.Sprintf("invalid http port: %d", v.cfg.HTTP.Port))
	}
	if v.cfg.Metrics.Port <= 0 || v.cfg.Metrics.Port > 65535 {
		v.fail("metrics", fmt.Sprintf("invalid metrics port: %d", v.cfg.Metrics.Port))
	}
	if v.cfg.HTTP.Port == v.cfg.Metrics.Port {
		v.fail("metrics", "metrics port conflicts with http port")
	}
}

func (v *validator) validateCrypto() {
	if len(v.cfg.Crypto.SecretKey) != 32 {
		v.fail("crypto", fmt.Sprintf("AES_SECRET_KEY must be exactly 32 bytes, got %d", len(v.cfg.Crypto.SecretKey)))
	}
}

func (v *validator) validateColdStore() {
	if v.cfg.ColdStore.Host == "" {
		v.fail("coldstore", "host cannot be empty")
	}
	if v.cfg.ColdStore.Database == "" {
		v.fail("coldstore", "database cannot be empty")
	}
}

func (v *validator) validatePipeline() {
	if v.cfg.Pipeline.LocalThreshold <= 0 {
		v.fail("pipeline", "local_threshold must be positive")
	}
	if v.cfg.Pipeline.StageThreshold <= 0 {
		v.fail("pipeline", "stage_threshold must be positive")
	}
}
