// Package config loads tenantflow settings from an optional YAML file and the
// environment. Environment variables win over the file; defaults fill the rest.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config holds all configuration for tenantflow. Durations are kept in their
// string form next to the parsed value so they can be validated and dumped.
type Config struct {
	DatabaseURL string `yaml:"database_url" json:"database_url"`
	BrokerPath  string `yaml:"broker_path" json:"broker_path"`
	RedisURL    string `yaml:"redis_url" json:"redis_url,omitempty"`
	HTTPAddr    string `yaml:"http_addr" json:"http_addr"`

	WebhookBaseURL    string        `yaml:"webhook_base_url" json:"webhook_base_url"`
	WebhookSecret     string        `yaml:"webhook_secret" json:"webhook_secret,omitempty"`
	WebhookTimeout    time.Duration `yaml:"-" json:"-"`
	WebhookTimeoutStr string        `yaml:"webhook_timeout" json:"webhook_timeout"`

	WorkerConcurrency int     `yaml:"worker_concurrency" json:"worker_concurrency"`
	SyncConcurrency   int     `yaml:"sync_concurrency" json:"sync_concurrency"`
	FanoutConcurrency int     `yaml:"fanout_concurrency" json:"fanout_concurrency"`
	FanoutRatePerSec  float64 `yaml:"fanout_rate_per_sec" json:"fanout_rate_per_sec"`

	TenantTimeout    time.Duration `yaml:"-" json:"-"`
	TenantTimeoutStr string        `yaml:"tenant_timeout" json:"tenant_timeout"`

	JobAttempts         int           `yaml:"job_attempts" json:"job_attempts"`
	JobBackoff          time.Duration `yaml:"-" json:"-"`
	JobBackoffStr       string        `yaml:"job_backoff" json:"job_backoff"`
	JobKeepCompleted    int           `yaml:"job_keep_completed" json:"job_keep_completed"`
	JobKeepFailedFor    time.Duration `yaml:"-" json:"-"`
	JobKeepFailedForStr string        `yaml:"job_keep_failed_for" json:"job_keep_failed_for"`

	PollInterval    time.Duration `yaml:"-" json:"-"`
	PollIntervalStr string        `yaml:"poll_interval" json:"poll_interval"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	ShutdownTimeout    time.Duration `yaml:"-" json:"-"`
	ShutdownTimeoutStr string        `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// problems found while reading numbers; surfaced by Validate.
	problems ValidationErrors
}

// Load reads path when it is not empty, applies environment overrides and
// then defaults. It only fails when the file cannot be read or decoded;
// call Validate for everything else.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cfg.fromEnv()
	cfg.applyDefaults()
	cfg.parseDurations()
	return cfg, nil
}

func (c *Config) fromEnv() {
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.BrokerPath, "BROKER_PATH")
	envString(&c.RedisURL, "REDIS_URL")
	envString(&c.HTTPAddr, "HTTP_ADDR")
	envString(&c.WebhookBaseURL, "WEBHOOK_BASE_URL")
	envString(&c.WebhookSecret, "WEBHOOK_SECRET")
	envString(&c.WebhookTimeoutStr, "WEBHOOK_TIMEOUT")
	envString(&c.TenantTimeoutStr, "TENANT_TIMEOUT")
	envString(&c.JobBackoffStr, "JOB_BACKOFF")
	envString(&c.JobKeepFailedForStr, "JOB_KEEP_FAILED_FOR")
	envString(&c.PollIntervalStr, "POLL_INTERVAL")
	envString(&c.LogLevel, "LOG_LEVEL")
	envString(&c.LogFormat, "LOG_FORMAT")
	envString(&c.ShutdownTimeoutStr, "SHUTDOWN_TIMEOUT")

	c.envInt(&c.WorkerConcurrency, "WORKER_CONCURRENCY")
	c.envInt(&c.SyncConcurrency, "SYNC_CONCURRENCY")
	c.envInt(&c.FanoutConcurrency, "FANOUT_CONCURRENCY")
	c.envInt(&c.JobAttempts, "JOB_ATTEMPTS")
	c.envInt(&c.JobKeepCompleted, "JOB_KEEP_COMPLETED")

	if v, ok := os.LookupEnv("FANOUT_RATE_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			c.problems = append(c.problems, ValidationError{Field: "FANOUT_RATE_PER_SEC", Message: fmt.Sprintf("invalid number %q", v)})
		} else {
			c.FanoutRatePerSec = f
		}
	}

	// PORT is honoured when HTTP_ADDR is not set, as container platforms inject it.
	if c.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			c.HTTPAddr = ":" + port
		}
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (c *Config) envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		c.problems = append(c.problems, ValidationError{Field: key, Message: fmt.Sprintf("invalid integer %q", v)})
		return
	}
	*dst = n
}

func (c *Config) applyDefaults() {
	if c.BrokerPath == "" {
		c.BrokerPath = "tenantflow-broker.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.WebhookTimeoutStr == "" {
		c.WebhookTimeoutStr = "30s"
	}
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = 5
	}
	if c.SyncConcurrency == 0 {
		c.SyncConcurrency = 2
	}
	if c.FanoutConcurrency == 0 {
		c.FanoutConcurrency = 4
	}
	if c.TenantTimeoutStr == "" {
		c.TenantTimeoutStr = "5m"
	}
	if c.JobAttempts == 0 {
		c.JobAttempts = 3
	}
	if c.JobBackoffStr == "" {
		c.JobBackoffStr = "5s"
	}
	if c.JobKeepCompleted == 0 {
		c.JobKeepCompleted = 100
	}
	if c.JobKeepFailedForStr == "" {
		c.JobKeepFailedForStr = "24h"
	}
	if c.PollIntervalStr == "" {
		c.PollIntervalStr = "1s"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.ShutdownTimeoutStr == "" {
		c.ShutdownTimeoutStr = "10s"
	}
}

// parseDurations fills the typed fields; bad values stay zero and are
// reported by Validate.
func (c *Config) parseDurations() {
	for _, f := range c.durations() {
		if d, err := time.ParseDuration(*f.raw); err == nil {
			*f.dst = d
		}
	}
}

type durationField struct {
	key string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"WEBHOOK_TIMEOUT", &c.WebhookTimeoutStr, &c.WebhookTimeout},
		{"TENANT_TIMEOUT", &c.TenantTimeoutStr, &c.TenantTimeout},
		{"JOB_BACKOFF", &c.JobBackoffStr, &c.JobBackoff},
		{"JOB_KEEP_FAILED_FOR", &c.JobKeepFailedForStr, &c.JobKeepFailedFor},
		{"POLL_INTERVAL", &c.PollIntervalStr, &c.PollInterval},
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeoutStr, &c.ShutdownTimeout},
	}
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.RedisURL = maskSecret(c.RedisURL)
	if c.WebhookSecret != "" {
		masked.WebhookSecret = "***"
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
