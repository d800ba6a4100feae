package config

import (
	"fmt"
	"net/url"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration and returns every problem at once as
// ValidationErrors, or nil.
func (c Config) Validate() error {
	errs := append(ValidationErrors(nil), c.problems...)

	if c.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}

	if c.WebhookBaseURL == "" {
		errs = append(errs, ValidationError{Field: "WEBHOOK_BASE_URL", Message: "required"})
	} else if u, err := url.Parse(c.WebhookBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "WEBHOOK_BASE_URL",
			Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", c.WebhookBaseURL),
		})
	}

	for _, f := range c.durations() {
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			errs = append(errs, ValidationError{Field: f.key, Message: fmt.Sprintf("invalid duration: %v", err)})
		} else if d <= 0 {
			errs = append(errs, ValidationError{Field: f.key, Message: "must be positive"})
		}
	}

	positive := []struct {
		key string
		n   int
	}{
		{"WORKER_CONCURRENCY", c.WorkerConcurrency},
		{"SYNC_CONCURRENCY", c.SyncConcurrency},
		{"FANOUT_CONCURRENCY", c.FanoutConcurrency},
		{"JOB_ATTEMPTS", c.JobAttempts},
		{"JOB_KEEP_COMPLETED", c.JobKeepCompleted},
	}
	for _, p := range positive {
		if p.n <= 0 {
			errs = append(errs, ValidationError{Field: p.key, Message: "must be positive"})
		}
	}

	if c.FanoutRatePerSec < 0 {
		errs = append(errs, ValidationError{Field: "FANOUT_RATE_PER_SEC", Message: "must be >= 0 (0 disables the limit)"})
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", c.LogLevel),
		})
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'console' or 'json', got %q", c.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
