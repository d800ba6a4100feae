package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"DATABASE_URL", "BROKER_PATH", "REDIS_URL", "HTTP_ADDR", "PORT",
	"WEBHOOK_BASE_URL", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT",
	"WORKER_CONCURRENCY", "SYNC_CONCURRENCY", "FANOUT_CONCURRENCY", "FANOUT_RATE_PER_SEC",
	"TENANT_TIMEOUT", "JOB_ATTEMPTS", "JOB_BACKOFF", "JOB_KEEP_COMPLETED", "JOB_KEEP_FAILED_FOR",
	"POLL_INTERVAL", "LOG_LEVEL", "LOG_FORMAT", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenantflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func fieldsOf(t *testing.T, err error) []string {
	t.Helper()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	var fields []string
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BrokerPath != "tenantflow-broker.db" || cfg.HTTPAddr != ":8080" {
		t.Errorf("broker=%q http=%q", cfg.BrokerPath, cfg.HTTPAddr)
	}
	if cfg.WorkerConcurrency != 5 || cfg.SyncConcurrency != 2 || cfg.FanoutConcurrency != 4 {
		t.Errorf("concurrency = %d/%d/%d", cfg.WorkerConcurrency, cfg.SyncConcurrency, cfg.FanoutConcurrency)
	}
	if cfg.TenantTimeout != 5*time.Minute || cfg.WebhookTimeout != 30*time.Second {
		t.Errorf("tenant timeout %v, webhook timeout %v", cfg.TenantTimeout, cfg.WebhookTimeout)
	}
	if cfg.JobAttempts != 3 || cfg.JobBackoff != 5*time.Second || cfg.JobKeepCompleted != 100 || cfg.JobKeepFailedFor != 24*time.Hour {
		t.Errorf("job defaults = %d %v %d %v", cfg.JobAttempts, cfg.JobBackoff, cfg.JobKeepCompleted, cfg.JobKeepFailedFor)
	}
	if cfg.PollInterval != time.Second || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("poll %v shutdown %v", cfg.PollInterval, cfg.ShutdownTimeout)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("log %s/%s", cfg.LogLevel, cfg.LogFormat)
	}

	fields := fieldsOf(t, cfg.Validate())
	if strings.Join(fields, ",") != "DATABASE_URL,WEBHOOK_BASE_URL" {
		t.Fatalf("fields = %v", fields)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
database_url: postgres://app:pw@db/app
webhook_base_url: https://app.example.com/internal/jobs
worker_concurrency: 8
tenant_timeout: 90s
fanout_rate_per_sec: 2.5
`)
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Errorf("WorkerConcurrency = %d, env should win", cfg.WorkerConcurrency)
	}
	if cfg.TenantTimeout != 90*time.Second {
		t.Errorf("TenantTimeout = %v", cfg.TenantTimeout)
	}
	if cfg.FanoutRatePerSec != 2.5 {
		t.Errorf("FanoutRatePerSec = %v", cfg.FanoutRatePerSec)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoad_UnknownKeyInFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "databse_url: postgres://x\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	t.Setenv("WEBHOOK_BASE_URL", "app.example.com")
	t.Setenv("WORKER_CONCURRENCY", "five")
	t.Setenv("TENANT_TIMEOUT", "soon")
	t.Setenv("JOB_BACKOFF", "-1s")
	t.Setenv("FANOUT_RATE_PER_SEC", "-3")
	t.Setenv("LOG_LEVEL", "verbose")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	got := map[string]bool{}
	for _, f := range fieldsOf(t, err) {
		got[f] = true
	}
	for _, want := range []string{"WORKER_CONCURRENCY", "WEBHOOK_BASE_URL", "TENANT_TIMEOUT", "JOB_BACKOFF", "FANOUT_RATE_PER_SEC", "LOG_LEVEL"} {
		if !got[want] {
			t.Errorf("missing validation error for %s in %v", want, err)
		}
	}
	if got["DATABASE_URL"] {
		t.Error("DATABASE_URL is set and should not be reported")
	}
	if !strings.Contains(err.Error(), "validation errors:") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidationErrors_Single(t *testing.T) {
	err := ValidationErrors{{Field: "DATABASE_URL", Message: "required"}}
	if err.Error() != "DATABASE_URL: required" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestMaskedJSON(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://app:hunter2@db/app")
	t.Setenv("REDIS_URL", "redis://:hunter3@cache:6379/0")
	t.Setenv("WEBHOOK_SECRET", "hunter4")
	t.Setenv("WEBHOOK_BASE_URL", "https://app.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	out, err := cfg.MaskedJSON()
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, secret := range []string{"hunter2", "hunter3", "hunter4"} {
		if strings.Contains(s, secret) {
			t.Errorf("masked output leaks %s: %s", secret, s)
		}
	}
	for _, want := range []string{`"database_url": "postgres://***"`, `"redis_url": "redis://***"`, `"webhook_secret": "***"`, `"webhook_base_url": "https://app.example.com"`} {
		if !strings.Contains(s, want) {
			t.Errorf("masked output missing %s: %s", want, s)
		}
	}
}
