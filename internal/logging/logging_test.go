package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("tenant_id", "t1").Msg("tenant unit failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev["level"] != "warn" || ev["tenant_id"] != "t1" || ev["service"] != "tenantflow" {
		t.Fatalf("event = %v", ev)
	}
	if _, ok := ev["time"]; !ok {
		t.Fatal("event has no timestamp")
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("DEBUG", "console", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug().Str("job", "prune-jobs").Msg("job started")
	out := buf.String()
	if !strings.Contains(out, "job started") || !strings.Contains(out, "prune-jobs") {
		t.Fatalf("console output = %q", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("console output looks like JSON: %q", out)
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Error("expected unknown level to fail")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("expected unknown format to fail")
	}
}
