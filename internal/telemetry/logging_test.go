package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesRedactedJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("agent registered",
		"api_key", "sk-sensitive-value-1234567890",
		"name", "worker-1")
	logger.Debug("suppressed at info level", "name", "worker-2")
	_ = closer.Close()

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(raw)

	if strings.Contains(out, "sk-sensitive-value") {
		t.Fatalf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("redaction marker missing: %s", out)
	}
	if !strings.Contains(out, `"timestamp"`) {
		t.Fatalf("timestamp key not renamed: %s", out)
	}
	if !strings.Contains(out, "worker-1") {
		t.Fatalf("benign field lost: %s", out)
	}
	if strings.Contains(out, "worker-2") {
		t.Fatalf("debug line not suppressed: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
