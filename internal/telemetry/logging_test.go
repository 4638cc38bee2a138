package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-agency/internal/shared"
)

func readLastEntry(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "agent_id", "storyteller_001")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := readLastEntry(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "agency" {
		t.Fatalf("expected component=agency, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["agent_id"] != "storyteller_001" {
		t.Fatalf("expected agent_id propagation, got %#v", entry["agent_id"])
	}
}

func TestHandler_TraceFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))

	ctx := shared.WithTraceID(context.Background(), "trace-abc")
	ctx = shared.WithContentID(ctx, "c-9")
	logger.InfoContext(ctx, "distribution finished")

	entry := readLastEntry(t, buf.Bytes())
	if entry["trace_id"] != "trace-abc" {
		t.Fatalf("trace_id = %#v", entry["trace_id"])
	}
	if entry["content_id"] != "c-9" {
		t.Fatalf("content_id = %#v", entry["content_id"])
	}
}

func TestHandler_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))

	logger.Info("security check",
		"telegram_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawq",
		"auth_header", "Authorization: Bearer super-secret-token",
		"platform", "linkedin",
	)

	entry := readLastEntry(t, buf.Bytes())
	if entry["telegram_token"] != "[REDACTED]" {
		t.Fatalf("expected token redaction, got %#v", entry["telegram_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["platform"] != "linkedin" {
		t.Fatalf("plain value altered: %#v", entry["platform"])
	}
}

func TestHandler_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "warn"))
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
