package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
		{"  info  ", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInit_WritesJSONToLogFile(t *testing.T) {
	t.Cleanup(resetLogger)
	dataDir := t.TempDir()

	if err := Init(dataDir); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	ctx := WithComponent(WithSession(context.Background(), "app-1"), "lifecycle")
	Info(ctx, "status changed", slog.String("to", "working"))
	Close()

	data, err := os.ReadFile(filepath.Join(dataDir, "logs", "ao.log"))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var entry map[string]any
	line := strings.TrimSpace(string(data))
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	if entry["msg"] != "status changed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["session_id"] != "app-1" {
		t.Errorf("session_id = %v", entry["session_id"])
	}
	if entry["component"] != "lifecycle" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["to"] != "working" {
		t.Errorf("to = %v", entry["to"])
	}
}

func TestInit_UnwritableDirFallsBackToStderr(t *testing.T) {
	t.Cleanup(resetLogger)
	// A file where the data dir should be makes MkdirAll fail.
	dataDir := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(dataDir, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Init(dataDir); err != nil {
		t.Fatalf("Init() should fall back, got error: %v", err)
	}
	// Logging must not panic with the stderr fallback.
	Info(context.Background(), "still alive")
}

func TestClose_Idempotent(t *testing.T) {
	t.Cleanup(resetLogger)
	if err := Init(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	Close()
	Close()
}
