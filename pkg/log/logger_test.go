package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{time.Hour, "1 hour"},
		{90 * time.Minute, "1 hour 30 minutes"},
	}

	for _, tt := range tests {
		if got := HumanDuration(tt.in); got != tt.want {
			t.Errorf("HumanDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(Config{Service: "poold", Version: "test", Level: "info"}, &buf)

	ctx := NewContext(context.Background(), "s-1")
	logger.WithContext(ctx).WithComponent("stratum").LogShareSubmission("alice", "1f", 16, "accepted")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"service":    "poold",
		"session_id": "s-1",
		"component":  "stratum",
		"miner_id":   "alice",
		"job_id":     "1f",
		"status":     "accepted",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %v", k, entry[k], v)
		}
	}
}
