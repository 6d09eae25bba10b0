package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Format: "json", Level: "warn", Identity: "abc"}, &buf)

	log.Info("dropped")
	WorkerLogger(log, "w-1").Warn("kept", "n", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["identity"] != "abc" || entry["worker_id"] != "w-1" || entry["msg"] != "kept" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestRecordLoggerText(t *testing.T) {
	var buf bytes.Buffer
	log := RecordLogger(NewWithWriter(Config{Format: "text"}, &buf), "r1", "a.las")
	log.Info("hello")

	out := buf.String()
	if !strings.Contains(out, "record_id=r1") || !strings.Contains(out, "file_name=a.las") {
		t.Errorf("missing record fields: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
