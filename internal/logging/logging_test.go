package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"branchchat/backend/internal/config"
)

func TestNewWithWriterJSONHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.Config{LogLevel: "warn", LogFormat: "json", Environment: "test"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("conversation_id", "c-1").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected exactly one log line, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["message"] != "kept" || entry["conversation_id"] != "c-1" || entry["env"] != "test" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.Config{LogLevel: "loud", LogFormat: "json"}, &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")

	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("debug line should be filtered: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("info line missing: %s", buf.String())
	}
}
