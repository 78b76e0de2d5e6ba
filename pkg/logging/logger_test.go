package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLoggerJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := initLogger(&buf, Config{Level: "debug", Format: "json"})
	NewComponentLogger(logger, "session").Debug("session_started", "session_id", "s1")
	out := buf.String()
	if !strings.Contains(out, `"component":"session"`) || !strings.Contains(out, `"msg":"session_started"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn")
	}
	if ParseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
