package observers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/redact"
)

func sessionTags(id string) map[string]string {
	return map[string]string{frames.MetaStreamID: id, frames.MetaTraceID: "trace-" + id}
}

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)
	obs := NewTimelineObserver(t.TempDir())

	obs.RecordEvent(metrics.MetricsEvent{
		Name:   "tag_lines",
		Type:   metrics.EventCounter,
		Time:   time.Now(),
		Value:  2,
		Tags:   sessionTags("s-1"),
		Fields: map[string]any{"word": "secret"},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: SessionClosedEvent, Time: time.Now(), Tags: sessionTags("s-1")})
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(obs.Path("s-1"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	var first timelineEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Event != "tag_lines" || first.TraceID != "trace-s-1" {
		t.Fatalf("unexpected entry %+v", first)
	}
	if first.Fields["word"] != "s*****" {
		t.Fatalf("expected redacted word, got %v", first.Fields["word"])
	}
}

func TestTimelineObserverIgnoresEventsWithoutSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: "pool_checkout", Time: time.Now(), Tags: map[string]string{"pool": "annotators"}})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, got %d", len(entries))
	}
}

func TestUsageObserverWritesSummaryOnClose(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir, 16000, 1)
	now := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_audio_bytes", Time: now, Value: 32000, Tags: sessionTags("s-2")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "tag_lines", Time: now, Value: 3, Tags: sessionTags("s-2")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "forwarder_rollback", Time: now, Value: 1, Tags: sessionTags("s-2")})
	closing := sessionTags("s-2")
	closing["state"] = "CLOSED_NORMAL"
	obs.RecordEvent(metrics.MetricsEvent{Name: SessionClosedEvent, Time: now, Tags: closing})

	b, err := os.ReadFile(filepath.Join(dir, "s-2.usage.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var s UsageSummary
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.AudioSeconds != 1 || s.TagLines != 3 || s.Rollbacks != 1 || s.CloseState != "CLOSED_NORMAL" {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestLatencyObserverLogsOnClose(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	now := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_started", Time: now, Tags: sessionTags("s-3")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "session_audio_bytes", Time: now, Value: 10, Tags: sessionTags("s-3")})
	obs.RecordEvent(metrics.MetricsEvent{Name: "tag_lines", Time: now.Add(40 * time.Millisecond), Value: 1, Tags: sessionTags("s-3")})
	if obs.Pending() != 1 {
		t.Fatalf("expected one tracked session")
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: SessionClosedEvent, Time: now.Add(time.Second), Tags: sessionTags("s-3")})
	if obs.Pending() != 0 {
		t.Fatalf("expected session released")
	}
	out := buf.String()
	if !strings.Contains(out, "session_latency") || !strings.Contains(out, "first_line_ms=40") || !strings.Contains(out, "duration_ms=1000") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestPurgeArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	keep := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(old, past, past)
	_ = os.Chtimes(keep, past, past)

	n, err := PurgeArtifacts(dir, 24*time.Hour, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 removed, got %d %v", n, err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-artifact file removed")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour, time.Now()); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}

func TestMultiObserverSkipsNil(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	multi := NewMultiObserver(nil, mem)
	if multi.Len() != 1 {
		t.Fatalf("expected nil observer dropped")
	}
	metrics.Count(multi, "x", nil)
	if mem.Count("x") != 1 {
		t.Fatalf("expected event forwarded")
	}
}
