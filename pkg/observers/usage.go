package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
)

// UsageSummary is written once per session. Recognizer vendors bill by audio
// seconds, so that figure is derived from the byte count.
type UsageSummary struct {
	SessionID     string  `json:"session_id"`
	TraceID       string  `json:"trace_id,omitempty"`
	AudioBytes    int64   `json:"audio_bytes"`
	AudioSeconds  float64 `json:"audio_seconds"`
	TagLines      int     `json:"tag_lines"`
	Rollbacks     int     `json:"rollbacks"`
	CloseState    string  `json:"close_state,omitempty"`
	CloseReason   string  `json:"close_reason,omitempty"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

type UsageObserver struct {
	dir         string
	bytesPerSec float64
	mu          sync.Mutex
	stats       map[string]*UsageSummary
}

// NewUsageObserver writes summaries into dir; sampleRate and channels describe
// 16-bit PCM input.
func NewUsageObserver(dir string, sampleRate, channels int) *UsageObserver {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &UsageObserver{
		dir:         dir,
		bytesPerSec: float64(sampleRate * channels * 2),
		stats:       make(map[string]*UsageSummary),
	}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sessionOf(ev)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	o.mu.Lock()
	s := o.stats[id]
	if s == nil {
		s = &UsageSummary{SessionID: id}
		o.stats[id] = s
	}
	if s.TraceID == "" {
		s.TraceID = ev.Tags[frames.MetaTraceID]
	}
	switch ev.Name {
	case "session_audio_bytes":
		s.AudioBytes += int64(ev.Value)
	case "tag_lines":
		s.TagLines += int(ev.Value)
	case "forwarder_rollback":
		s.Rollbacks++
	case SessionClosedEvent:
		s.CloseState = ev.Tags["state"]
		s.CloseReason = ev.Tags[frames.MetaReason]
		s.AudioSeconds = float64(s.AudioBytes) / o.bytesPerSec
		s.RecordedAtUTC = ev.Time.UTC().Format(time.RFC3339Nano)
		delete(o.stats, id)
		o.mu.Unlock()
		_ = o.write(*s)
		return
	}
	o.mu.Unlock()
}

func (o *UsageObserver) write(s UsageSummary) error {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(s.SessionID)+".usage.json"), b, 0o644)
}
