package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/metrics"
)

// LatencyObserver logs per-session timing once the session closes: time from
// the first audio byte to the first tag line, and total session duration.
type LatencyObserver struct {
	mu       sync.Mutex
	sessions map[string]*sessionTiming
	log      *slog.Logger
}

type sessionTiming struct {
	started   time.Time
	firstByte time.Time
	firstLine time.Time
	lines     int
	rollbacks int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{sessions: make(map[string]*sessionTiming), log: log}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sessionOf(ev)
	if id == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.sessions[id]
	if t == nil {
		t = &sessionTiming{}
		o.sessions[id] = t
	}
	switch ev.Name {
	case "session_started":
		t.started = ev.Time
	case "session_audio_bytes":
		if t.firstByte.IsZero() {
			t.firstByte = ev.Time
		}
	case "tag_lines":
		if t.firstLine.IsZero() {
			t.firstLine = ev.Time
		}
		t.lines += int(ev.Value)
	case "forwarder_rollback":
		t.rollbacks++
	case SessionClosedEvent:
		o.log.Info("session_latency",
			slog.String("session_id", id),
			slog.Int64("first_line_ms", durationMs(t.firstByte, t.firstLine)),
			slog.Int64("duration_ms", durationMs(t.started, ev.Time)),
			slog.Int("lines", t.lines),
			slog.Int("rollbacks", t.rollbacks),
		)
		delete(o.sessions, id)
	}
}

// Pending reports sessions still being tracked.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
