package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/redact"
)

// SessionClosedEvent is the event name that ends a session's artifacts.
const SessionClosedEvent = "session_closed"

// TimelineObserver writes one JSONL file per session into dir. The file is
// closed when the session's closing event arrives.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	Type      string            `json:"type,omitempty"`
	Value     float64           `json:"value,omitempty"`
	SessionID string            `json:"session_id"`
	TraceID   string            `json:"trace_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := sessionOf(ev)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     ev.Name,
		Type:      string(ev.Type),
		Value:     ev.Value,
		SessionID: id,
		TraceID:   ev.Tags[frames.MetaTraceID],
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
	if ev.Name == SessionClosedEvent {
		_ = f.Close()
		delete(o.files, sanitizeID(id))
	}
}

// Path returns the timeline file for a session.
func (o *TimelineObserver) Path(sessionID string) string {
	return filepath.Join(o.dir, sanitizeID(sessionID)+".jsonl")
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		switch {
		case !ok:
			out[k] = v
		case k == "word":
			out[k] = redact.Word(s)
		default:
			out[k] = redact.Text(s)
		}
	}
	return out
}

func sessionOf(ev metrics.MetricsEvent) string {
	if ev.Tags == nil {
		return ""
	}
	if id := ev.Tags[frames.MetaSessionID]; id != "" {
		return id
	}
	return ev.Tags[frames.MetaStreamID]
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
