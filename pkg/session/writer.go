package session

import (
	"context"
	"strconv"

	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/redact"
)

// lineWriter is the last pipeline stage. It writes tag lines to the client
// and feeds the optional bus and store taps; tap failures are only logged.
type lineWriter struct {
	ctx context.Context
	s   *Session
}

func newLineWriter(ctx context.Context, s *Session) *lineWriter {
	return &lineWriter{ctx: ctx, s: s}
}

func (w *lineWriter) Name() string { return "line_writer" }

func (w *lineWriter) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.TagFrame:
		line := v.Line()
		if err := w.s.conn.WriteLine(line.String()); err != nil {
			return nil, errorsx.Wrapf(errorsx.ReasonConnectionWrite, "write line %d: %w", line.ID, err)
		}
		w.s.log.Debug("tag_line_sent", "id", line.ID, "word", redact.Word(line.Word), "tag", line.Tag)
		w.tapLine(line)
	case frames.ControlFrame:
		if v.Code() != frames.ControlRollback {
			return nil, nil
		}
		n, err := strconv.Atoi(v.Meta()[frames.MetaRollback])
		if err != nil || n <= 0 {
			return nil, nil
		}
		w.tapRollback(n)
	}
	return nil, nil
}

func (w *lineWriter) tapLine(line frames.TagLine) {
	if p := w.s.deps.Publisher; p != nil {
		if err := p.PublishLine(w.s.ID, w.s.TraceID, line); err != nil {
			w.s.log.Debug("bus_publish_failed", "error", err)
		}
	}
	if r := w.s.deps.Recorder; r != nil {
		if err := r.AppendLine(w.ctx, w.s.ID, line); err != nil {
			w.s.log.Warn("store_append_failed", "error", err)
		}
	}
}

func (w *lineWriter) tapRollback(n int) {
	if p := w.s.deps.Publisher; p != nil {
		if err := p.PublishRollback(w.s.ID, w.s.TraceID, n); err != nil {
			w.s.log.Debug("bus_publish_failed", "error", err)
		}
	}
	if r := w.s.deps.Recorder; r != nil {
		if err := r.AppendRollback(w.ctx, w.s.ID, n); err != nil {
			w.s.log.Warn("store_append_failed", "error", err)
		}
	}
}
