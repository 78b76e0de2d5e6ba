package annotate

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/redact"
)

// Forwarder keeps the session word graph in step with the commits coming
// from the reconciler and drives the leased annotator. Entry i of the graph
// always carries id i.
//
// Commits are applied per batch. When a batch changes a word the annotator
// already consumed, the annotator is rolled back to that word and every
// word from there on is tagged again; all lines from the earliest changed
// position are then re-emitted.
type Forwarder struct {
	streamID string
	ann      annotator.Annotator
	obs      metrics.Observer
	log      *slog.Logger
	pts      *frames.PTSGen

	graph   []frames.Commit
	pending []frames.Commit
	tagged  int
}

type Option func(*Forwarder)

func WithObserver(obs metrics.Observer) Option {
	return func(f *Forwarder) { f.obs = obs }
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Forwarder) { f.log = log }
}

func NewForwarder(streamID string, ann annotator.Annotator, opts ...Option) *Forwarder {
	f := &Forwarder{
		streamID: streamID,
		ann:      ann,
		pts:      frames.NewPTSGen(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logging.NewComponentLogger(slog.Default(), "forwarder")
	}
	return f
}

func (f *Forwarder) Name() string { return "forwarder" }

func (f *Forwarder) Enter() error {
	f.graph = nil
	f.pending = nil
	f.tagged = 0
	return nil
}

func (f *Forwarder) Process(in frames.Frame) ([]frames.Frame, error) {
	switch v := in.(type) {
	case frames.CommitFrame:
		f.pending = append(f.pending, v.Commit())
		return nil, nil
	case frames.ControlFrame:
		if v.Code() == frames.ControlBatchEnd {
			return f.flush()
		}
	}
	out, err := f.flush()
	if err != nil {
		return nil, err
	}
	return append(out, in), nil
}

// Graph returns a copy of the current word graph.
func (f *Forwarder) Graph() []frames.Commit {
	return append([]frames.Commit(nil), f.graph...)
}

func (f *Forwarder) flush() ([]frames.Frame, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	before := f.Graph()
	for _, c := range f.pending {
		f.apply(c)
	}
	f.pending = f.pending[:0]

	index := firstChange(before, f.graph)
	if index < 0 {
		return nil, nil
	}

	rollback := f.tagged - index
	if rollback > 0 {
		if err := f.ann.Rollback(rollback); err != nil {
			return nil, errorsx.Wrapf(errorsx.ReasonWorkerFault, "annotator rollback %d: %w", rollback, err)
		}
		f.tagged -= rollback
		metrics.Count(f.obs, "forwarder_rollback", map[string]string{frames.MetaStreamID: f.streamID})
	} else {
		rollback = 0
	}

	emitFrom := index
	prevEnd := 0.0
	if f.tagged > 0 {
		prevEnd = f.graph[f.tagged-1].End
	}
	for i := f.tagged; i < len(f.graph); i++ {
		w := f.graph[i]
		tags, err := f.ann.Tag(w.Word, w.End-prevEnd)
		if err != nil {
			return nil, errorsx.Wrapf(errorsx.ReasonWorkerFault, "annotator tag: %w", err)
		}
		f.tagged++
		prevEnd = w.End
		if start := len(f.ann.OutputTags(false)) - len(tags); start < emitFrom {
			emitFrom = max(start, 0)
		}
	}

	f.log.Debug("forwarder_batch",
		"stream_id", f.streamID,
		"change_index", index,
		"rollback", rollback,
		"emit_from", emitFrom,
		"words", len(f.graph),
	)
	return f.lines(emitFrom, rollback), nil
}

// apply places a commit at its id, dropping every later entry.
func (f *Forwarder) apply(c frames.Commit) {
	if c.ID < len(f.graph) {
		f.graph = f.graph[:c.ID]
	} else if c.ID > len(f.graph) {
		f.log.Warn("forwarder_commit_gap",
			"stream_id", f.streamID,
			"id", c.ID,
			"words", len(f.graph),
			"word", redact.Word(c.Word),
		)
		c.ID = len(f.graph)
	}
	f.graph = append(f.graph, c)
}

// firstChange returns the earliest index where the words of after differ
// from before, or -1 when both carry the same words.
func firstChange(before, after []frames.Commit) int {
	n := min(len(before), len(after))
	for i := 0; i < n; i++ {
		if before[i].Word != after[i].Word {
			return i
		}
	}
	if len(before) == len(after) {
		return -1
	}
	return n
}

func (f *Forwarder) lines(from, rollback int) []frames.Frame {
	tags := f.ann.OutputTags(false)
	end := min(len(tags), len(f.graph))
	out := make([]frames.Frame, 0, max(end-from, 0)+1)
	if rollback > 0 {
		out = append(out, frames.NewControlFrame(f.streamID, f.pts.Next(f.streamID), frames.ControlRollback, map[string]string{
			frames.MetaRollback: strconv.Itoa(rollback),
		}))
	}
	for i := from; i < end; i++ {
		w := f.graph[i]
		out = append(out, frames.NewTagFrame(f.streamID, f.pts.Next(f.streamID), frames.TagLine{
			ID:    w.ID,
			Start: w.Start,
			End:   w.End,
			Word:  w.Word,
			Tag:   tags[i],
		}, nil))
	}
	if n := end - from; n > 0 && f.obs != nil {
		f.obs.RecordEvent(metrics.MetricsEvent{
			Name:  "tag_lines",
			Type:  metrics.EventCounter,
			Time:  time.Now(),
			Value: float64(n),
			Tags:  map[string]string{frames.MetaStreamID: f.streamID},
		})
	}
	return out
}
