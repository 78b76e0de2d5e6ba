package reconcile

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/logging"
	"github.com/harunnryd/livetag/pkg/metrics"
	"github.com/harunnryd/livetag/pkg/redact"
)

type Classification string

const (
	ClassNew     Classification = "new"
	ClassUpdate  Classification = "update"
	ClassDropped Classification = "dropped"
)

// Reconciler turns revisable recognizer batches into commits with stable ids.
// Ids grow by one per new word. A revision reuses the id of the word it
// replaces and forgets every later word, so the next new word continues
// right after it.
type Reconciler struct {
	streamID string
	norm     *Normalizer
	obs      metrics.Observer
	log      *slog.Logger
	pts      *frames.PTSGen

	mu          sync.Mutex
	memory      []frames.Commit
	nextID      int
	resultIndex int
	dropped     int
}

type Option func(*Reconciler)

func WithNormalizer(n *Normalizer) Option {
	return func(r *Reconciler) { r.norm = n }
}

func WithObserver(obs metrics.Observer) Option {
	return func(r *Reconciler) { r.obs = obs }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

func New(streamID string, opts ...Option) *Reconciler {
	r := &Reconciler{
		streamID: streamID,
		norm:     NewNormalizer(nil),
		pts:      frames.NewPTSGen(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.NewComponentLogger(slog.Default(), "reconciler")
	}
	return r
}

func (r *Reconciler) Name() string { return "reconciler" }

// Enter resets all per-session state.
func (r *Reconciler) Enter() error {
	r.mu.Lock()
	r.memory = nil
	r.nextID = 0
	r.resultIndex = 0
	r.dropped = 0
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) Process(f frames.Frame) ([]frames.Frame, error) {
	h, ok := f.(frames.HypothesisFrame)
	if !ok {
		return []frames.Frame{f}, nil
	}
	commits := r.Apply(h.ResultIndex(), h.Spans())
	if len(commits) == 0 {
		return nil, nil
	}
	out := make([]frames.Frame, 0, len(commits)+1)
	for _, c := range commits {
		out = append(out, frames.NewCommitFrame(r.streamID, r.pts.Next(r.streamID), c, map[string]string{
			frames.MetaResultIndex: strconv.Itoa(h.ResultIndex()),
		}))
	}
	out = append(out, frames.NewControlFrame(r.streamID, r.pts.Next(r.streamID), frames.ControlBatchEnd, nil))
	return out, nil
}

// Apply reconciles one batch and returns the commits it produced in order.
func (r *Reconciler) Apply(resultIndex int, spans []frames.WordSpan) []frames.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resultIndex > r.resultIndex {
		r.memory = r.memory[:0]
		r.resultIndex = resultIndex
	}
	var commits []frames.Commit
	for _, span := range spans {
		word := r.norm.Normalize(span.Word)
		id, class := r.classify(word, span.Start, span.End)
		metrics.Count(r.obs, "reconcile_span", map[string]string{
			"class":             string(class),
			frames.MetaStreamID: r.streamID,
		})
		if class == ClassDropped {
			r.dropped++
			r.log.Debug("reconcile_span_dropped",
				"stream_id", r.streamID,
				"word", redact.Word(word),
				"start", span.Start,
				"end", span.End,
			)
			continue
		}
		c := frames.Commit{ID: id, Word: word, Start: span.Start, End: span.End}
		r.memory = append(r.memory, c)
		commits = append(commits, c)
	}
	return commits
}

// classify assigns an id to the span and trims memory on an update.
// Must hold r.mu.
func (r *Reconciler) classify(word string, start, end float64) (int, Classification) {
	if len(r.memory) == 0 || start >= r.memory[len(r.memory)-1].End {
		id := r.nextID
		r.nextID++
		return id, ClassNew
	}
	for i, old := range r.memory {
		overlaps := start < old.End && old.Start < end
		relabel := old.Start == start && old.End == end && old.Word != word
		if !overlaps && !relabel {
			continue
		}
		r.memory = r.memory[:i]
		r.nextID = old.ID + 1
		return old.ID, ClassUpdate
	}
	return 0, ClassDropped
}

// Memory returns a copy of the hypotheses tracked since the last finalization.
func (r *Reconciler) Memory() []frames.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frames.Commit(nil), r.memory...)
}

// NextID is the id the next new word will receive.
func (r *Reconciler) NextID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextID
}

func (r *Reconciler) ResultIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resultIndex
}

// Dropped counts spans that neither started a new word nor revised one.
func (r *Reconciler) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
