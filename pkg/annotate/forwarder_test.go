package annotate

import (
	"errors"
	"strconv"
	"testing"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/errorsx"
	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/reconcile"
)

// fakeAnnotator tags every word "<f/>" and, when reviseOn matches, also
// revises the previous tag to "<rms/>".
type fakeAnnotator struct {
	words     []string
	tags      []string
	timings   []float64
	rollbacks []int
	reviseOn  string
	failOn    string
}

func (a *fakeAnnotator) Name() string { return "fake" }

func (a *fakeAnnotator) Tag(word string, timing float64) ([]string, error) {
	if word == a.failOn {
		return nil, errors.New("model crashed")
	}
	a.words = append(a.words, word)
	a.timings = append(a.timings, timing)
	a.tags = append(a.tags, "<f/>")
	if word == a.reviseOn && len(a.tags) > 1 {
		a.tags[len(a.tags)-2] = "<rms/>"
		return append([]string(nil), a.tags[len(a.tags)-2:]...), nil
	}
	return []string{"<f/>"}, nil
}

func (a *fakeAnnotator) Rollback(n int) error {
	if n > len(a.tags) {
		return annotator.ErrRollbackRange
	}
	a.rollbacks = append(a.rollbacks, n)
	a.words = a.words[:len(a.words)-n]
	a.tags = a.tags[:len(a.tags)-n]
	a.timings = a.timings[:len(a.timings)-n]
	return nil
}

func (a *fakeAnnotator) OutputTags(withWords bool) []string {
	out := make([]string, len(a.tags))
	for i, t := range a.tags {
		if withWords {
			out[i] = a.words[i] + "\t" + t
		} else {
			out[i] = t
		}
	}
	return out
}

func (a *fakeAnnotator) Reset() {
	a.words, a.tags, a.timings, a.rollbacks = nil, nil, nil, nil
}

type harness struct {
	rec *reconcile.Reconciler
	fwd *Forwarder
	ann *fakeAnnotator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ann := &fakeAnnotator{}
	h := &harness{rec: reconcile.New("s1"), fwd: NewForwarder("s1", ann), ann: ann}
	if err := h.rec.Enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := h.fwd.Enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	return h
}

func (h *harness) feed(t *testing.T, resultIndex int, spans ...frames.WordSpan) ([]string, int) {
	t.Helper()
	commits, err := h.rec.Process(frames.NewHypothesisFrame("s1", 0, resultIndex, spans, nil))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	var lines []string
	rollback := 0
	for _, c := range commits {
		out, err := h.fwd.Process(c)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		for _, f := range out {
			switch v := f.(type) {
			case frames.TagFrame:
				lines = append(lines, v.Line().String())
			case frames.ControlFrame:
				if v.Code() == frames.ControlRollback {
					rollback, _ = strconv.Atoi(v.Meta()[frames.MetaRollback])
				}
			}
		}
	}
	return lines, rollback
}

func span(word string, start, end float64) frames.WordSpan {
	return frames.WordSpan{Word: word, Start: start, End: end}
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestForwarderRollbackExample(t *testing.T) {
	h := newHarness(t)
	lines, rollback := h.feed(t, 0, span("hello", 0, 1), span("my", 1, 2), span("name", 2, 3))
	want := []string{"0,1,hello,<f/>", "1,2,my,<f/>", "2,3,name,<f/>"}
	if rollback != 0 || !equalLines(lines, want) {
		t.Fatalf("first batch: got %v rollback %d", lines, rollback)
	}

	lines, rollback = h.feed(t, 0, span("hello", 0.5, 1), span("my", 1, 2), span("bame", 2, 3))
	if rollback != 1 {
		t.Fatalf("expected rollback 1, got %d", rollback)
	}
	if !equalLines(lines, []string{"2,3,bame,<f/>"}) {
		t.Fatalf("expected bame re-tagged, got %v", lines)
	}
	if len(h.ann.words) != 3 || h.ann.words[2] != "bame" {
		t.Fatalf("unexpected annotator words %v", h.ann.words)
	}
	if h.ann.timings[2] != 1 {
		t.Fatalf("expected timing relative to previous end, got %v", h.ann.timings)
	}
	graph := h.fwd.Graph()
	if len(graph) != 3 || graph[0].Start != 0.5 {
		t.Fatalf("expected graph to carry revised timing, got %+v", graph)
	}
}

func TestForwarderIdempotentReplayEmitsNothing(t *testing.T) {
	h := newHarness(t)
	batch := []frames.WordSpan{span("hello", 0, 1), span("my", 1, 2)}
	h.feed(t, 0, batch...)
	lines, rollback := h.feed(t, 0, batch...)
	if len(lines) != 0 || rollback != 0 {
		t.Fatalf("expected nothing on replay, got %v rollback %d", lines, rollback)
	}
	if len(h.ann.words) != 2 {
		t.Fatalf("annotator must not be re-fed, got %v", h.ann.words)
	}
}

func TestForwarderRevisionOfEarlierTag(t *testing.T) {
	h := newHarness(t)
	h.ann.reviseOn = "the"
	h.feed(t, 0, span("the", 0, 0.5))
	lines, _ := h.feed(t, 0, span("the", 0.1, 0.5))
	if len(lines) != 0 {
		t.Fatalf("timing-only revision must emit nothing, got %v", lines)
	}
	lines, rollback := h.feed(t, 1, span("the", 1.2, 1.5))
	if rollback != 0 {
		t.Fatalf("unexpected rollback %d", rollback)
	}
	want := []string{"0.1,0.5,the,<rms/>", "1.2,1.5,the,<f/>"}
	if !equalLines(lines, want) {
		t.Fatalf("expected revised earlier tag re-emitted, got %v", lines)
	}
}

func TestForwarderShorterRevisionRollsBack(t *testing.T) {
	h := newHarness(t)
	h.feed(t, 0, span("a", 0, 1), span("b", 1, 2), span("c", 2, 3))
	lines, rollback := h.feed(t, 0, span("a", 0, 1.5))
	if rollback != 2 || len(lines) != 0 {
		t.Fatalf("expected rollback 2 and no lines, got %v rollback %d", lines, rollback)
	}
	lines, rollback = h.feed(t, 0, span("b", 1.5, 2.5))
	if rollback != 0 || !equalLines(lines, []string{"1.5,2.5,b,<f/>"}) {
		t.Fatalf("expected b tagged again, got %v rollback %d", lines, rollback)
	}
}

func TestForwarderAnnotatorFaultIsWorkerFault(t *testing.T) {
	h := newHarness(t)
	h.ann.failOn = "boom"
	commits, _ := h.rec.Process(frames.NewHypothesisFrame("s1", 0, 0, []frames.WordSpan{span("boom", 0, 1)}, nil))
	var err error
	for _, c := range commits {
		if _, err = h.fwd.Process(c); err != nil {
			break
		}
	}
	if !errorsx.HasReason(err, errorsx.ReasonWorkerFault) {
		t.Fatalf("expected worker fault, got %v", err)
	}
}

func TestForwarderFlushesBeforePassthrough(t *testing.T) {
	h := newHarness(t)
	_, _ = h.fwd.Process(frames.NewCommitFrame("s1", 0, frames.Commit{ID: 0, Word: "hi", Start: 0, End: 0.25}, nil))
	out, err := h.fwd.Process(frames.NewSystemFrame("s1", 1, "eos", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 || out[0].Kind() != frames.KindTag || out[1].Kind() != frames.KindSystem {
		t.Fatalf("expected tag line then passthrough, got %+v", out)
	}
	if got := out[0].(frames.TagFrame).Line().String(); got != "0,0.25,hi,<f/>" {
		t.Fatalf("unexpected line %q", got)
	}
}
