package reconcile

import (
	"testing"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
)

func spans(items ...any) []frames.WordSpan {
	out := make([]frames.WordSpan, 0, len(items)/3)
	for i := 0; i+2 < len(items); i += 3 {
		out = append(out, frames.WordSpan{
			Word:  items[i].(string),
			Start: items[i+1].(float64),
			End:   items[i+2].(float64),
		})
	}
	return out
}

func ids(commits []frames.Commit) []int {
	out := make([]int, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.ID)
	}
	return out
}

func equalInts(a, b []int) bool {
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

func newReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r := New("s1")
	if err := r.Enter(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	return r
}

func TestReconcilerRevisionReusesID(t *testing.T) {
	r := newReconciler(t)
	first := r.Apply(0, spans("hello", 0.0, 1.0, "my", 1.0, 2.0, "name", 2.0, 3.0))
	if !equalInts(ids(first), []int{0, 1, 2}) {
		t.Fatalf("expected ids 0,1,2 got %v", ids(first))
	}

	second := r.Apply(0, spans("hello", 0.5, 1.0, "my", 1.0, 2.0, "bame", 2.0, 3.0))
	if !equalInts(ids(second), []int{0, 1, 2}) {
		t.Fatalf("expected ids 0,1,2 got %v", ids(second))
	}
	mem := r.Memory()
	if len(mem) != 3 || mem[0].Start != 0.5 || mem[2].Word != "bame" {
		t.Fatalf("unexpected memory %+v", mem)
	}
	if r.NextID() != 3 {
		t.Fatalf("expected next id 3, got %d", r.NextID())
	}
}

func TestReconcilerOverlapTruncatesLaterWords(t *testing.T) {
	r := newReconciler(t)
	r.Apply(0, spans("hello", 0.0, 1.0, "my", 1.0, 2.0, "bame", 2.0, 3.0))
	out := r.Apply(0, spans("once", 3.4, 4.0, "upon", 4.2, 4.6, "on", 4.3, 4.8))
	if !equalInts(ids(out), []int{3, 4, 4}) {
		t.Fatalf("expected ids 3,4,4 got %v", ids(out))
	}
	mem := r.Memory()
	if len(mem) != 5 || mem[4].Word != "on" || mem[4].ID != 4 {
		t.Fatalf("unexpected memory %+v", mem)
	}
	if r.NextID() != 5 {
		t.Fatalf("expected next id 5, got %d", r.NextID())
	}
}

func TestReconcilerIdempotentReplay(t *testing.T) {
	r := newReconciler(t)
	batch := spans("hello", 0.0, 1.0, "my", 1.0, 2.0)
	r.Apply(0, batch)
	before := r.Memory()
	out := r.Apply(0, batch)
	if !equalInts(ids(out), []int{0, 1}) {
		t.Fatalf("expected replay to reuse ids, got %v", ids(out))
	}
	after := r.Memory()
	if len(after) != len(before) {
		t.Fatalf("memory changed on replay: %+v", after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("memory changed on replay: %+v vs %+v", before, after)
		}
	}
	if r.NextID() != 2 {
		t.Fatalf("expected next id 2, got %d", r.NextID())
	}
}

func TestReconcilerResultIndexClearsMemory(t *testing.T) {
	r := newReconciler(t)
	r.Apply(0, spans("hello", 0.0, 1.0, "my", 1.0, 2.0))
	out := r.Apply(1, spans("my", 1.5, 2.5))
	if !equalInts(ids(out), []int{2}) {
		t.Fatalf("expected new id 2 after finalization, got %v", ids(out))
	}
	if r.ResultIndex() != 1 || len(r.Memory()) != 1 {
		t.Fatalf("expected memory cleared, got %+v", r.Memory())
	}

	r.Apply(2, nil)
	if len(r.Memory()) != 0 || r.ResultIndex() != 2 {
		t.Fatalf("expected empty batch to clear on index advance")
	}
	if r.NextID() != 3 {
		t.Fatalf("counter must not reset, got %d", r.NextID())
	}
}

func TestReconcilerDropsUnmatchedSpan(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	r := New("s1", WithObserver(obs))
	_ = r.Enter()
	r.Apply(0, spans("a", 0.0, 1.0, "b", 2.0, 3.0))
	out := r.Apply(0, spans("gap", 1.0, 2.0))
	if len(out) != 0 {
		t.Fatalf("expected drop, got %+v", out)
	}
	if r.Dropped() != 1 || len(r.Memory()) != 2 {
		t.Fatalf("expected memory untouched and one drop")
	}
	ev, ok := obs.Last("reconcile_span")
	if !ok || ev.Tags["class"] != string(ClassDropped) {
		t.Fatalf("expected dropped classification event, got %+v", ev)
	}
}

func TestReconcilerRelabelZeroLengthSpan(t *testing.T) {
	r := newReconciler(t)
	r.Apply(0, spans("a", 1.0, 1.0, "b", 1.0, 2.0))
	out := r.Apply(0, spans("x", 1.0, 1.0))
	if !equalInts(ids(out), []int{0}) {
		t.Fatalf("expected relabel of id 0, got %v", ids(out))
	}
}

func TestReconcilerIDsMonotonicWithinFinalizedRun(t *testing.T) {
	r := newReconciler(t)
	seen := -1
	for i := 0; i < 5; i++ {
		start := float64(i)
		out := r.Apply(i, spans("w", start, start+0.5))
		if len(out) != 1 || out[0].ID <= seen {
			t.Fatalf("expected increasing id, got %+v after %d", out, seen)
		}
		seen = out[0].ID
	}
}

func TestReconcilerProcessEmitsBatchEnd(t *testing.T) {
	r := newReconciler(t)
	out, err := r.Process(frames.NewHypothesisFrame("s1", 1, 0, spans("mmhm", 0.0, 0.4, "%HESITATION", 0.4, 0.8), nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 2 commits and batch end, got %d", len(out))
	}
	if c := out[0].(frames.CommitFrame).Commit(); c.Word != "uh-huh" || c.ID != 0 {
		t.Fatalf("unexpected first commit %+v", c)
	}
	if c := out[1].(frames.CommitFrame).Commit(); c.Word != "uh" || c.ID != 1 {
		t.Fatalf("unexpected second commit %+v", c)
	}
	if ctrl, ok := out[2].(frames.ControlFrame); !ok || ctrl.Code() != frames.ControlBatchEnd {
		t.Fatalf("expected batch end, got %+v", out[2])
	}

	empty, _ := r.Process(frames.NewHypothesisFrame("s1", 2, 0, nil, nil))
	if len(empty) != 0 {
		t.Fatalf("expected no frames for empty batch")
	}
	sys := frames.NewSystemFrame("s1", 3, "eos", nil)
	pass, _ := r.Process(sys)
	if len(pass) != 1 || pass[0].Kind() != frames.KindSystem {
		t.Fatalf("expected passthrough of non-hypothesis frames")
	}
}

func TestReconcilerEnterResets(t *testing.T) {
	r := newReconciler(t)
	r.Apply(3, spans("a", 0.0, 1.0))
	_ = r.Enter()
	if r.NextID() != 0 || r.ResultIndex() != 0 || len(r.Memory()) != 0 {
		t.Fatalf("expected fresh state after enter")
	}
}

func TestNormalizerCustomTable(t *testing.T) {
	n := NewNormalizer(map[string][]string{"um": {"erm", " umm "}})
	if n.Normalize("umm") != "um" || n.Normalize("erm") != "um" {
		t.Fatalf("expected custom fillers to normalize")
	}
	if n.Normalize("mmhm") != "mmhm" {
		t.Fatalf("custom table replaces defaults")
	}
}

func TestNormalizerReplacesSeparators(t *testing.T) {
	n := NewNormalizer(nil)
	if got := n.Normalize(" 1,000 "); got != "1_000" {
		t.Fatalf("unexpected word %q", got)
	}
	if got := n.Normalize("new\nline"); got != "new_line" {
		t.Fatalf("unexpected word %q", got)
	}
	if got := n.Normalize("%HESITATION"); got != "uh" {
		t.Fatalf("unexpected filler %q", got)
	}
}
