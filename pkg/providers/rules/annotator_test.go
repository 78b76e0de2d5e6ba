package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
)

func newAnnotator(t *testing.T, cfg Config) *Annotator {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a
}

func TestEditTermsAndFluentWords(t *testing.T) {
	a := newAnnotator(t, Config{})
	for _, w := range []string{"so", "uh", "yes"} {
		if _, err := a.Tag(w, 0.3); err != nil {
			t.Fatalf("tag: %v", err)
		}
	}
	got := a.OutputTags(true)
	want := []string{"so\t<f/>", "uh\t<e/>", "yes\t<f/>"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRepetitionRevisesEarlierTag(t *testing.T) {
	a := newAnnotator(t, Config{})
	_, _ = a.Tag("i", 0.2)
	_, _ = a.Tag("uh", 0.2)
	tags, _ := a.Tag("I", 0.2)
	if len(tags) != 3 || tags[0] != `<rms id="0"/>` || tags[2] != `<rps id="0"/>` {
		t.Fatalf("unexpected revision %v", tags)
	}

	if err := a.Rollback(1); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	out := a.OutputTags(false)
	if len(out) != 2 || out[0] != TagFluent {
		t.Fatalf("expected revision undone, got %v", out)
	}
}

func TestPauseMarksPreviousWord(t *testing.T) {
	a := newAnnotator(t, Config{PauseThreshold: 1})
	_, _ = a.Tag("okay", 0.4)
	tags, _ := a.Tag("right", 2.5)
	if len(tags) != 2 || tags[0] != "<f/><tc/>" || tags[1] != TagFluent {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestRollbackRangeAndReset(t *testing.T) {
	a := newAnnotator(t, Config{})
	_, _ = a.Tag("one", 0.1)
	if err := a.Rollback(2); !errors.Is(err, annotator.ErrRollbackRange) {
		t.Fatalf("expected range error, got %v", err)
	}
	a.Reset()
	if len(a.OutputTags(false)) != 0 {
		t.Fatalf("expected empty output after reset")
	}
}

func TestFactoryDecodesSettings(t *testing.T) {
	start := time.Now()
	ann, err := Factory(context.Background(), map[string]any{
		"edit_terms": []any{"hmm"},
		"warmup_ms":  20,
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected warmup delay")
	}
	tags, _ := ann.Tag("hmm", 0)
	if tags[0] != TagEdit {
		t.Fatalf("expected configured edit term, got %v", tags)
	}
	if _, err := Factory(context.Background(), map[string]any{"model": "x"}); err == nil {
		t.Fatalf("expected unknown setting error")
	}
}
