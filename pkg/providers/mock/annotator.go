package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
)

type AnnotatorConfig struct {
	// Tag is returned for every word; defaults to "<f/>".
	Tag string `mapstructure:"tag"`
	// Tags overrides Tag for specific words.
	Tags map[string]string `mapstructure:"tags"`
	// FailOn makes Tag fail for this word.
	FailOn string `mapstructure:"fail_on"`
}

// Call is one recorded annotator interaction.
type Call struct {
	Op     string
	Word   string
	Timing float64
	N      int
}

// Annotator tags words from a fixed table and records every call.
type Annotator struct {
	cfg AnnotatorConfig

	mu     sync.Mutex
	words  []string
	tags   []string
	calls  []Call
	resets int
}

func NewAnnotator(cfg AnnotatorConfig) *Annotator {
	if cfg.Tag == "" {
		cfg.Tag = "<f/>"
	}
	return &Annotator{cfg: cfg}
}

func (a *Annotator) Name() string { return "mock_annotator" }

func (a *Annotator) Tag(word string, timing float64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Op: "tag", Word: word, Timing: timing})
	if a.cfg.FailOn != "" && word == a.cfg.FailOn {
		return nil, errors.New("mock annotator failure")
	}
	tag := a.cfg.Tag
	if t, ok := a.cfg.Tags[word]; ok {
		tag = t
	}
	a.words = append(a.words, word)
	a.tags = append(a.tags, tag)
	return []string{tag}, nil
}

func (a *Annotator) Rollback(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Op: "rollback", N: n})
	if n < 0 || n > len(a.tags) {
		return fmt.Errorf("%w: %d of %d", annotator.ErrRollbackRange, n, len(a.tags))
	}
	a.words = a.words[:len(a.words)-n]
	a.tags = a.tags[:len(a.tags)-n]
	return nil
}

func (a *Annotator) OutputTags(withWords bool) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
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

func (a *Annotator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Call{Op: "reset"})
	a.words = nil
	a.tags = nil
	a.resets++
}

// Calls returns a copy of the recorded calls.
func (a *Annotator) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

func (a *Annotator) Resets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

var _ annotator.Annotator = (*Annotator)(nil)
