package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/livetag/pkg/adapters/annotator"
	"github.com/harunnryd/livetag/pkg/configutil"
)

const (
	TagFluent   = "<f/>"
	TagEdit     = "<e/>"
	TagTurnEnd  = "<tc/>"
	repairStart = `<rms id="%d"/>`
	repairEnd   = `<rps id="%d"/>`
)

type Config struct {
	EditTerms []string `mapstructure:"edit_terms"`
	// PauseThreshold in seconds; a longer gap before a word marks the
	// previous word as turn-final. Zero disables it.
	PauseThreshold float64 `mapstructure:"pause_threshold"`
	WarmupMS       int     `mapstructure:"warmup_ms"`
}

var defaultEditTerms = []string{"uh", "um", "uh-huh", "er"}

func SettingsSchema() configutil.Schema {
	return configutil.Schema{Optional: []string{"edit_terms", "pause_threshold", "warmup_ms"}}
}

// revision remembers a tag that a later word overwrote.
type revision struct {
	index int
	prev  string
}

// Annotator is a lightweight disfluency tagger: edit terms, immediate
// repetitions and long pauses.
type Annotator struct {
	edit  map[string]struct{}
	pause float64

	mu      sync.Mutex
	words   []string
	tags    []string
	history [][]revision
}

// New builds an annotator, sleeping WarmupMS first to stand in for model
// loading.
func New(ctx context.Context, cfg Config) (*Annotator, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.WarmupMS > 0 {
		timer := time.NewTimer(time.Duration(cfg.WarmupMS) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	terms := cfg.EditTerms
	if len(terms) == 0 {
		terms = defaultEditTerms
	}
	edit := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		edit[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return &Annotator{edit: edit, pause: cfg.PauseThreshold}, nil
}

// Factory decodes provider settings and builds an annotator.
func Factory(ctx context.Context, settings map[string]any) (annotator.Annotator, error) {
	if err := configutil.ValidateSettings(settings, SettingsSchema()); err != nil {
		return nil, fmt.Errorf("rules settings: %w", err)
	}
	var cfg Config
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return nil, fmt.Errorf("rules settings: %w", err)
	}
	return New(ctx, cfg)
}

func (a *Annotator) Name() string { return "rules" }

func (a *Annotator) Tag(word string, timing float64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := len(a.words)
	norm := strings.ToLower(strings.TrimSpace(word))
	var revs []revision
	first := idx

	if a.pause > 0 && idx > 0 && timing > a.pause && !strings.HasSuffix(a.tags[idx-1], TagTurnEnd) {
		revs = append(revs, revision{index: idx - 1, prev: a.tags[idx-1]})
		a.tags[idx-1] += TagTurnEnd
		first = idx - 1
	}

	tag := TagFluent
	if _, ok := a.edit[norm]; ok {
		tag = TagEdit
	} else if j := a.previousContent(); j >= 0 && strings.ToLower(a.words[j]) == norm {
		revs = append(revs, revision{index: j, prev: a.tags[j]})
		a.tags[j] = fmt.Sprintf(repairStart, j) + turnSuffix(a.tags[j])
		tag = fmt.Sprintf(repairEnd, j)
		first = min(first, j)
	}

	a.words = append(a.words, word)
	a.tags = append(a.tags, tag)
	a.history = append(a.history, revs)
	return append([]string(nil), a.tags[first:]...), nil
}

// previousContent returns the index of the last word that is not an edit
// term, or -1.
func (a *Annotator) previousContent() int {
	for i := len(a.words) - 1; i >= 0; i-- {
		if _, ok := a.edit[strings.ToLower(a.words[i])]; !ok {
			return i
		}
	}
	return -1
}

func turnSuffix(tag string) string {
	if strings.HasSuffix(tag, TagTurnEnd) {
		return TagTurnEnd
	}
	return ""
}

func (a *Annotator) Rollback(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n > len(a.words) {
		return fmt.Errorf("%w: %d of %d", annotator.ErrRollbackRange, n, len(a.words))
	}
	for k := 0; k < n; k++ {
		last := len(a.words) - 1
		revs := a.history[last]
		for i := len(revs) - 1; i >= 0; i-- {
			a.tags[revs[i].index] = revs[i].prev
		}
		a.words = a.words[:last]
		a.tags = a.tags[:last]
		a.history = a.history[:last]
	}
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
	a.words = nil
	a.tags = nil
	a.history = nil
	a.mu.Unlock()
}

var _ annotator.Annotator = (*Annotator)(nil)
