package annotator

import (
	"context"
	"errors"
)

// Annotator tags a growing word sequence incrementally. Implementations are
// expensive to build and hold per-stream state, so they are pooled and
// leased to exactly one session at a time.
type Annotator interface {
	Name() string
	// Tag consumes the next word with its timing (seconds since the previous
	// word ended) and returns the tags it produced or revised. They are the
	// last len(tags) entries of OutputTags.
	Tag(word string, timing float64) ([]string, error)
	// Rollback forgets the last n words and their tags.
	Rollback(n int) error
	// OutputTags returns every current tag; withWords renders "word\ttag".
	OutputTags(withWords bool) []string
	// Reset clears all per-stream state.
	Reset()
}

// Factory builds one annotator from provider settings.
type Factory func(ctx context.Context, settings map[string]any) (Annotator, error)

// ErrRollbackRange is returned when Rollback asks for more words than the
// annotator has consumed.
var ErrRollbackRange = errors.New("rollback beyond annotator history")
