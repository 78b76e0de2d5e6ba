package reconcile

import (
	"strings"

	"github.com/harunnryd/livetag/pkg/frames"
)

// DefaultFillers maps a canonical filler to the recognizer spellings that
// are rewritten to it.
func DefaultFillers() map[string][]string {
	return map[string][]string{
		"uh-huh": {"mmhm", "aha", "uhhuh"},
		"uh":     {"%HESITATION"},
	}
}

// Normalizer rewrites recognizer-specific filler spellings to their
// canonical form. Matching is exact after trimming spaces. Commas and line
// breaks inside a word become '_' so the word fits one field of a tag line.
type Normalizer struct {
	table map[string]string
}

func NewNormalizer(fillers map[string][]string) *Normalizer {
	if fillers == nil {
		fillers = DefaultFillers()
	}
	table := make(map[string]string)
	for canonical, spellings := range fillers {
		for _, s := range spellings {
			s = strings.TrimSpace(s)
			if s != "" {
				table[s] = canonical
			}
		}
	}
	return &Normalizer{table: table}
}

func (n *Normalizer) Normalize(word string) string {
	word = frames.SanitizeField(strings.TrimSpace(word))
	if n == nil {
		return word
	}
	if canonical, ok := n.table[word]; ok {
		return canonical
	}
	return word
}
