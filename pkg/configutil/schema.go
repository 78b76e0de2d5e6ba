package configutil

import (
	"slices"
	"strings"
)

// Schema lists the settings keys a provider accepts.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every problem of a settings map at once.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// Keys returns every accepted key, required first.
func (s Schema) Keys() []string {
	return append(slices.Clone(s.Required), s.Optional...)
}

// ValidateSettings checks input against schema. Key matching ignores case,
// underscores and hyphens; a required key holding a blank string counts as
// missing. The error, when not nil, is a *SettingsError.
func ValidateSettings(input map[string]any, schema Schema) error {
	accepted := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		accepted[normalizeKey(k)] = false
	}
	for _, k := range schema.Required {
		accepted[normalizeKey(k)] = true
	}

	present := make(map[string]any, len(input))
	report := &SettingsError{}
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := accepted[nk]; !ok && !schema.AllowUnknown {
			report.Unknown = append(report.Unknown, k)
		}
	}
	for _, k := range schema.Required {
		v, ok := present[normalizeKey(k)]
		if !ok || blank(v) {
			report.Missing = append(report.Missing, k)
		}
	}
	if len(report.Missing) == 0 && len(report.Unknown) == 0 {
		return nil
	}
	slices.Sort(report.Missing)
	slices.Sort(report.Unknown)
	return report
}

func blank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
