package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode"
)

var enabled atomic.Bool

const (
	emailMask  = "[REDACTED_EMAIL]"
	numberMask = "[REDACTED_NUMBER]"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	// digit runs long enough to be phone, card or account numbers
	digitsRe = regexp.MustCompile(`\+?\d[\d\s\-]{6,}\d`)
)

// Recognizers often transcribe numbers one spoken digit at a time.
var spokenDigits = map[string]bool{
	"zero": true, "oh": true, "one": true, "two": true, "three": true, "four": true,
	"five": true, "six": true, "seven": true, "eight": true, "nine": true,
}

// minSpokenRun is the shortest run of spoken digits that gets masked.
const minSpokenRun = 4

func SetEnabled(v bool) { enabled.Store(v) }

func Enabled() bool { return enabled.Load() }

// Text masks emails, digit runs and runs of spoken digits in a transcript
// fragment. It is the identity while redaction is disabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, emailMask)
	out = digitsRe.ReplaceAllString(out, numberMask)
	return maskSpokenRuns(out)
}

func maskSpokenRuns(in string) string {
	fields := strings.Fields(in)
	out := make([]string, 0, len(fields))
	run := 0
	flush := func(end int) {
		if run >= minSpokenRun {
			out = append(out, numberMask)
		} else {
			out = append(out, fields[end-run:end]...)
		}
		run = 0
	}
	for i, f := range fields {
		if spokenDigits[strings.ToLower(strings.Trim(f, ".,"))] {
			run++
			continue
		}
		flush(i)
		out = append(out, f)
	}
	flush(len(fields))
	return strings.Join(out, " ")
}

// Word masks one transcript word for logs: the first rune and the length
// survive, digits are always masked.
func Word(in string) string {
	if !enabled.Load() || in == "" {
		return in
	}
	var b strings.Builder
	for i, r := range []rune(in) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune('#')
		case i == 0:
			b.WriteRune(r)
		default:
			b.WriteRune('*')
		}
	}
	return b.String()
}
