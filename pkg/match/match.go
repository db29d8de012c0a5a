// Package match scores a spoken transcript against the expected quiz answer.
// Everything here is pure and total: no state, no error paths.
package match

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	// DefaultFuzzyThreshold is the minimum normalized Levenshtein
	// similarity accepted for single-word answers. Tuned empirically.
	DefaultFuzzyThreshold = 0.6
	// DefaultFuzzyMinLen is the minimum word length (both sides) before
	// fuzzy matching applies; shorter words are too easy to collide.
	DefaultFuzzyMinLen = 4
)

type Options struct {
	FuzzyThreshold float64
	FuzzyMinLen    int
}

func (o Options) withDefaults() Options {
	if o.FuzzyThreshold <= 0 {
		o.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if o.FuzzyMinLen <= 0 {
		o.FuzzyMinLen = DefaultFuzzyMinLen
	}
	return o
}

// IsMatch reports whether the spoken transcript counts as the expected
// answer, with diacritic, article, plural and small-transcription-error
// tolerance. Empty input never matches.
func IsMatch(spoken, expected string) bool {
	return IsMatchWithOptions(spoken, expected, Options{})
}

func IsMatchWithOptions(spoken, expected string, opts Options) bool {
	opts = opts.withDefaults()
	s := Normalize(spoken)
	e := Normalize(expected)
	if s == "" || e == "" {
		return false
	}
	if s == e {
		return true
	}
	// "the answer is X" style responses.
	if strings.Contains(s, e) {
		return true
	}
	// Singular/plural tolerance, applied both ways so argument order does
	// not matter.
	if singularize(s) == singularize(e) {
		return true
	}
	// Fuzzy edit distance for short single-word answers only.
	if !strings.ContainsRune(s, ' ') && !strings.ContainsRune(e, ' ') &&
		len([]rune(s)) >= opts.FuzzyMinLen && len([]rune(e)) >= opts.FuzzyMinLen {
		return similarity(s, e) >= opts.FuzzyThreshold
	}
	return false
}

func singularize(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		switch {
		case len(r) > 4 && strings.HasSuffix(w, "es"):
			words[i] = string(r[:len(r)-2])
		case len(r) > 3 && strings.HasSuffix(w, "s"):
			words[i] = string(r[:len(r)-1])
		}
	}
	return strings.Join(words, " ")
}

func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
