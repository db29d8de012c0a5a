package session

import (
	"strings"

	"github.com/pasavoz/pasavoz/pkg/match"
)

// BuildHints assembles the phrase-bias list for one question: the expected
// answer as written, its diacritic-free form, simple plural variants, and
// the host-command vocabulary so the skip command is recognized reliably.
// The result is deduplicated and free of empty entries.
func BuildHints(expected string, commandWords []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}

	add(expected)
	add(match.StripDiacritics(expected))
	for _, v := range pluralVariants(expected) {
		add(v)
	}
	for _, w := range commandWords {
		add(w)
	}
	return out
}

// pluralVariants produces naive Spanish plural/singular forms of the last
// word. The recognizer only needs rough bias; matching handles the rest.
func pluralVariants(s string) []string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil
	}
	var out []string
	switch {
	case strings.HasSuffix(s, "es") && len(s) > 4:
		out = append(out, strings.TrimSuffix(s, "es"))
	case strings.HasSuffix(s, "s") && len(s) > 3:
		out = append(out, strings.TrimSuffix(s, "s"))
	default:
		last := s[len(s)-1]
		if last == 'a' || last == 'e' || last == 'i' || last == 'o' || last == 'u' {
			out = append(out, s+"s")
		} else {
			out = append(out, s+"es")
		}
	}
	return out
}
