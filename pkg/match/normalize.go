package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// leadingArticles are Spanish articles and contractions stripped from the
// front of spoken text before comparison ("el gato" vs "gato").
var leadingArticles = map[string]bool{
	"el":   true,
	"la":   true,
	"los":  true,
	"las":  true,
	"un":   true,
	"una":  true,
	"unos": true,
	"unas": true,
	"al":   true,
	"del":  true,
	"lo":   true,
}

var diacriticStripper = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// StripDiacritics removes combining marks: "pingüino" -> "pinguino",
// "delfín" -> "delfin". Falls back to the input if the transform fails.
func StripDiacritics(s string) string {
	out, _, err := transform.String(diacriticStripper, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize prepares text for comparison: NFD-decompose and strip
// diacritics, case-fold, drop punctuation, collapse whitespace, and strip
// leading articles.
func Normalize(s string) string {
	s = strings.ToLower(StripDiacritics(s))
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	words := strings.Fields(b.String())
	for len(words) > 1 && leadingArticles[words[0]] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}
