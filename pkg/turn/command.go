package turn

import (
	"strings"
	"sync"

	"github.com/pasavoz/pasavoz/pkg/match"
)

// DefaultCommandPhrase is the spoken skip command of the ring quiz.
const DefaultCommandPhrase = "paso palabra"

// CommandDetector decides whether transcript text constitutes the skip
// command. Detection is a pure function of the text; the fired-once-per-
// question bookkeeping lives in the latch below.
type CommandDetector struct {
	phrase string
	words  map[string]bool
}

// NewCommandDetector builds a detector for the given phrase plus optional
// aliases the recognizer is known to produce for it (the ring quiz command
// is usually heard as the single token "pasapalabra").
func NewCommandDetector(phrase string, aliases ...string) *CommandDetector {
	phrase = match.Normalize(phrase)
	if phrase == "" {
		phrase = DefaultCommandPhrase
		if len(aliases) == 0 {
			aliases = []string{"pasapalabra"}
		}
	}
	words := map[string]bool{
		// The joined form shows up when the recognizer hears the phrase as
		// one token.
		strings.ReplaceAll(phrase, " ", ""): true,
	}
	for _, w := range strings.Fields(phrase) {
		words[w] = true
	}
	for _, a := range aliases {
		if a = match.Normalize(a); a != "" {
			words[a] = true
		}
	}
	return &CommandDetector{phrase: phrase, words: words}
}

// Detect tests whole-word membership: the exact phrase, either constituent
// word standing alone, or the joined form. Whole words only, so unrelated
// text merely containing a command substring never fires.
func (d *CommandDetector) Detect(text string) bool {
	norm := match.Normalize(text)
	if norm == "" {
		return false
	}
	if strings.Contains(" "+norm+" ", " "+d.phrase+" ") {
		return true
	}
	for _, w := range strings.Fields(norm) {
		if d.words[w] {
			return true
		}
	}
	return false
}

// CommandVocabulary returns the words a recognizer should be biased toward.
func (d *CommandDetector) CommandVocabulary() []string {
	out := make([]string, 0, len(d.words))
	for w := range d.words {
		out = append(out, w)
	}
	return out
}

// CommandLatch makes command firing idempotent per question: first match
// wins, later matches for the same key are ignored.
type CommandLatch struct {
	mu    sync.Mutex
	fired map[string]bool
}

func NewCommandLatch() *CommandLatch {
	return &CommandLatch{fired: make(map[string]bool)}
}

// Fire returns true exactly once per question key.
func (l *CommandLatch) Fire(questionKey string) bool {
	if questionKey == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired[questionKey] {
		return false
	}
	l.fired[questionKey] = true
	return true
}

// Reset forgets all fired keys, typically at game end.
func (l *CommandLatch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = make(map[string]bool)
}
