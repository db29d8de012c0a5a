// Package turn holds the per-question state of the quiz: whether transcript
// events may affect the visible answer, whether the skip command has fired,
// and when a finalized answer should auto-submit.
package turn

import (
	"sync"
	"time"
)

const (
	DefaultInterimGrace = 150 * time.Millisecond
	DefaultFinalGrace   = 300 * time.Millisecond
)

// TranscriptEvent is a transient recognition result. Never persisted.
type TranscriptEvent struct {
	Final bool
	Text  string
	At    time.Time
}

// ArmingGate decides whether incoming transcript events are allowed to
// update the visible answer or trigger command/submit logic. Arming happens
// only after the question's narration finishes, so the recognizer cannot
// "hear" the tail of the synthesized question itself.
type ArmingGate struct {
	mu           sync.Mutex
	armed        bool
	armedAt      time.Time
	questionKey  string
	interimGrace time.Duration
	finalGrace   time.Duration
	now          func() time.Time
}

type ArmingConfig struct {
	InterimGrace time.Duration
	FinalGrace   time.Duration
}

func NewArmingGate(cfg ArmingConfig) *ArmingGate {
	if cfg.InterimGrace <= 0 {
		cfg.InterimGrace = DefaultInterimGrace
	}
	if cfg.FinalGrace <= 0 {
		cfg.FinalGrace = DefaultFinalGrace
	}
	return &ArmingGate{
		interimGrace: cfg.InterimGrace,
		finalGrace:   cfg.FinalGrace,
		now:          time.Now,
	}
}

// Arm opens the gate for one question. The key is the composite identity of
// (player, question set, letter, ring position); commands and submissions
// fire at most once per key even if the recognizer restarts mid-question.
func (g *ArmingGate) Arm(questionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.armedAt = g.now()
	g.questionKey = questionKey
}

func (g *ArmingGate) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	g.questionKey = ""
}

func (g *ArmingGate) IsArmed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed
}

// QuestionKey returns the key of the armed question, or "" when disarmed.
func (g *ArmingGate) QuestionKey() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return ""
	}
	return g.questionKey
}

// AcceptEvent reports whether the event may take effect. Events arriving
// inside the short grace window right after arming are stale residue from
// audio buffered during the narration-to-listening transition and are
// rejected.
func (g *ArmingGate) AcceptEvent(ev TranscriptEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return false
	}
	grace := g.interimGrace
	if ev.Final {
		grace = g.finalGrace
	}
	at := ev.At
	if at.IsZero() {
		at = g.now()
	}
	return at.Sub(g.armedAt) >= grace
}
