// Package gate decides, frame by frame, whether captured audio is forwarded
// to the recognizer or replaced with silence. The gate is held closed while
// the game's own speech synthesis is playing so the question narration never
// leaks into recognition.
package gate

import (
	"sync"
	"time"

	"github.com/pasavoz/pasavoz/pkg/frames"
)

const (
	DefaultThresholdDB = -45.0
	DefaultHangover    = 300 * time.Millisecond
)

type Config struct {
	// ThresholdDB is the loudness floor (dBFS) above which frames are
	// forwarded while the gate is open.
	ThresholdDB float64
	// Hangover keeps forwarding for this long after loudness drops below
	// the threshold so trailing syllables are not clipped.
	Hangover time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThresholdDB == 0 {
		c.ThresholdDB = DefaultThresholdDB
	}
	if c.Hangover <= 0 {
		c.Hangover = DefaultHangover
	}
	return c
}

type Gate struct {
	mu        sync.Mutex
	cfg       Config
	open      bool
	lastAbove time.Time
	now       func() time.Time
}

func New(cfg Config) *Gate {
	return &Gate{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// SetOpen opens or closes the gate. Idempotent: repeating the current state
// changes nothing. Opening resets the hangover clock so a stale window from
// the previous question cannot swallow the first syllable of an answer.
func (g *Gate) SetOpen(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return
	}
	g.open = open
	if open {
		g.lastAbove = g.now()
	}
}

// IsOpen reports the gate state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// ProcessFrame returns true when the frame's real samples should be
// forwarded downstream, false when silence must be written in their place.
// A false result still produces downstream output: some providers need
// continuous, evenly-timed input for their voice-activity timing.
func (g *Gate) ProcessFrame(f frames.AudioFrame) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return false
	}
	now := g.now()
	if f.LoudnessDB() >= g.cfg.ThresholdDB {
		g.lastAbove = now
		return true
	}
	return now.Sub(g.lastAbove) < g.cfg.Hangover
}
