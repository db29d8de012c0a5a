package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/pasavoz/pasavoz/pkg/match"
)

// DefaultSubmitWindow is how long finalized speech must stay quiet before
// the most recent transcript auto-submits.
const DefaultSubmitWindow = 400 * time.Millisecond

// AutoSubmitDebouncer schedules automatic submission of the latest finalized
// transcript after a quiet window. Newer final text restarts the window. A
// pending submission is invalidated by sequence comparison, never by timer
// handle cancellation, so a timer that already fired still no-ops cleanly.
type AutoSubmitDebouncer struct {
	mu            sync.Mutex
	window        time.Duration
	seq           uint64
	lastSubmitted string

	// validate re-checks, at fire time, that the gate is still armed and
	// the turn is still active. Nil means always valid.
	validate func() bool
	submit   func(text string)
}

func NewAutoSubmitDebouncer(window time.Duration, validate func() bool, submit func(text string)) *AutoSubmitDebouncer {
	if window <= 0 {
		window = DefaultSubmitWindow
	}
	return &AutoSubmitDebouncer{
		window:   window,
		validate: validate,
		submit:   submit,
	}
}

// OnFinalText records a finalized transcript and (re)schedules submission.
// Repeats or strict continuations of text that already submitted are
// ignored: those are trailing partials of an utterance that is already done.
func (d *AutoSubmitDebouncer) OnFinalText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	d.mu.Lock()
	if d.lastSubmitted != "" && isContinuation(match.Normalize(text), d.lastSubmitted) {
		d.mu.Unlock()
		return
	}
	d.seq++
	ticket := d.seq
	window := d.window
	d.mu.Unlock()

	time.AfterFunc(window, func() {
		d.fire(ticket, text)
	})
}

// Cancel invalidates any pending submission and clears the continuation
// suppression state. Called when the active question changes.
func (d *AutoSubmitDebouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.lastSubmitted = ""
}

func (d *AutoSubmitDebouncer) fire(ticket uint64, text string) {
	d.mu.Lock()
	if ticket != d.seq {
		d.mu.Unlock()
		return
	}
	if d.validate != nil && !d.validate() {
		d.mu.Unlock()
		return
	}
	d.lastSubmitted = match.Normalize(text)
	submit := d.submit
	d.mu.Unlock()
	if submit != nil {
		submit(text)
	}
}

func isContinuation(newText, submitted string) bool {
	return newText == submitted || strings.HasPrefix(newText, submitted+" ")
}
