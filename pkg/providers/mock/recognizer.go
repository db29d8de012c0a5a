package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/frames"
)

type RecognizerConfig struct {
	StreamID string
	TraceID  string
	Hints    []string
	// Transcript, when set, is emitted as a final result on the first
	// WriteAudio call, mimicking a provider that recognizes immediately.
	Transcript  string
	EmitInterim bool
	// StartErr makes Start fail, for auth/session-start failure tests.
	StartErr error
}

// Recognizer is a scripted recognition session for tests and offline runs.
// Events can be injected at any time via the Emit* methods.
type Recognizer struct {
	cfg RecognizerConfig

	mu           sync.Mutex
	out          chan frames.Frame
	started      bool
	closed       bool
	emitted      bool
	writtenBytes int
	lastWrite    []byte
}

func NewRecognizer(cfg RecognizerConfig) *Recognizer {
	return &Recognizer{cfg: cfg, out: make(chan frames.Frame, 64)}
}

func (r *Recognizer) Name() string { return "mock_recognizer" }

func (r *Recognizer) Hints() []string { return r.cfg.Hints }

func (r *Recognizer) Start(ctx context.Context) error {
	if r.cfg.StartErr != nil {
		return r.cfg.StartErr
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.started = false
	return nil
}

func (r *Recognizer) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return errors.New("not started")
	}
	r.writtenBytes += len(pcm)
	r.lastWrite = append(r.lastWrite[:0], pcm...)
	script := r.cfg.Transcript != "" && !r.emitted
	if script {
		r.emitted = true
	}
	r.mu.Unlock()

	if script {
		if r.cfg.EmitInterim {
			r.EmitInterim(r.cfg.Transcript)
		}
		r.EmitFinal(r.cfg.Transcript)
	}
	return nil
}

func (r *Recognizer) Events() <-chan frames.Frame { return r.out }

func (r *Recognizer) EmitInterim(text string) {
	r.emitText(text, false)
}

func (r *Recognizer) EmitFinal(text string) {
	r.emitText(text, true)
}

func (r *Recognizer) EmitCanceled(reason string) {
	meta := r.baseMeta()
	meta[frames.MetaReason] = reason
	r.out <- frames.NewControlFrame(r.cfg.StreamID, time.Now().UnixNano(), frames.ControlCanceled, meta)
}

func (r *Recognizer) EmitStopped() {
	meta := r.baseMeta()
	meta[frames.MetaReason] = "session_stopped"
	r.out <- frames.NewControlFrame(r.cfg.StreamID, time.Now().UnixNano(), frames.ControlStopped, meta)
}

// Started reports whether Start has been called (and Close has not).
func (r *Recognizer) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Closed reports whether Close has been called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// WrittenBytes returns the total audio pushed into the session.
func (r *Recognizer) WrittenBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writtenBytes
}

// LastWrite returns a copy of the most recent audio payload.
func (r *Recognizer) LastWrite() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.lastWrite))
	copy(out, r.lastWrite)
	return out
}

func (r *Recognizer) emitText(text string, final bool) {
	meta := r.baseMeta()
	if final {
		meta[frames.MetaIsFinal] = "true"
	} else {
		meta[frames.MetaIsFinal] = "false"
	}
	r.out <- frames.NewTextFrame(r.cfg.StreamID, time.Now().UnixNano(), text, meta)
}

func (r *Recognizer) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: r.cfg.StreamID,
		frames.MetaSource:   "recognizer",
	}
	if r.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = r.cfg.TraceID
	}
	return meta
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
