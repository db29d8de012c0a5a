// Package session owns the lifecycle of the one logical listening session:
// creation, replacement, teardown and recovery after provider-reported
// cancellation. A monotonic generation counter is the sole synchronization
// primitive against stale asynchronous callbacks: every event is tagged with
// the generation it was registered under and re-validated before it may
// mutate anything.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/logging"
	"github.com/pasavoz/pasavoz/pkg/metrics"
	"github.com/pasavoz/pasavoz/pkg/resilience"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateListening:
		return "LISTENING"
	case StateRestarting:
		return "RESTARTING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Factory creates one provider session. Hints in cfg bias that session only.
type Factory func(cfg stt.Config) stt.StreamingRecognizer

// TranscriptEvent is a validated recognition result handed to the consumer.
type TranscriptEvent struct {
	Generation uint64
	Final      bool
	Text       string
	At         time.Time
}

// EventSink receives validated transcript events and surfaced errors.
// Stale-generation events are dropped before ever reaching the sink.
type EventSink interface {
	OnTranscript(ev TranscriptEvent)
	OnSessionError(err error)
}

type Config struct {
	StreamID   string
	TraceID    string
	Language   string
	SampleRate int
	// MaxRestarts caps automatic recovery per question; RestartDelay is the
	// flat wait before each attempt.
	MaxRestarts  int
	RestartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 250 * time.Millisecond
	}
	return c
}

type live struct {
	generation uint64
	rec        stt.StreamingRecognizer
	// detach is closed, under the controller lock, before any teardown call
	// is issued, so the pump stops delivering even if teardown is async.
	detach chan struct{}
}

// Controller drives one recognizer session at a time: replace, never overlap.
type Controller struct {
	cfg     Config
	factory Factory
	sink    EventSink
	logger  *slog.Logger
	obs     metrics.Observer

	mu          sync.Mutex
	state       State
	generation  uint64
	desired     bool
	hints       []string
	questionKey string
	budget      *resilience.RestartBudget
	current     *live
	ctx         context.Context

	afterFunc func(time.Duration, func()) // test seam; defaults to time.AfterFunc
}

func NewController(cfg Config, factory Factory, sink EventSink) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:       cfg,
		factory:   factory,
		sink:      sink,
		logger:    logging.NewComponentLogger(slog.Default(), "session"),
		obs:       metrics.NoopObserver{},
		state:     StateIdle,
		budget:    resilience.NewRestartBudget(cfg.MaxRestarts, cfg.RestartDelay),
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

func (c *Controller) SetObserver(obs metrics.Observer) {
	if obs != nil {
		c.obs = obs
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// RestartCount returns how many restarts the current question has consumed.
func (c *Controller) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget.Used()
}

// SetQuestion scopes restart recovery and hint state to one question.
// Changing the question restores the full restart budget.
func (c *Controller) SetQuestion(questionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.questionKey == questionKey {
		return
	}
	c.questionKey = questionKey
	c.budget.Reset()
}

// QuestionKey returns the active question, or "" between questions.
func (c *Controller) QuestionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questionKey
}

// ClearQuestion marks no question active; provider failures no longer
// trigger restarts until the next SetQuestion.
func (c *Controller) ClearQuestion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questionKey = ""
}

// Start creates a fresh provider session, replacing any existing one. The
// old session's callbacks are detached synchronously, before its teardown is
// issued, so no stale event can slip through even if teardown is async.
// Hints apply to the new session only; this replace-on-change behavior is
// why hints never need to apply retroactively.
func (c *Controller) Start(ctx context.Context, hints []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.desired = true
	c.hints = append([]string(nil), hints...)
	old := c.detachCurrentLocked()
	gen := c.nextGenerationLocked()
	c.setStateLocked(StateStarting, "start")
	c.mu.Unlock()

	if old != nil {
		_ = old.rec.Close()
	}
	return c.startSession(ctx, gen)
}

// Stop tears the session down. It always bumps the generation first, so
// anything still in flight is invalidated before the provider is touched.
// Reason "user" additionally clears desired so recovery does not re-arm.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	old := c.detachCurrentLocked()
	c.nextGenerationLocked()
	if reason == "user" || reason == "shutdown" {
		c.desired = false
	}
	c.setStateLocked(StateStopped, reason)
	c.mu.Unlock()

	if old != nil {
		_ = old.rec.Close()
	}
	c.record("session_stop", map[string]string{"reason": reason})
}

// WriteAudio pushes encoded PCM into the live session. Frames arriving
// between sessions are dropped silently; the microphone keeps running.
func (c *Controller) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	cur := c.current
	listening := c.state == StateListening
	c.mu.Unlock()
	if cur == nil || !listening {
		return nil
	}
	if err := cur.rec.WriteAudio(pcm); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecognizerSend)
	}
	return nil
}

// startSession creates and starts the provider session for generation gen.
// It holds no lock across the provider call; gen is re-validated afterwards.
func (c *Controller) startSession(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if gen != c.generation || !c.desired {
		c.mu.Unlock()
		return nil
	}
	rec := c.factory(stt.Config{
		StreamID:   c.cfg.StreamID,
		TraceID:    c.cfg.TraceID,
		SampleRate: c.cfg.SampleRate,
		Language:   c.cfg.Language,
		Hints:      append([]string(nil), c.hints...),
	})
	c.mu.Unlock()

	if err := rec.Start(ctx); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonRecognizerStart)
		c.logger.Error("session_start_failed",
			slog.String("stream_id", c.cfg.StreamID),
			slog.Uint64("generation", gen),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		// Session-start failures are not retried: a broken auth or setup
		// path does not fix itself, and blind retry wastes the player's time.
		c.mu.Lock()
		if gen == c.generation {
			c.desired = false
			c.setStateLocked(StateIdle, "start_failed")
		}
		c.mu.Unlock()
		c.record("session_start_failed", nil)
		c.surface(err)
		return err
	}

	c.mu.Lock()
	if gen != c.generation || !c.desired {
		// Replaced or stopped while the provider was connecting.
		c.mu.Unlock()
		_ = rec.Close()
		return nil
	}
	cur := &live{generation: gen, rec: rec, detach: make(chan struct{})}
	c.current = cur
	c.setStateLocked(StateListening, "session_up")
	c.mu.Unlock()

	go c.pump(cur)
	c.record("session_started", map[string]string{"provider": rec.Name()})
	return nil
}

// pump forwards provider events, tagging each with the session generation.
func (c *Controller) pump(s *live) {
	for {
		select {
		case <-s.detach:
			return
		case f, ok := <-s.rec.Events():
			if !ok {
				return
			}
			c.handleEvent(s.generation, f)
		}
	}
}

// handleEvent is the single entry point for provider callbacks. The
// generation check comes first; stale events are dropped before anything
// else happens.
func (c *Controller) handleEvent(gen uint64, f frames.Frame) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("stale_event_dropped",
			slog.Uint64("event_generation", gen),
			slog.String("kind", string(f.Kind())))
		return
	}
	c.mu.Unlock()

	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		ev := TranscriptEvent{
			Generation: gen,
			Final:      tf.IsFinal(),
			Text:       tf.Text(),
			At:         time.Unix(0, tf.PTS()),
		}
		if c.sink != nil {
			c.sink.OnTranscript(ev)
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlCanceled, frames.ControlStopped:
			c.onSessionLost(gen, cf)
		}
	}
}

// onSessionLost recovers from provider-side cancellation or stop. While the
// session is still wanted and a question is active, a restart is scheduled
// after a flat delay, up to the per-question cap; beyond the cap a
// persistent error is surfaced and the consumer falls back to manual entry.
func (c *Controller) onSessionLost(gen uint64, cf frames.ControlFrame) {
	reason := cf.Meta()[frames.MetaReason]
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	old := c.detachCurrentLocked()
	if !c.desired || c.questionKey == "" {
		c.setStateLocked(StateStopped, "session_lost_not_desired")
		c.mu.Unlock()
		if old != nil {
			_ = old.rec.Close()
		}
		return
	}
	delay, ok := c.budget.Next()
	if !ok {
		c.desired = false
		c.setStateLocked(StateStopped, "restart_exhausted")
		c.mu.Unlock()
		if old != nil {
			_ = old.rec.Close()
		}
		err := errorsx.Wrap(
			fmt.Errorf("recognizer gave up after %d restarts: %s", c.cfg.MaxRestarts, reason),
			errorsx.ReasonRestartExhausted,
		)
		c.logger.Error("session_restart_exhausted",
			slog.String("stream_id", c.cfg.StreamID),
			slog.Int("restarts", c.cfg.MaxRestarts),
			slog.String("last_reason", reason))
		c.record("session_restart_exhausted", nil)
		c.surface(err)
		return
	}
	nextGen := c.nextGenerationLocked()
	restarts := c.budget.Used()
	ctx := c.ctx
	c.setStateLocked(StateRestarting, reason)
	c.mu.Unlock()

	if old != nil {
		_ = old.rec.Close()
	}
	tags := map[string]string{"reason": reason}
	if cf.Code() == frames.ControlCanceled {
		tags[frames.MetaErrorCode] = string(errorsx.ReasonRecognizerCanceled)
	}
	c.logger.Info("session_restart_scheduled",
		slog.String("stream_id", c.cfg.StreamID),
		slog.Int("restart_count", restarts),
		slog.Uint64("generation", nextGen),
		slog.String("reason_code", tags[frames.MetaErrorCode]),
		slog.String("reason", reason))
	c.record("session_restart_scheduled", tags)

	// The timer is never cancelled by handle; startSession re-validates the
	// generation, so a timer that outlives its session simply no-ops.
	c.afterFunc(delay, func() {
		_ = c.startSession(ctx, nextGen)
	})
}

// detachCurrentLocked unhooks the live session's event pump and returns it
// for teardown outside the lock. Must be called with c.mu held.
func (c *Controller) detachCurrentLocked() *live {
	cur := c.current
	if cur == nil {
		return nil
	}
	close(cur.detach)
	c.current = nil
	return cur
}

func (c *Controller) nextGenerationLocked() uint64 {
	c.generation++
	return c.generation
}

func (c *Controller) setStateLocked(to State, reason string) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug("session_state",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
}

func (c *Controller) surface(err error) {
	if c.sink != nil {
		c.sink.OnSessionError(err)
	}
}

func (c *Controller) record(name string, tags map[string]string) {
	all := map[string]string{
		frames.MetaStreamID: c.cfg.StreamID,
		"component":         "session",
	}
	if c.cfg.TraceID != "" {
		all[frames.MetaTraceID] = c.cfg.TraceID
	}
	for k, v := range tags {
		all[k] = v
	}
	c.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: all})
}
