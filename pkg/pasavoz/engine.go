// Package pasavoz wires capture, gating, recognition and turn logic into
// one speech engine for a ring-round quiz. The engine listens on a single
// microphone, keeps exactly one recognizer session alive, and talks to the
// game panel through a transport.
package pasavoz

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pasavoz/pasavoz/pkg/capture"
	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/gate"
	"github.com/pasavoz/pasavoz/pkg/logging"
	"github.com/pasavoz/pasavoz/pkg/match"
	"github.com/pasavoz/pasavoz/pkg/metrics"
	"github.com/pasavoz/pasavoz/pkg/observers"
	"github.com/pasavoz/pasavoz/pkg/pcm"
	"github.com/pasavoz/pasavoz/pkg/runner"
	"github.com/pasavoz/pasavoz/pkg/session"
	"github.com/pasavoz/pasavoz/pkg/transports"
	"github.com/pasavoz/pasavoz/pkg/turn"
)

// AudioSource abstracts the microphone so tests and offline runs can feed
// synthetic frames. capture.Microphone is the production implementation.
type AudioSource interface {
	Open(capture.FrameFunc) error
	Close() error
	SampleRate() int
}

type Engine struct {
	cfg        Config
	streamID   string
	source     AudioSource
	gate       *gate.Gate
	controller *session.Controller
	transport  transports.Transport
	providers  *ProviderRegistry
	runner     *runner.LifecycleRunner

	arming    *turn.ArmingGate
	commands  *turn.CommandDetector
	latch     *turn.CommandLatch
	debouncer *turn.AutoSubmitDebouncer
	matchOpts match.Options

	asyncObs    *metrics.AsyncObserver
	timelineObs *observers.TimelineObserver
	logger      *slog.Logger
	ptsGen      *frames.PTSGen

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	expected string
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Source overrides the default portaudio microphone.
	Source AudioSource
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("pasavoz_init",
		"environment", cfg.Environment,
		"recognizer_provider", cfg.Recognizer.Provider,
		"transport", cfg.Transports.Provider,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	var logObs metrics.Observer = observers.NewLoggerObserver(slog.Default())
	if r := cfg.Observability.EventSampleRate; r > 0 && r < 1 {
		logObs = metrics.NewSamplingObserver(logObs, r)
	}
	var timelineObs *observers.TimelineObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("metrics_file_open_failed", "path", path, "error", err.Error())
		} else {
			metricsFile = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		}
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}
	factory, err := providers.BuildRecognizer(cfg.Recognizer.Provider, cfg)
	if err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	source := opts.Source
	if source == nil {
		source = capture.New(capture.Config{
			StreamID:        streamID,
			SampleRate:      cfg.Capture.SampleRate,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		})
	}

	e := &Engine{
		cfg:       cfg,
		streamID:  streamID,
		source:    source,
		transport: opts.Transport,
		providers: providers,
		logger:    logging.NewComponentLogger(logger, "engine"),
		ptsGen:    frames.NewPTSGen(),
		gate: gate.New(gate.Config{
			ThresholdDB: cfg.Gate.ThresholdDB,
			Hangover:    time.Duration(cfg.Gate.HangoverMS) * time.Millisecond,
		}),
		arming: turn.NewArmingGate(turn.ArmingConfig{
			InterimGrace: time.Duration(cfg.Arming.InterimGraceMS) * time.Millisecond,
			FinalGrace:   time.Duration(cfg.Arming.FinalGraceMS) * time.Millisecond,
		}),
		commands: turn.NewCommandDetector(cfg.Command.Phrase, cfg.Command.Aliases...),
		latch:    turn.NewCommandLatch(),
		matchOpts: match.Options{
			FuzzyThreshold: cfg.Match.FuzzyThreshold,
			FuzzyMinLen:    cfg.Match.FuzzyMinLen,
		},
		asyncObs:    asyncObs,
		timelineObs: timelineObs,
	}

	e.controller = session.NewController(session.Config{
		StreamID:     streamID,
		TraceID:      uuid.NewString(),
		Language:     cfg.Session.Language,
		SampleRate:   cfg.Capture.TargetRate,
		MaxRestarts:  cfg.Session.MaxRestarts,
		RestartDelay: time.Duration(cfg.Session.RestartDelayMS) * time.Millisecond,
	}, factory, e)
	e.controller.SetObserver(asyncObs)

	e.debouncer = turn.NewAutoSubmitDebouncer(
		time.Duration(cfg.Submit.WindowMS)*time.Millisecond,
		e.arming.IsArmed,
		e.submitAnswer,
	)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Pasavoz Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine())
		},
	}
	drainer := runner.DrainerFunc(func() error {
		e.controller.Stop("shutdown")
		_ = e.source.Close()
		if e.transport != nil {
			_ = e.transport.Stop()
		}
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 15*time.Second)

	return e, nil
}

// Start opens the microphone and the transport. A microphone failure is
// surfaced as a fallback event so the game can degrade to typed answers,
// and is returned to the caller as well.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.transport != nil {
		if err := e.transport.Start(e.ctx); err != nil {
			return err
		}
		go e.routeTransport()
	}
	go func() {
		_ = e.runner.Run(e.ctx)
	}()

	if err := e.source.Open(e.onAudioFrame); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonMicUnavailable)
		e.logger.Error("mic_open_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		e.sendFallback(err)
		return err
	}
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// BeginQuestion starts a fresh recognizer session biased toward the
// expected answer. The engine stays disarmed until SynthesisDone so the
// recognizer cannot hear the narrated question as an answer.
func (e *Engine) BeginQuestion(questionKey, expected string) error {
	e.mu.Lock()
	e.expected = expected
	e.mu.Unlock()

	e.arming.Disarm()
	e.debouncer.Cancel()
	e.gate.SetOpen(false)
	e.controller.SetQuestion(questionKey)

	hints := session.BuildHints(expected, e.commands.CommandVocabulary())
	e.record("question_start", map[string]string{frames.MetaQuestionKey: questionKey})
	return e.controller.Start(e.ctx, hints)
}

// EndQuestion tears the question down after adjudication: no more arming,
// no pending auto-submit, no restart recovery until the next question.
func (e *Engine) EndQuestion(questionKey string) {
	e.record("question_end", map[string]string{frames.MetaQuestionKey: questionKey})
	e.arming.Disarm()
	e.debouncer.Cancel()
	e.gate.SetOpen(false)
	e.controller.ClearQuestion()
	e.controller.Stop("question_end")
}

// SynthesisStarted closes the loudness gate while the question is narrated.
func (e *Engine) SynthesisStarted() {
	e.gate.SetOpen(false)
	e.record("synthesis_started", nil)
}

// SynthesisDone opens the gate and arms the turn: from here on, transcript
// events past the grace window count as the player's answer.
func (e *Engine) SynthesisDone() {
	e.gate.SetOpen(true)
	e.arming.Arm(e.controller.QuestionKey())
	e.record("question_armed", nil)
}

// onAudioFrame runs on the capture callback path: gate, downsample, encode,
// forward. Frames blocked by the gate are replaced by equally-sized silence
// so the provider's voice-activity timing stays continuous.
func (e *Engine) onAudioFrame(f frames.AudioFrame) {
	defer frames.ReleaseAudioFrame(f)
	var encoded []byte
	if e.gate.ProcessFrame(f) {
		encoded = pcm.Convert(f.RawSamples(), f.Rate(), e.cfg.Capture.TargetRate)
	} else {
		encoded = pcm.Silence(len(f.RawSamples()), f.Rate(), e.cfg.Capture.TargetRate)
	}
	if err := e.controller.WriteAudio(encoded); err != nil {
		e.logger.Warn("audio_forward_failed", slog.String("error", err.Error()))
	}
}

// OnTranscript implements session.EventSink. It is the single path from
// recognition results to command detection, live display and auto-submit.
func (e *Engine) OnTranscript(ev session.TranscriptEvent) {
	accepted := e.arming.AcceptEvent(turn.TranscriptEvent{
		Final: ev.Final,
		Text:  ev.Text,
		At:    ev.At,
	})
	if !accepted {
		e.logger.Debug("transcript_ignored",
			slog.Bool("final", ev.Final),
			slog.String("text", ev.Text))
		return
	}
	questionKey := e.arming.QuestionKey()

	if e.commands.Detect(ev.Text) {
		if e.latch.Fire(questionKey) {
			e.debouncer.Cancel()
			e.arming.Disarm()
			e.record("command_detected", map[string]string{frames.MetaQuestionKey: questionKey})
			e.sendControl(frames.ControlCommand, map[string]string{
				frames.MetaQuestionKey: questionKey,
			})
		}
		return
	}

	name := "transcript_interim"
	if ev.Final {
		name = "transcript_final"
	}
	e.record(name, map[string]string{
		frames.MetaQuestionKey: questionKey,
		frames.MetaText:        ev.Text,
	})
	e.sendTranscript(ev)

	if ev.Final {
		e.debouncer.OnFinalText(strings.TrimSpace(ev.Text))
	}
}

// OnSessionError implements session.EventSink. Any error the session layer
// gives up on becomes a fallback signal to the panel.
func (e *Engine) OnSessionError(err error) {
	e.logger.Error("session_error",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	e.sendFallback(err)
}

// submitAnswer fires when the debounce window closes with a stable final.
func (e *Engine) submitAnswer(text string) {
	questionKey := e.arming.QuestionKey()
	e.mu.Lock()
	expected := e.expected
	e.mu.Unlock()

	matched := "false"
	if match.IsMatchWithOptions(text, expected, e.matchOpts) {
		matched = "true"
	}
	e.record("answer_submitted", map[string]string{
		frames.MetaQuestionKey: questionKey,
		frames.MetaText:        text,
		"matched":              matched,
	})
	e.sendControl(frames.ControlSubmit, map[string]string{
		frames.MetaQuestionKey: questionKey,
		frames.MetaText:        text,
		frames.MetaExpected:    expected,
		"matched":              matched,
	})
}

// routeTransport turns panel lifecycle events into engine calls.
func (e *Engine) routeTransport() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			if f.Kind() != frames.KindSystem {
				continue
			}
			sf := f.(frames.SystemFrame)
			meta := sf.Meta()
			switch sf.Name() {
			case "question_start":
				if err := e.BeginQuestion(meta[frames.MetaQuestionKey], meta[frames.MetaExpected]); err != nil {
					e.logger.Error("question_start_failed", slog.String("error", err.Error()))
				}
			case "synthesis_started":
				e.SynthesisStarted()
			case "synthesis_done":
				e.SynthesisDone()
			case "question_end":
				e.EndQuestion(meta[frames.MetaQuestionKey])
			case "panel_start":
				e.logger.Info("panel_attached", slog.String("panel_id", meta["panel_id"]))
			case "panel_end":
				e.logger.Info("panel_detached",
					slog.String("panel_id", meta["panel_id"]),
					slog.String("reason", meta[frames.MetaReason]))
			}
		}
	}
}

func (e *Engine) sendTranscript(ev session.TranscriptEvent) {
	if e.transport == nil {
		return
	}
	meta := map[string]string{
		frames.MetaStreamID:    e.streamID,
		frames.MetaQuestionKey: e.arming.QuestionKey(),
		frames.MetaSource:      "engine",
		// Panels correlate transcripts to recognizer sessions: after a
		// restart the generation changes and stale lines can be discarded.
		frames.MetaGeneration: strconv.FormatUint(ev.Generation, 10),
	}
	if ev.Final {
		meta[frames.MetaIsFinal] = "true"
	} else {
		meta[frames.MetaIsFinal] = "false"
	}
	_ = e.transport.Send(frames.NewTextFrame(e.streamID, e.ptsGen.Next(e.streamID), ev.Text, meta))
}

func (e *Engine) sendControl(code frames.ControlCode, meta map[string]string) {
	if e.transport == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta[frames.MetaStreamID] = e.streamID
	meta[frames.MetaSource] = "engine"
	_ = e.transport.Send(frames.NewControlFrame(e.streamID, e.ptsGen.Next(e.streamID), code, meta))
}

func (e *Engine) sendFallback(err error) {
	e.record("fallback", map[string]string{
		frames.MetaReason:    string(errorsx.Reason(err)),
		frames.MetaErrorCode: string(errorsx.Reason(err)),
	})
	e.sendControl(frames.ControlFallback, map[string]string{
		frames.MetaReason: string(errorsx.Reason(err)),
	})
}

func (e *Engine) record(name string, tags map[string]string) {
	if e.asyncObs == nil {
		return
	}
	all := map[string]string{
		frames.MetaStreamID: e.streamID,
		"component":         "engine",
	}
	if key := e.controller.QuestionKey(); key != "" {
		all[frames.MetaQuestionKey] = key
	}
	for k, v := range tags {
		all[k] = v
	}
	e.asyncObs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: all})
}

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Session() *session.Controller { return e.controller }
