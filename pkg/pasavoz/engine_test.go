package pasavoz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/capture"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/providers/mock"
	"github.com/pasavoz/pasavoz/pkg/session"
	transportmock "github.com/pasavoz/pasavoz/pkg/transports/mock"
)

// fakeSource feeds synthetic audio frames into the engine.
type fakeSource struct {
	fn      capture.FrameFunc
	openErr error
}

func (s *fakeSource) Open(fn capture.FrameFunc) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.fn = fn
	return nil
}

func (s *fakeSource) Close() error    { return nil }
func (s *fakeSource) SampleRate() int { return 48000 }

func (s *fakeSource) emit(loudness float64) {
	samples := make([]float32, 480)
	for i := range samples {
		samples[i] = 0.5
	}
	s.fn(frames.NewAudioFrame("s1", time.Now().UnixNano(), samples, 48000, loudness, nil))
}

func testConfig() Config {
	return Config{
		LogLevel:   "error",
		Capture:    CaptureConfig{SampleRate: 48000, FramesPerBuffer: 480, TargetRate: 16000},
		Session:    SessionConfig{Language: "es"},
		Arming:     ArmingConfig{InterimGraceMS: 1, FinalGraceMS: 1},
		Submit:     SubmitConfig{WindowMS: 40},
		Recognizer: VendorConfig{Provider: "scripted"},
		Transports: TransportsConfig{Provider: "mock"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *transportmock.Transport, *fakeSource, chan *mock.Recognizer) {
	t.Helper()
	created := make(chan *mock.Recognizer, 8)
	providers := NewProviderRegistry()
	providers.RegisterRecognizer("scripted", func(cfg Config) (session.Factory, error) {
		return func(sc stt.Config) stt.StreamingRecognizer {
			rec := mock.NewRecognizer(mock.RecognizerConfig{
				StreamID: sc.StreamID,
				TraceID:  sc.TraceID,
				Hints:    sc.Hints,
			})
			created <- rec
			return rec
		}, nil
	})

	tr := transportmock.New()
	src := &fakeSource{}
	e, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: providers,
		Transport: tr,
		Source:    src,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e, tr, src, created
}

func waitSent(t *testing.T, tr *transportmock.Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Sent():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound frame")
		return nil
	}
}

func waitCreated(t *testing.T, created chan *mock.Recognizer) *mock.Recognizer {
	t.Helper()
	select {
	case rec := <-created:
		return rec
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for recognizer session")
		return nil
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestEngineQuestionRoundTrip(t *testing.T) {
	e, tr, src, created := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := e.BeginQuestion("round1:C", "Canguro"); err != nil {
		t.Fatalf("begin question: %v", err)
	}
	rec := waitCreated(t, created)

	hints := rec.Hints()
	if len(hints) == 0 {
		t.Fatalf("expected answer hints on the session")
	}
	foundCommand := false
	for _, h := range hints {
		if h == "pasapalabra" {
			foundCommand = true
		}
	}
	if !foundCommand {
		t.Fatalf("expected command vocabulary in hints, got %v", hints)
	}

	// Narration is still playing: the recognizer keeps receiving frames so
	// its voice-activity timing stays continuous, but they must be silence.
	e.SynthesisStarted()
	src.emit(-10)
	if rec.WrittenBytes() == 0 {
		t.Fatalf("expected silence frames while the gate is closed")
	}
	if !allZero(rec.LastWrite()) {
		t.Fatalf("audio leaked through a closed gate")
	}

	e.SynthesisDone()
	time.Sleep(20 * time.Millisecond)
	src.emit(-10)
	if allZero(rec.LastWrite()) {
		t.Fatalf("expected real audio forwarded after the gate opened")
	}

	rec.EmitFinal("un canguro")

	f := waitSent(t, tr)
	tf, ok := f.(frames.TextFrame)
	if !ok || tf.Text() != "un canguro" || !tf.IsFinal() {
		t.Fatalf("expected final transcript to the panel first, got %v", f)
	}
	if tf.Meta()[frames.MetaGeneration] == "" {
		t.Fatalf("expected session generation on the transcript frame")
	}

	f = waitSent(t, tr)
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlSubmit {
		t.Fatalf("expected submit after the quiet window, got %v", f)
	}
	meta := cf.Meta()
	if meta[frames.MetaText] != "un canguro" {
		t.Fatalf("expected submitted text, got %q", meta[frames.MetaText])
	}
	if meta["matched"] != "true" {
		t.Fatalf("expected 'un canguro' to match 'Canguro'")
	}
	if meta[frames.MetaQuestionKey] != "round1:C" {
		t.Fatalf("expected question key on submit, got %q", meta[frames.MetaQuestionKey])
	}
}

func TestEngineCommandSkipsInsteadOfSubmitting(t *testing.T) {
	e, tr, src, created := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := e.BeginQuestion("round1:D", "Delfín"); err != nil {
		t.Fatalf("begin question: %v", err)
	}
	rec := waitCreated(t, created)
	_ = src

	e.SynthesisDone()
	time.Sleep(20 * time.Millisecond)

	rec.EmitFinal("paso palabra")

	f := waitSent(t, tr)
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlCommand {
		t.Fatalf("expected command frame, got %v", f)
	}

	// A repeated command for the same question must not fire again, and no
	// submission may follow.
	rec.EmitFinal("pasapalabra")
	select {
	case f := <-tr.Sent():
		t.Fatalf("unexpected frame after command: %v", f)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEngineDebounceReplacesGrowingFinal(t *testing.T) {
	e, tr, _, created := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := e.BeginQuestion("round1:G", "Gato"); err != nil {
		t.Fatalf("begin question: %v", err)
	}
	rec := waitCreated(t, created)
	e.SynthesisDone()
	time.Sleep(20 * time.Millisecond)

	rec.EmitFinal("ga")
	time.Sleep(15 * time.Millisecond)
	rec.EmitFinal("gato")

	// Two transcripts go out, then exactly one submit with the later text.
	sawSubmit := false
	deadline := time.After(2 * time.Second)
	for !sawSubmit {
		var f frames.Frame
		select {
		case f = <-tr.Sent():
		case <-deadline:
			t.Fatalf("timed out waiting for submit")
		}
		if cf, ok := f.(frames.ControlFrame); ok {
			if cf.Code() != frames.ControlSubmit {
				t.Fatalf("unexpected control frame %v", cf.Code())
			}
			if got := cf.Meta()[frames.MetaText]; got != "gato" {
				t.Fatalf("expected superseding final to win, got %q", got)
			}
			sawSubmit = true
		}
	}
	select {
	case f := <-tr.Sent():
		if _, ok := f.(frames.ControlFrame); ok {
			t.Fatalf("expected exactly one submit, got another control frame")
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestEngineMicFailureFallsBack(t *testing.T) {
	e, tr, src, _ := newTestEngine(t)
	src.openErr = errors.New("no default input device")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := e.Start(ctx)
	if err == nil {
		t.Fatalf("expected start to fail without a microphone")
	}
	defer e.Stop()

	f := waitSent(t, tr)
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlFallback {
		t.Fatalf("expected fallback frame, got %v", f)
	}
}

func TestEngineEndQuestionStopsListening(t *testing.T) {
	e, _, _, created := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if err := e.BeginQuestion("round1:P", "Perro"); err != nil {
		t.Fatalf("begin question: %v", err)
	}
	rec := waitCreated(t, created)
	e.SynthesisDone()

	e.EndQuestion("round1:P")
	if !rec.Closed() {
		t.Fatalf("expected recognizer closed at question end")
	}
	if e.arming.IsArmed() {
		t.Fatalf("expected disarmed after question end")
	}
}
