package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/metrics"
	"github.com/pasavoz/pasavoz/pkg/providers/mock"
)

type captureSink struct {
	mu          sync.Mutex
	transcripts []TranscriptEvent
	transcriptC chan TranscriptEvent
	errC        chan error
}

func newCaptureSink() *captureSink {
	return &captureSink{
		transcriptC: make(chan TranscriptEvent, 16),
		errC:        make(chan error, 16),
	}
}

func (s *captureSink) OnTranscript(ev TranscriptEvent) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, ev)
	s.mu.Unlock()
	s.transcriptC <- ev
}

func (s *captureSink) OnSessionError(err error) {
	s.errC <- err
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcripts)
}

// recordingFactory hands out mock recognizers and publishes each one so the
// test can script it.
type recordingFactory struct {
	mu       sync.Mutex
	created  []*mock.Recognizer
	createdC chan *mock.Recognizer
	startErr error
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{createdC: make(chan *mock.Recognizer, 32)}
}

func (f *recordingFactory) new(cfg stt.Config) stt.StreamingRecognizer {
	rec := mock.NewRecognizer(mock.RecognizerConfig{
		StreamID: cfg.StreamID,
		TraceID:  cfg.TraceID,
		Hints:    cfg.Hints,
		StartErr: f.startErr,
	})
	f.mu.Lock()
	f.created = append(f.created, rec)
	f.mu.Unlock()
	f.createdC <- rec
	return rec
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func waitRecognizer(t *testing.T, f *recordingFactory) *mock.Recognizer {
	t.Helper()
	select {
	case rec := <-f.createdC:
		return rec
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a recognizer session")
		return nil
	}
}

func waitTranscript(t *testing.T, s *captureSink) TranscriptEvent {
	t.Helper()
	select {
	case ev := <-s.transcriptC:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a transcript")
		return TranscriptEvent{}
	}
}

func waitError(t *testing.T, s *captureSink) error {
	t.Helper()
	select {
	case err := <-s.errC:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a session error")
		return nil
	}
}

// immediateTimers makes restart scheduling synchronous for tests.
func immediateTimers(c *Controller) *[]time.Duration {
	delays := &[]time.Duration{}
	var mu sync.Mutex
	c.afterFunc = func(d time.Duration, fn func()) {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		fn()
	}
	return delays
}

func TestControllerDeliversTranscripts(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), []string{"canguro"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)
	if got := rec.Hints(); len(got) != 1 || got[0] != "canguro" {
		t.Fatalf("hints not forwarded to session, got %v", got)
	}

	rec.EmitInterim("can")
	rec.EmitFinal("canguro")

	ev := waitTranscript(t, sink)
	if ev.Final || ev.Text != "can" {
		t.Fatalf("expected interim 'can' first, got final=%v text=%q", ev.Final, ev.Text)
	}
	ev = waitTranscript(t, sink)
	if !ev.Final || ev.Text != "canguro" {
		t.Fatalf("expected final 'canguro', got final=%v text=%q", ev.Final, ev.Text)
	}
	if ev.Generation != c.Generation() {
		t.Fatalf("event generation %d != controller generation %d", ev.Generation, c.Generation())
	}
	if c.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", c.State())
	}
}

func TestControllerReplaceDropsOldSessionEvents(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := waitRecognizer(t, f)
	oldGen := c.Generation()

	if err := c.Start(context.Background(), []string{"delfin"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	replacement := waitRecognizer(t, f)
	if !old.Closed() {
		t.Fatalf("expected old session to be closed on replace")
	}
	if c.Generation() == oldGen {
		t.Fatalf("expected generation to advance on replace")
	}

	// A result from the replaced session must never surface, even if its
	// delivery races the replacement.
	old.EmitFinal("gato")
	replacement.EmitFinal("delfin")

	ev := waitTranscript(t, sink)
	if ev.Text != "delfin" {
		t.Fatalf("stale transcript leaked through: got %q", ev.Text)
	}
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("expected exactly one transcript, got %d", sink.count())
	}
}

func TestControllerRestartsAfterCancel(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	delays := immediateTimers(c)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	first := waitRecognizer(t, f)

	first.EmitCanceled("network_reset")
	second := waitRecognizer(t, f)

	if !second.Started() {
		t.Fatalf("expected replacement session to be started")
	}
	if c.RestartCount() != 1 {
		t.Fatalf("expected 1 restart used, got %d", c.RestartCount())
	}
	if len(*delays) != 1 || (*delays)[0] != 250*time.Millisecond {
		t.Fatalf("expected one flat 250ms delay, got %v", *delays)
	}

	// The delay stays flat on consecutive failures.
	second.EmitCanceled("network_reset")
	waitRecognizer(t, f)
	if (*delays)[1] != 250*time.Millisecond {
		t.Fatalf("expected flat delay on second restart, got %v", (*delays)[1])
	}
}

func TestControllerClassifiesCancellationInRestartRecords(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	mem := metrics.NewMemoryObserver()
	c.SetObserver(mem)
	immediateTimers(c)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)
	rec.EmitCanceled("network_reset")
	waitRecognizer(t, f)

	for _, ev := range mem.Snapshot() {
		if ev.Name != "session_restart_scheduled" {
			continue
		}
		if got := ev.Tags[frames.MetaErrorCode]; got != string(errorsx.ReasonRecognizerCanceled) {
			t.Fatalf("expected recognizer_canceled classification, got %q", got)
		}
		return
	}
	t.Fatalf("expected a session_restart_scheduled record")
}

func TestControllerRestartCapSurfacesPersistentError(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	immediateTimers(c)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)

	for i := 0; i < 10; i++ {
		rec.EmitCanceled("flaky_network")
		rec = waitRecognizer(t, f)
	}
	if c.RestartCount() != 10 {
		t.Fatalf("expected 10 restarts used, got %d", c.RestartCount())
	}

	// The eleventh failure must not create another session.
	rec.EmitCanceled("flaky_network")
	err := waitError(t, sink)
	if !errorsx.HasReason(err, errorsx.ReasonRestartExhausted) {
		t.Fatalf("expected restart_exhausted, got %v", err)
	}
	if f.count() != 11 {
		t.Fatalf("expected no session after the cap, got %d sessions", f.count())
	}
	if c.State() != StateStopped {
		t.Fatalf("expected STOPPED after exhaustion, got %s", c.State())
	}
}

func TestControllerNewQuestionRestoresBudget(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	immediateTimers(c)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)
	rec.EmitCanceled("network_reset")
	waitRecognizer(t, f)
	if c.RestartCount() != 1 {
		t.Fatalf("expected 1 restart used, got %d", c.RestartCount())
	}

	c.SetQuestion("q2")
	if c.RestartCount() != 0 {
		t.Fatalf("expected budget restored on new question, got %d", c.RestartCount())
	}
}

func TestControllerStartFailureIsNotRetried(t *testing.T) {
	f := newRecordingFactory()
	f.startErr = errors.New("invalid api key")
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	immediateTimers(c)
	c.SetQuestion("q1")

	err := c.Start(context.Background(), nil)
	if !errorsx.HasReason(err, errorsx.ReasonRecognizerStart) {
		t.Fatalf("expected recognizer_start_failed, got %v", err)
	}
	if surfaced := waitError(t, sink); !errorsx.HasReason(surfaced, errorsx.ReasonRecognizerStart) {
		t.Fatalf("expected surfaced start error, got %v", surfaced)
	}
	if f.count() != 1 {
		t.Fatalf("expected no retry after start failure, got %d attempts", f.count())
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after start failure, got %s", c.State())
	}
}

func TestControllerUserStopPreventsRestart(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	immediateTimers(c)
	c.SetQuestion("q1")

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)

	c.Stop("user")
	if !rec.Closed() {
		t.Fatalf("expected session closed on stop")
	}

	rec.EmitCanceled("session_torn_down")
	time.Sleep(50 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("expected no restart after user stop, got %d sessions", f.count())
	}
	if c.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %s", c.State())
	}
}

func TestControllerWriteAudioForwardsToLiveSession(t *testing.T) {
	f := newRecordingFactory()
	sink := newCaptureSink()
	c := NewController(Config{StreamID: "s1"}, f.new, sink)
	c.SetQuestion("q1")

	// Audio before any session is dropped, not an error.
	if err := c.WriteAudio([]byte{1, 2}); err != nil {
		t.Fatalf("write before session: %v", err)
	}

	if err := c.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitRecognizer(t, f)

	if err := c.WriteAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.WrittenBytes() != 4 {
		t.Fatalf("expected 4 bytes written, got %d", rec.WrittenBytes())
	}
}

func TestBuildHints(t *testing.T) {
	hints := BuildHints("delfín", []string{"paso", "palabra", "pasapalabra"})
	want := map[string]bool{
		"delfín":      true,
		"delfin":      true,
		"delfínes":    true,
		"paso":        true,
		"palabra":     true,
		"pasapalabra": true,
	}
	if len(hints) != len(want) {
		t.Fatalf("expected %d hints, got %v", len(want), hints)
	}
	for _, h := range hints {
		if !want[h] {
			t.Fatalf("unexpected hint %q in %v", h, hints)
		}
	}
}

func TestBuildHintsDeduplicates(t *testing.T) {
	hints := BuildHints("gato", []string{"gato", "", "Gato"})
	if len(hints) != 2 {
		t.Fatalf("expected [gato gatos], got %v", hints)
	}
	if hints[0] != "gato" || hints[1] != "gatos" {
		t.Fatalf("expected [gato gatos], got %v", hints)
	}
}
