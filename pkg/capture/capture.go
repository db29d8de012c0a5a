// Package capture owns the single microphone stream. It runs the hardware
// audio callback, computes per-frame loudness and hands frames to the
// consumer. It knows nothing about speech recognition.
package capture

import (
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/logging"
	"github.com/pasavoz/pasavoz/pkg/pcm"
)

const (
	DefaultSampleRate      = 48000
	DefaultFramesPerBuffer = 1024
)

type Config struct {
	StreamID        string
	SampleRate      int
	FramesPerBuffer int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return c
}

// FrameFunc receives one pooled AudioFrame per hardware callback. The
// consumer must release it via frames.ReleaseAudioFrame when done.
type FrameFunc func(frames.AudioFrame)

type Microphone struct {
	cfg    Config
	logger *slog.Logger
	ptsGen *frames.PTSGen

	mu     sync.Mutex
	stream *portaudio.Stream
	open   bool
}

func New(cfg Config) *Microphone {
	return &Microphone{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "capture"),
		ptsGen: frames.NewPTSGen(),
	}
}

// SampleRate returns the configured capture rate.
func (m *Microphone) SampleRate() int { return m.cfg.SampleRate }

// Open acquires the default input device and starts the callback stream.
// Any failure means the microphone is unusable and the whole engine must
// degrade to manual text entry; callers should not retry.
func (m *Microphone) Open(onFrame FrameFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonMicUnavailable)
	}
	stream, err := portaudio.OpenDefaultStream(
		1, // mono input
		0,
		float64(m.cfg.SampleRate),
		m.cfg.FramesPerBuffer,
		func(in []float32) {
			// Hardware callback context: copy into a pooled frame and get out.
			loudness := pcm.LoudnessDB(in)
			f := frames.NewAudioFrameFromPool(
				m.cfg.StreamID,
				m.ptsGen.Next(m.cfg.StreamID),
				in,
				m.cfg.SampleRate,
				loudness,
				nil,
			)
			onFrame(f)
		},
	)
	if err != nil {
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonMicUnavailable)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return errorsx.Wrap(err, errorsx.ReasonMicUnavailable)
	}
	m.stream = stream
	m.open = true
	m.logger.Info("microphone_opened",
		slog.String("stream_id", m.cfg.StreamID),
		slog.Int("sample_rate", m.cfg.SampleRate),
		slog.Int("frames_per_buffer", m.cfg.FramesPerBuffer))
	return nil
}

// Close releases the microphone. Idempotent and callable from any state;
// every teardown path, including error paths, must go through here.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.open = false
	var err error
	if m.stream != nil {
		_ = m.stream.Stop()
		err = m.stream.Close()
		m.stream = nil
	}
	_ = portaudio.Terminate()
	m.logger.Info("microphone_closed", slog.String("stream_id", m.cfg.StreamID))
	return err
}
