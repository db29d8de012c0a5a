package stt

import (
	"context"

	"github.com/pasavoz/pasavoz/pkg/frames"
)

// StreamingRecognizer defines the contract for any recognition vendor.
//
// WriteAudio is the push-transcription sink: it is called for every capture
// frame, whether the gate forwarded real audio or silence, so the provider's
// voice-activity timing stays continuous. Events delivers interim/final
// transcripts as TextFrames and cancellation/stop notices as ControlFrames.
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the provider session. Hints supplied in Config bias
	// this session only; they never apply retroactively.
	Start(ctx context.Context) error
	// Close shuts down the provider session.
	Close() error
	// WriteAudio pushes mono 16 kHz 16-bit little-endian PCM.
	WriteAudio(pcm []byte) error
	// Events returns the channel of transcript/control frames.
	Events() <-chan frames.Frame
}

// Config contains vendor-agnostic recognizer configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Language   string
	// Hints is the per-session bias vocabulary: the expected answer, its
	// variants and the command words for the current question.
	Hints []string
}
