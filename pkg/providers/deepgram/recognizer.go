package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/pasavoz/pasavoz/pkg/adapters/stt"
	"github.com/pasavoz/pasavoz/pkg/errorsx"
	"github.com/pasavoz/pasavoz/pkg/frames"
	"github.com/pasavoz/pasavoz/pkg/logging"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Interim    bool
	StreamID   string
	TraceID    string
	// Hints bias this session toward the expected answer and the command
	// vocabulary. Applied as Deepgram keywords at session start only.
	Hints []string
}

// Recognizer is a live Deepgram session. One value maps to exactly one
// provider websocket; replacing hints means creating a new Recognizer.
type Recognizer struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Language == "" {
		cfg.Language = "es"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_recognizer")
	return &Recognizer{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (r *Recognizer) Name() string { return "deepgram_streaming" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// A missing key can never authenticate; fail before dialing so the
	// session layer surfaces it without burning the restart budget.
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return errorsx.Wrap(errors.New("deepgram api key is empty"), errorsx.ReasonRecognizerAuth)
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     r.cfg.SampleRate,
		Channels:       1,
		InterimResults: r.cfg.Interim,
		SmartFormat:    true,
	}
	if len(r.cfg.Hints) > 0 {
		transcriptOptions.Keywords = r.cfg.Hints
		r.logger.Info("configured phrase hints",
			slog.Int("count", len(r.cfg.Hints)),
			slog.String("stream_id", r.cfg.StreamID))
	}

	r.logger.Info("initializing deepgram connection",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("model", r.cfg.Model),
		slog.String("language", r.cfg.Language),
		slog.Int("sample_rate", r.cfg.SampleRate))

	cb := &callback{parent: r}

	dgClient, err := client.NewWSUsingCallback(r.ctx, r.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		r.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", r.cfg.StreamID))
		return err
	}
	r.dgClient = dgClient

	if connected := r.dgClient.Connect(); !connected {
		r.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", r.cfg.StreamID))
		return fmt.Errorf("deepgram connection failed")
	}

	r.logger.Info("deepgram_connected",
		slog.String("stream_id", r.cfg.StreamID),
		slog.String("model", r.cfg.Model))

	go func() {
		if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", r.cfg.StreamID))
		}
	}()

	return nil
}

func (r *Recognizer) Close() error {
	r.logger.Info("closing deepgram connection",
		slog.String("stream_id", r.cfg.StreamID))

	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	return nil
}

func (r *Recognizer) WriteAudio(pcm []byte) error {
	if r.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := r.pipeWriter.Write(pcm)
	if err != nil {
		r.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", r.cfg.StreamID))
	}
	return err
}

func (r *Recognizer) Events() <-chan frames.Frame { return r.out }

func (r *Recognizer) emit(f frames.Frame) {
	select {
	case r.out <- f:
	default:
		r.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", r.cfg.StreamID))
	}
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

// --- Callback Implementation ---

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := c.parent.baseMeta()
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	} else {
		meta[frames.MetaIsFinal] = "false"
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	c.parent.emit(frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "session_stopped"
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlStopped, meta))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = er.ErrMsg
	meta[frames.MetaErrorCode] = er.ErrCode
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlCanceled, meta))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingRecognizer = (*Recognizer)(nil)
