package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	// ControlCanceled is emitted by a recognizer when the provider cancels
	// the session (network drop, quota, provider-side error).
	ControlCanceled ControlCode = "canceled"
	// ControlStopped is emitted by a recognizer when the provider ends the
	// session without an explicit error.
	ControlStopped ControlCode = "stopped"
	// ControlCommand marks a detected voice command ("pasapalabra").
	ControlCommand ControlCode = "command"
	// ControlSubmit carries a debounced spoken answer ready for adjudication.
	ControlSubmit ControlCode = "submit"
	// ControlFallback tells the consumer to degrade to manual text entry.
	ControlFallback ControlCode = "fallback"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one capture callback worth of mono samples together
// with the rate they were captured at and their loudness in dBFS.
type AudioFrame struct {
	pts      int64
	samples  []float32
	rate     int
	loudness float64
	meta     map[string]string
	pooled   bool
}

func NewAudioFrame(streamID string, pts int64, samples []float32, rate int, loudness float64, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:      pts,
		samples:  samples,
		rate:     rate,
		loudness: loudness,
		meta:     mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPool copies samples into a pooled buffer. The frame goes
// to exactly one consumer, which releases it via ReleaseAudioFrame.
func NewAudioFrameFromPool(streamID string, pts int64, samples []float32, rate int, loudness float64, meta map[string]string) AudioFrame {
	buf := AcquireSampleBuf(len(samples))
	copy(buf, samples)
	return AudioFrame{
		pts:      pts,
		samples:  buf,
		rate:     rate,
		loudness: loudness,
		meta:     mergeMeta(streamID, meta),
		pooled:   true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Samples() []float32      { return append([]float32(nil), a.samples...) }
func (a AudioFrame) RawSamples() []float32   { return a.samples }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) LoudnessDB() float64     { return a.loudness }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseSampleBuf(af.samples)
		return true
	}
	return false
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// IsFinal reports whether the frame carries a finalized transcript.
func (t TextFrame) IsFinal() bool { return t.meta[MetaIsFinal] == "true" }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + time.Millisecond.Nanoseconds()
	g.value[streamID] = v
	return v
}

var sampleBufPool = sync.Pool{
	New: func() any {
		return make([]float32, 0, 2048)
	},
}

func AcquireSampleBuf(size int) []float32 {
	b := sampleBufPool.Get().([]float32)
	if cap(b) < size {
		return make([]float32, size)
	}
	return b[:size]
}

func ReleaseSampleBuf(b []float32) {
	sampleBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
