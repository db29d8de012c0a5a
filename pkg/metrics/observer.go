// Package metrics carries engine events (question lifecycle, transcripts,
// session restarts) to pluggable observers. Recording must never block the
// audio or recognition path, so the async observer drops on overflow.
package metrics

import "time"

// MetricsEvent is one engine event. Tags hold low-cardinality identity
// (stream_id, question_key, component); Fields hold free-form payload.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer consumes engine events. Implementations must be safe for
// concurrent use; RecordEvent is called from the session pump and timers.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
