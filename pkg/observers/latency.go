package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pasavoz/pasavoz/pkg/metrics"
)

// LatencyObserver tracks per-question answer latency: how long it took from
// arming the microphone to the first interim, to the final transcript, and
// to the submitted answer. One summary line is logged when the question ends.
type LatencyObserver struct {
	mu        sync.Mutex
	questions map[string]*questionTrace
	log       *slog.Logger
}

type questionTrace struct {
	armed        time.Time
	firstInterim time.Time
	firstFinal   time.Time
	submitted    time.Time
	streamID     string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		questions: make(map[string]*questionTrace),
		log:       log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	key := ""
	if ev.Tags != nil {
		key = ev.Tags["question_key"]
	}
	if key == "" {
		return
	}
	o.mu.Lock()
	t := o.questions[key]
	if t == nil {
		t = &questionTrace{}
		o.questions[key] = t
	}
	switch ev.Name {
	case "question_armed":
		if t.armed.IsZero() {
			t.armed = ev.Time
		}
		if t.streamID == "" && ev.Tags != nil {
			t.streamID = ev.Tags["stream_id"]
		}
	case "transcript_interim":
		if t.firstInterim.IsZero() {
			t.firstInterim = ev.Time
		}
	case "transcript_final":
		if t.firstFinal.IsZero() {
			t.firstFinal = ev.Time
		}
	case "answer_submitted", "command_detected":
		if t.submitted.IsZero() {
			t.submitted = ev.Time
		}
	case "question_end":
		o.logQuestionLocked(key, t)
		delete(o.questions, key)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logQuestionLocked(key string, t *questionTrace) {
	o.log.Info("question_latency",
		"question_key", key,
		"stream_id", t.streamID,
		"first_interim_ms", durationMs(t.armed, t.firstInterim),
		"first_final_ms", durationMs(t.armed, t.firstFinal),
		"submit_ms", durationMs(t.armed, t.submitted),
		"final_to_submit_ms", durationMs(t.firstFinal, t.submitted),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
