package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pasavoz/pasavoz/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.MetricsEvent{
		Name: "transcript_final",
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id":    "stream-1",
			"question_key": "round1:C",
			"text":         "canguro",
		},
	}
	obs.RecordEvent(ev)
	_ = obs.Close()

	path := filepath.Join(dir, "round1_C.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "transcript_final") {
		t.Fatalf("expected transcript_final event in file")
	}
	if !strings.Contains(string(b), "canguro") {
		t.Fatalf("expected transcript text in file")
	}
}

func TestLatencyObserverLogsOnQuestionEnd(t *testing.T) {
	obs := NewLatencyObserver(nil)
	base := time.Now()
	tags := map[string]string{"question_key": "round1:G", "stream_id": "s1"}

	obs.RecordEvent(metrics.MetricsEvent{Name: "question_armed", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_interim", Time: base.Add(400 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "transcript_final", Time: base.Add(900 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "answer_submitted", Time: base.Add(1300 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "question_end", Time: base.Add(2 * time.Second), Tags: tags})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.questions) != 0 {
		t.Fatalf("expected question trace to be cleared after question_end, got %d", len(obs.questions))
	}
}

func TestLatencyObserverIgnoresUntaggedEvents(t *testing.T) {
	obs := NewLatencyObserver(nil)
	obs.RecordEvent(metrics.MetricsEvent{Name: "question_armed", Time: time.Now()})
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.questions) != 0 {
		t.Fatalf("expected no trace for event without question_key")
	}
}
