package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 64)
	for i := 0; i < 10; i++ {
		a.RecordEvent(MetricsEvent{Name: fmt.Sprintf("ev_%d", i), Time: time.Now()})
	}
	a.Close()

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.Events) != 10 {
		t.Fatalf("expected 10 events after drain, got %d", len(mem.Events))
	}
	if mem.Events[0].Name != "ev_0" || mem.Events[9].Name != "ev_9" {
		t.Fatalf("events out of order: %v ... %v", mem.Events[0].Name, mem.Events[9].Name)
	}
}

func TestAsyncObserverDropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(MetricsEvent) { <-block })
	a := NewAsyncObserver(slow, 1)

	// One event is consumed by the blocked worker, one fills the buffer,
	// everything after that must be dropped without blocking the caller.
	for i := 0; i < 5; i++ {
		a.RecordEvent(MetricsEvent{Name: "ev"})
	}
	if a.Dropped() == 0 {
		t.Fatalf("expected dropped events on overflow")
	}
	close(block)
	a.Close()
}

func TestSamplingObserverKeepsEveryNth(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25)
	for i := 0; i < 100; i++ {
		s.RecordEvent(MetricsEvent{Name: "ev"})
	}
	mem.mu.Lock()
	got := len(mem.Events)
	mem.mu.Unlock()
	if got != 25 {
		t.Fatalf("expected 25 sampled events, got %d", got)
	}
}

func TestSamplingObserverZeroRateDropsAll(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0)
	for i := 0; i < 10; i++ {
		s.RecordEvent(MetricsEvent{Name: "ev"})
	}
	mem.mu.Lock()
	got := len(mem.Events)
	mem.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no events at rate 0, got %d", got)
	}
}

func TestJSONLObserverWritesTags(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(MetricsEvent{
		Name: "answer_submitted",
		Time: time.Now(),
		Tags: map[string]string{"question_key": "ring:0:C"},
	})
	line := buf.String()
	if !strings.Contains(line, `"name":"answer_submitted"`) {
		t.Fatalf("expected event name in output, got %q", line)
	}
	if !strings.Contains(line, `"question_key":"ring:0:C"`) {
		t.Fatalf("expected tag in output, got %q", line)
	}
}

type observerFunc func(MetricsEvent)

func (f observerFunc) RecordEvent(ev MetricsEvent) { f(ev) }
