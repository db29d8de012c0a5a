package mock

import (
	"sync"
	"testing"
	"time"

	"github.com/pasavoz/pasavoz/pkg/frames"
)

func TestSendAfterStopIsDiscarded(t *testing.T) {
	tr := New()
	if err := tr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	tf := frames.NewTextFrame("s1", time.Now().UnixNano(), "tarde", nil)
	if err := tr.Send(tf); err != nil {
		t.Fatalf("send after stop: %v", err)
	}
	tr.Push(tf)
	if _, ok := <-tr.Sent(); ok {
		t.Fatalf("expected sent channel closed with no frames")
	}
}

func TestConcurrentSendDuringStop(t *testing.T) {
	tr := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tf := frames.NewTextFrame("s1", time.Now().UnixNano(), "voz", nil)
			for j := 0; j < 100; j++ {
				_ = tr.Send(tf)
				tr.Push(tf)
			}
		}()
	}
	_ = tr.Stop()
	wg.Wait()
	_ = tr.Stop()
}
