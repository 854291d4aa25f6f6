package web

import (
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/camkit/internal/frame"
)

// recordingSource tracks how many times the streamer is registered and
// notes any add or remove that does not match the current registration.
type recordingSource struct {
	mu         sync.Mutex
	registered int
	bad        []string
}

func (s *recordingSource) AddFrameProcessor(p frame.Processor) {
	s.mu.Lock()
	s.registered++
	if s.registered > 1 {
		s.bad = append(s.bad, "double add")
	}
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (s *recordingSource) RemoveFrameProcessor(p frame.Processor) {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	s.registered--
	if s.registered < 0 {
		s.bad = append(s.bad, "remove without add")
	}
	s.mu.Unlock()
}

func (s *recordingSource) state() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered, append([]string(nil), s.bad...)
}

// ---------- PreviewStreamer ----------

func TestPreviewStreamer_RegistersWhileClientsConnected(t *testing.T) {
	src := &recordingSource{}
	s := NewPreviewStreamer(src, 10, 80)

	_, unsubA := s.subscribe()
	_, unsubB := s.subscribe()
	if n, _ := src.state(); n != 1 {
		t.Errorf("registered = %d after two clients, want 1", n)
	}
	unsubA()
	if n, _ := src.state(); n != 1 {
		t.Errorf("registered = %d with one client left, want 1", n)
	}
	unsubB()
	unsubB()
	if n, bad := src.state(); n != 0 || len(bad) != 0 {
		t.Errorf("registered = %d (%v) after all clients left, want 0", n, bad)
	}
}

func TestPreviewStreamer_ConcurrentSubscribeChurn(t *testing.T) {
	src := &recordingSource{}
	s := NewPreviewStreamer(src, 10, 80)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				_, unsub := s.subscribe()
				unsub()
			}
		}()
	}
	wg.Wait()

	n, bad := src.state()
	if len(bad) != 0 {
		t.Errorf("unbalanced registration: %v", bad)
	}
	if n != 0 {
		t.Errorf("registered = %d after churn, want 0", n)
	}

	// A client arriving after the churn still gets frames.
	_, unsub := s.subscribe()
	defer unsub()
	if n, _ := src.state(); n != 1 {
		t.Errorf("registered = %d for a new client, want 1", n)
	}
}
