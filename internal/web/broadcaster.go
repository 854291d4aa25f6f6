package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Kind  string `json:"k,omitempty"` // engine event kind; empty for log lines
	Msg   string `json:"msg"`
	State string `json:"state,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with log.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}

// Listener returns a camera listener that forwards engine events to SSE
// clients.
func (b *StatusBroadcaster) Listener() camera.Listener {
	return &statusListener{b: b}
}

type statusListener struct {
	b *StatusBroadcaster
}

func (l *statusListener) OnStateChanged(from, to camera.State) {
	l.b.send(StatusEvent{Level: "info", Kind: "state", State: to.String(), Msg: from.String() + " -> " + to.String()})
}

func (l *statusListener) OnCameraOpened(caps *camera.Capabilities) {
	l.b.send(StatusEvent{Level: "info", Kind: "opened", Msg: caps.Facing.String() + " camera opened"})
}

func (l *statusListener) OnCameraClosed() {
	l.b.send(StatusEvent{Level: "info", Kind: "closed", Msg: "camera closed"})
}

func (l *statusListener) OnError(err error) {
	l.b.send(StatusEvent{Level: "error", Kind: "error", Msg: err.Error()})
}

func (l *statusListener) OnPictureShutter() {
	l.b.send(StatusEvent{Level: "info", Kind: "shutter", Msg: "shutter"})
}

func (l *statusListener) OnVideoRecordingStart() {
	l.b.send(StatusEvent{Level: "info", Kind: "video_start", Msg: "recording"})
}

func (l *statusListener) OnVideoRecordingEnd() {
	l.b.send(StatusEvent{Level: "info", Kind: "video_end", Msg: "recording stopped"})
}
