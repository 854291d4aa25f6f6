package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/frame"
	"github.com/cjeanneret/camkit/internal/logic/capture"
)

// FrameSource is the part of the engine the preview stream needs.
type FrameSource interface {
	AddFrameProcessor(p frame.Processor)
	RemoveFrameProcessor(p frame.Processor)
}

// PreviewStreamer is a frame processor that sends preview frames, upright
// for the view and JPEG encoded, to websocket clients. It is registered with
// the source only while at least one client is connected.
type PreviewStreamer struct {
	src      FrameSource
	interval time.Duration
	quality  int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	last    time.Time

	// regMu orders registration with the source; Process never takes it.
	regMu      sync.Mutex
	registered bool

	sent atomic.Uint64
}

// NewPreviewStreamer returns a streamer sending at most maxFPS frames per
// second.
func NewPreviewStreamer(src FrameSource, maxFPS int, quality int) *PreviewStreamer {
	if maxFPS <= 0 {
		maxFPS = 10
	}
	return &PreviewStreamer{
		src:      src,
		interval: time.Second / time.Duration(maxFPS),
		quality:  quality,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[chan []byte]struct{}),
	}
}

// Process encodes f for the connected clients. It runs on the dispatcher
// goroutine; slow clients miss frames.
func (s *PreviewStreamer) Process(f *frame.Frame) {
	s.mu.Lock()
	if len(s.clients) == 0 || f.Timestamp.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return
	}
	s.last = f.Timestamp
	s.mu.Unlock()

	img, err := f.Image()
	if err != nil {
		debug.Trace("Preview stream: %v", err)
		return
	}
	data, err := capture.EncodeJPEG(capture.Orient(img, f.RotationToView, false), s.quality)
	if err != nil {
		debug.Trace("Preview stream: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- data:
		default:
		}
	}
	s.sent.Add(1)
}

// Sent counts frames encoded for clients.
func (s *PreviewStreamer) Sent() uint64 { return s.sent.Load() }

func (s *PreviewStreamer) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 2)
	s.regMu.Lock()
	defer s.regMu.Unlock()
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	if !s.registered {
		s.src.AddFrameProcessor(s)
		s.registered = true
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.regMu.Lock()
			defer s.regMu.Unlock()
			s.mu.Lock()
			delete(s.clients, ch)
			empty := len(s.clients) == 0
			s.mu.Unlock()
			if empty && s.registered {
				s.src.RemoveFrameProcessor(s)
				s.registered = false
			}
		})
	}
}

// ServeHTTP upgrades to a websocket and writes one binary message per frame
// until the client goes away.
func (s *PreviewStreamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("Preview stream: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	debug.Live("Preview stream: client %s connected", r.RemoteAddr)

	frames, unsub := s.subscribe()
	defer unsub()

	// The reader only notices the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					debug.Verbose("Preview stream: %v", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case data := <-frames:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				debug.Verbose("Preview stream: write to %s: %v", r.RemoteAddr, err)
				return
			}
		case <-gone:
			debug.Live("Preview stream: client %s disconnected", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
