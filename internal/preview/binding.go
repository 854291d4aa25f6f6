// Package preview models the surface the preview is drawn into. Bindings are
// created and destroyed by the UI layer; the engine only observes them.
package preview

import (
	"image"
	"sync"

	"github.com/cjeanneret/camkit/internal/camera"
)

// EventKind is a surface lifecycle change.
type EventKind int

const (
	// EventReady fires when the surface becomes drawable.
	EventReady EventKind = iota
	// EventResized fires when a ready surface changes size.
	EventResized
	// EventDestroyed fires when the surface stops being drawable. It may
	// become ready again later.
	EventDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventResized:
		return "resized"
	default:
		return "destroyed"
	}
}

// Event is delivered to subscribers on the goroutine that caused it.
type Event struct {
	Kind EventKind
	Size camera.Size
}

// Binding is the thing the preview is drawn into.
type Binding interface {
	// Size is the current drawable size (zero when not ready).
	Size() camera.Size
	// Ready reports whether the surface can be drawn into now.
	Ready() bool
	// Valid is false once the UI has released the binding for good.
	Valid() bool
	// Subscribe registers fn for lifecycle events and returns a cancel func.
	Subscribe(fn func(Event)) (cancel func())
}

// Renderer is a GPU-backed binding: backends draw frames into it and its
// composited (filtered) content can be read back.
type Renderer interface {
	Binding
	// Draw composites one frame, in sensor orientation.
	Draw(img image.Image) error
	// Snapshot reads back the current composited content.
	Snapshot() (*image.RGBA, error)
}

// lifecycle implements the readiness half of Binding. UI code drives it
// through Create, Resize, Destroy and Release.
type lifecycle struct {
	mu       sync.Mutex
	size     camera.Size
	ready    bool
	released bool
	nextID   int
	subs     map[int]func(Event)
}

func (l *lifecycle) Size() camera.Size {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return camera.Size{}
	}
	return l.size
}

func (l *lifecycle) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready && !l.released
}

func (l *lifecycle) Valid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

func (l *lifecycle) Subscribe(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[int]func(Event))
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// transition applies a change under the lock, then notifies outside it.
func (l *lifecycle) transition(apply func() (Event, bool)) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	ev, notify := apply()
	var subs []func(Event)
	if notify {
		for _, fn := range l.subs {
			subs = append(subs, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (l *lifecycle) create(size camera.Size) {
	l.transition(func() (Event, bool) {
		if size.IsZero() {
			return Event{}, false
		}
		l.size = size
		l.ready = true
		return Event{Kind: EventReady, Size: size}, true
	})
}

func (l *lifecycle) resize(size camera.Size) {
	l.transition(func() (Event, bool) {
		if !l.ready || size == l.size || size.IsZero() {
			l.size = size
			return Event{}, false
		}
		l.size = size
		return Event{Kind: EventResized, Size: size}, true
	})
}

func (l *lifecycle) destroy() {
	l.transition(func() (Event, bool) {
		if !l.ready {
			return Event{}, false
		}
		l.ready = false
		return Event{Kind: EventDestroyed}, true
	})
}

func (l *lifecycle) release() {
	l.destroy()
	l.mu.Lock()
	l.released = true
	l.subs = nil
	l.mu.Unlock()
}

// Window is a platform window binding. The backend renders into it outside
// the engine, so it cannot be read back.
type Window struct {
	lifecycle
}

// NewWindow returns a window binding that is not ready yet.
func NewWindow() *Window { return &Window{} }

// Create marks the window drawable at the given size.
func (w *Window) Create(size camera.Size) { w.create(size) }

// Resize changes the drawable size.
func (w *Window) Resize(size camera.Size) { w.resize(size) }

// Destroy marks the window not drawable.
func (w *Window) Destroy() { w.destroy() }

// Release invalidates the binding permanently.
func (w *Window) Release() { w.release() }
