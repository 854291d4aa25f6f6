package preview

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/gogpu/gg/surface"

	"github.com/cjeanneret/camkit/internal/camera"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func near(a, b color.RGBA) bool {
	d := func(x, y uint8) bool { return x-y <= 1 || y-x <= 1 }
	return d(a.R, b.R) && d(a.G, b.G) && d(a.B, b.B) && a.A == b.A
}

// ---------- Lifecycle ----------

func TestWindow_Lifecycle(t *testing.T) {
	w := NewWindow()
	rec := &eventRecorder{}
	cancel := w.Subscribe(rec.record)
	defer cancel()

	if w.Ready() || !w.Size().IsZero() {
		t.Fatal("new window should not be ready")
	}
	w.Create(camera.Size{Width: 640, Height: 480})
	w.Resize(camera.Size{Width: 640, Height: 480}) // no change, no event
	w.Resize(camera.Size{Width: 480, Height: 640})
	w.Destroy()
	w.Destroy() // already destroyed, no event

	want := []EventKind{EventReady, EventResized, EventDestroyed}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	w.Release()
	if w.Valid() {
		t.Error("released window should be invalid")
	}
	w.Create(camera.Size{Width: 10, Height: 10})
	if w.Ready() {
		t.Error("released window must not become ready again")
	}
}

func TestWindow_CancelSubscription(t *testing.T) {
	w := NewWindow()
	rec := &eventRecorder{}
	cancel := w.Subscribe(rec.record)
	cancel()
	w.Create(camera.Size{Width: 1, Height: 1})
	if len(rec.kinds()) != 0 {
		t.Error("canceled subscriber still notified")
	}
}

// ---------- GPUSurface ----------

func TestGPUSurface_DrawAndSnapshot(t *testing.T) {
	s := NewGPUSurface(nil, nil)
	if err := s.Draw(uniform(4, 4, color.RGBA{255, 0, 0, 255})); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Draw before Create = %v, want ErrNotReady", err)
	}
	if err := s.Create(camera.Size{Width: 4, Height: 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Draw(uniform(8, 8, color.RGBA{10, 200, 30, 255})); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Bounds().Dx() != 4 || snap.Bounds().Dy() != 4 {
		t.Fatalf("snapshot size = %v, want 4x4", snap.Bounds())
	}
	if got := snap.RGBAAt(2, 2); !near(got, color.RGBA{10, 200, 30, 255}) {
		t.Errorf("pixel = %v, want scaled source color", got)
	}
	if s.Frames() != 1 {
		t.Errorf("frames = %d, want 1", s.Frames())
	}
}

func TestGPUSurface_FilterAppliesToSnapshot(t *testing.T) {
	s := NewGPUSurface(nil, FilterInvert)
	if err := s.Create(camera.Size{Width: 2, Height: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Draw(uniform(2, 2, color.RGBA{0, 100, 255, 255})); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot()
	if got := snap.RGBAAt(0, 0); got != (color.RGBA{255, 155, 0, 255}) {
		t.Errorf("inverted pixel = %v", got)
	}

	s.SetFilter(FilterGrayscale)
	s.Draw(uniform(2, 2, color.RGBA{100, 100, 100, 255}))
	snap, _ = s.Snapshot()
	if got := snap.RGBAAt(1, 1); got != (color.RGBA{100, 100, 100, 255}) {
		t.Errorf("grayscale of gray = %v", got)
	}
}

func TestGPUSurface_DestroyThenRecreate(t *testing.T) {
	var allocated int
	factory := func(w, h int) (surface.Surface, error) {
		allocated++
		return surface.NewImageSurface(w, h), nil
	}
	s := NewGPUSurface(factory, nil)
	rec := &eventRecorder{}
	s.Subscribe(rec.record)

	s.Create(camera.Size{Width: 2, Height: 2})
	s.Destroy()
	if _, err := s.Snapshot(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Snapshot after Destroy = %v, want ErrNotReady", err)
	}
	s.Create(camera.Size{Width: 3, Height: 3})
	s.Resize(camera.Size{Width: 6, Height: 3})
	if allocated != 3 {
		t.Errorf("allocated %d targets, want 3", allocated)
	}
	if got := s.Size(); got != (camera.Size{Width: 6, Height: 3}) {
		t.Errorf("size = %v", got)
	}
	want := []EventKind{EventReady, EventDestroyed, EventReady, EventResized}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestGPUSurface_CreateRejectsEmptySize(t *testing.T) {
	s := NewGPUSurface(nil, nil)
	if err := s.Create(camera.Size{}); !errors.Is(err, camera.ErrInvalidSurface) {
		t.Errorf("Create(0x0) = %v, want ErrInvalidSurface", err)
	}
}

func TestParseFilter(t *testing.T) {
	for _, name := range []string{"", "none", "Sepia", "grayscale", "invert"} {
		if _, err := ParseFilter(name); err != nil {
			t.Errorf("ParseFilter(%q): %v", name, err)
		}
	}
	if _, err := ParseFilter("vhs"); err == nil {
		t.Error("expected error for unknown filter")
	}
}
