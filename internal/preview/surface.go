package preview

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gg/surface"
	xdraw "golang.org/x/image/draw"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
)

// ErrNotReady is returned when drawing into or reading from a surface that is
// not currently drawable.
var ErrNotReady = errors.New("surface not ready")

// SurfaceFactory allocates the render target for a given size.
type SurfaceFactory func(width, height int) (surface.Surface, error)

// ImageSurfaceFactory allocates a CPU-rasterized gg surface.
func ImageSurfaceFactory(width, height int) (surface.Surface, error) {
	return surface.NewImageSurface(width, height), nil
}

// GPUSurface is a Renderer backed by a gg surface. Frames are scaled to the
// surface size, filtered, then composited; Snapshot returns that composited
// result.
type GPUSurface struct {
	lifecycle

	factory SurfaceFactory

	drawMu  sync.Mutex
	target  surface.Surface
	scratch *image.RGBA
	filter  Filter
	frames  uint64
}

// NewGPUSurface returns a surface binding that is not ready yet. A nil
// factory selects ImageSurfaceFactory.
func NewGPUSurface(factory SurfaceFactory, filter Filter) *GPUSurface {
	if factory == nil {
		factory = ImageSurfaceFactory
	}
	if filter == nil {
		filter = FilterNone
	}
	return &GPUSurface{factory: factory, filter: filter}
}

// Create allocates the render target and marks the surface ready.
func (s *GPUSurface) Create(size camera.Size) error {
	if err := s.allocate(size); err != nil {
		return err
	}
	s.create(size)
	return nil
}

// Resize reallocates the render target at the new size.
func (s *GPUSurface) Resize(size camera.Size) error {
	if size == s.Size() {
		return nil
	}
	if err := s.allocate(size); err != nil {
		return err
	}
	s.resize(size)
	return nil
}

// Destroy frees the render target. The binding stays valid and can be
// created again.
func (s *GPUSurface) Destroy() {
	s.destroy()
	s.drawMu.Lock()
	s.closeTarget()
	s.drawMu.Unlock()
}

// Release destroys the surface and invalidates the binding for good.
func (s *GPUSurface) Release() {
	s.release()
	s.drawMu.Lock()
	s.closeTarget()
	s.drawMu.Unlock()
}

// SetFilter changes the filter applied to subsequent frames.
func (s *GPUSurface) SetFilter(f Filter) {
	if f == nil {
		f = FilterNone
	}
	s.drawMu.Lock()
	s.filter = f
	s.drawMu.Unlock()
}

// Filter returns the active filter.
func (s *GPUSurface) Filter() Filter {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	return s.filter
}

// Frames returns how many frames have been composited.
func (s *GPUSurface) Frames() uint64 {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	return s.frames
}

// Draw scales img to the surface, applies the filter and composites it.
func (s *GPUSurface) Draw(img image.Image) error {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	if s.target == nil || !s.Ready() {
		return ErrNotReady
	}

	dst := s.scratch
	src := img.Bounds()
	if src.Dx() == dst.Rect.Dx() && src.Dy() == dst.Rect.Dy() {
		xdraw.Copy(dst, image.Point{}, img, src, xdraw.Src, nil)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Rect, img, src, xdraw.Src, nil)
	}
	s.filter.Apply(dst)

	s.target.Clear(color.Black)
	s.target.DrawImage(dst, surface.Pt(0, 0), nil)
	if err := s.target.Flush(); err != nil {
		return fmt.Errorf("flush surface: %w", err)
	}
	s.frames++
	return nil
}

// Snapshot reads back the composited content.
func (s *GPUSurface) Snapshot() (*image.RGBA, error) {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()
	if s.target == nil || !s.Ready() {
		return nil, ErrNotReady
	}
	img := s.target.Snapshot()
	if img == nil {
		return nil, ErrNotReady
	}
	return img, nil
}

func (s *GPUSurface) allocate(size camera.Size) error {
	if size.IsZero() {
		return fmt.Errorf("surface size %s: %w", size, camera.ErrInvalidSurface)
	}
	target, err := s.factory(size.Width, size.Height)
	if err != nil {
		return fmt.Errorf("allocate surface %s: %w", size, err)
	}
	s.drawMu.Lock()
	s.closeTarget()
	s.target = target
	s.scratch = image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	s.drawMu.Unlock()
	debug.Verbose("Preview surface allocated: %s", size)
	return nil
}

func (s *GPUSurface) closeTarget() {
	if s.target == nil {
		return
	}
	if err := s.target.Close(); err != nil {
		debug.Error(fmt.Errorf("close surface: %w", err))
	}
	s.target = nil
}
