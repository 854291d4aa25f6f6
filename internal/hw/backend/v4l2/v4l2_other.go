//go:build !linux

package v4l2

import (
	"context"
	"fmt"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/preview"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is unavailable off Linux: Open always fails with ErrNoDevice.
type Backend struct {
	em *backend.Emitter
}

// New returns a backend without devices.
func New(opts Options) *Backend { return &Backend{em: backend.NewEmitter()} }

func (b *Backend) Name() string { return "v4l2" }

func (b *Backend) Events() <-chan backend.Event { return b.em.Events() }

func (b *Backend) Open(ctx context.Context, facing camera.Facing) (*camera.Capabilities, error) {
	return nil, fmt.Errorf("v4l2 requires linux: %w", camera.ErrNoDevice)
}

func (b *Backend) Bind(context.Context, preview.Binding) error { return errNotOpen }
func (b *Backend) StartStreaming(_ context.Context, cfg backend.StreamConfig) (backend.StreamConfig, error) {
	return cfg, errNotOpen
}
func (b *Backend) StopStreaming(context.Context) error { return nil }
func (b *Backend) Unbind(context.Context) error { return nil }
func (b *Backend) Close(context.Context) error { return nil }
func (b *Backend) ApplyControl(context.Context, camera.Control) error { return errNotOpen }
func (b *Backend) TakePicture(backend.PictureRequest) error { return errNotOpen }
func (b *Backend) StartVideo(backend.VideoRequest) error { return errNotOpen }
func (b *Backend) StopVideo(context.Context) error { return nil }

var errNotOpen = fmt.Errorf("v4l2: device not open")
