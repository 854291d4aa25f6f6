package virtual

import (
	"fmt"
	"slices"
	"sync"

	"github.com/cjeanneret/camkit/internal/camera"
)

// Device is one simulated camera module.
type Device struct {
	Facing       camera.Facing
	SensorOffset int
	Sensor       camera.Size // full resolution, landscape
	MaxZoom      float64     // zero disables zoom
	PreviewSizes []camera.Size
}

// DefaultDevices is a phone-like pair: a back sensor mounted at 90 degrees
// and a front one at 270.
func DefaultDevices() []Device {
	return []Device{
		{Facing: camera.FacingBack, SensorOffset: 90, Sensor: camera.Size{Width: 1920, Height: 1080}, MaxZoom: 1},
		{Facing: camera.FacingFront, SensorOffset: 270, Sensor: camera.Size{Width: 1280, Height: 720}},
	}
}

var defaultPreviewSizes = []camera.Size{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 720},
	{Width: 960, Height: 540},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}

// Hub is the set of physical devices. Backends sharing a hub cannot hold
// the same device at the same time.
type Hub struct {
	mu      sync.Mutex
	devices []Device
	held    map[camera.Facing]*Backend
}

// NewHub returns a hub exposing devices. No devices means DefaultDevices.
func NewHub(devices ...Device) *Hub {
	if len(devices) == 0 {
		devices = DefaultDevices()
	}
	return &Hub{devices: devices, held: make(map[camera.Facing]*Backend)}
}

// Facings lists the facings that have a device.
func (h *Hub) Facings() []camera.Facing {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []camera.Facing
	for _, d := range h.devices {
		if !slices.Contains(out, d.Facing) {
			out = append(out, d.Facing)
		}
	}
	return out
}

// Holder returns the backend holding facing, if any.
func (h *Hub) Holder(facing camera.Facing) *Backend {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held[facing]
}

func (h *Hub) acquire(facing camera.Facing, b *Backend) (Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := slices.IndexFunc(h.devices, func(d Device) bool { return d.Facing == facing })
	if i < 0 {
		return Device{}, fmt.Errorf("virtual %s: %w", facing, camera.ErrNoDevice)
	}
	if holder, ok := h.held[facing]; ok && holder != b {
		return Device{}, fmt.Errorf("virtual %s: %w", facing, camera.ErrDeviceBusy)
	}
	h.held[facing] = b
	return h.devices[i], nil
}

func (h *Hub) release(facing camera.Facing, b *Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held[facing] == b {
		delete(h.held, facing)
	}
}

func (d Device) capabilities(facings []camera.Facing, format camera.FrameFormat, flash bool) *camera.Capabilities {
	previews := d.PreviewSizes
	if len(previews) == 0 {
		for _, s := range defaultPreviewSizes {
			if s.Width <= d.Sensor.Width && s.Height <= d.Sensor.Height {
				previews = append(previews, s)
			}
		}
	}
	formats := []camera.FrameFormat{format}
	for _, f := range []camera.FrameFormat{camera.FormatRGBA, camera.FormatYUYV} {
		if f != format {
			formats = append(formats, f)
		}
	}
	caps := &camera.Capabilities{
		Facing:          d.Facing,
		SensorOffset:    d.SensorOffset,
		SupportedFacing: facings,
		PreviewSizes:    slices.Clone(previews),
		PictureSizes:    []camera.Size{d.Sensor, {Width: 640, Height: 480}},
		VideoSizes:      []camera.Size{{Width: 640, Height: 480}, {Width: 320, Height: 240}},
		FrameFormats:    formats,
		Flash:           []camera.Flash{camera.FlashOff},
		WhiteBalance: []camera.WhiteBalance{
			camera.WhiteBalanceAuto, camera.WhiteBalanceIncandescent, camera.WhiteBalanceFluorescent,
			camera.WhiteBalanceDaylight, camera.WhiteBalanceCloudy,
		},
		ZoomSupported: d.MaxZoom > 0,
		MaxZoom:       d.MaxZoom,
		ExposureMin:   -2,
		ExposureMax:   2,
		ExposureStep:  0.5,
		FrameRates:    []camera.FPSRange{{Min: 1, Max: 30}},
	}
	if flash {
		caps.Flash = append(caps.Flash, camera.FlashOn, camera.FlashAuto, camera.FlashTorch)
	}
	return caps
}
