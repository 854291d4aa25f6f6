// Package virtual is a synthetic camera backend. It renders a test pattern
// instead of reading a sensor and can inject the failures real devices
// produce (busy or missing devices, streaming failures, device errors).
package virtual

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/frame"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/hw/gpio"
	"github.com/cjeanneret/camkit/internal/logic/capture"
	"github.com/cjeanneret/camkit/internal/preview"
)

// ErrDeviceClosed ends a recording still running when the device closes.
var ErrDeviceClosed = errors.New("device closed during recording")

const (
	defaultFrameRate     = 30
	defaultFlashDuration = 50 * time.Millisecond
)

// Options configures a virtual backend.
type Options struct {
	Hub           *Hub               // shared devices; nil means a private hub with DefaultDevices
	Format        camera.FrameFormat // native preview frame format
	FrameRate     float64
	Lamp          *gpio.Lamp // flash; nil means no flash support
	FlashDuration time.Duration
	OpenDelay     time.Duration // simulated device latency for Open and Bind
}

var _ backend.Backend = (*Backend)(nil)

// Backend implements backend.Backend over a synthetic scene.
type Backend struct {
	opts Options
	hub  *Hub
	em   *backend.Emitter

	mu       sync.Mutex
	calls    []string
	dev      *Device
	caps     *camera.Capabilities
	binding  preview.Binding
	renderer preview.Renderer
	scene    scene
	flash    camera.Flash
	fps      float64
	tick     uint64
	stream   *stream
	rec      *capture.Recorder

	failStreaming error
	failPicture   error
	failBind      error
}

type stream struct {
	cfg  backend.StreamConfig
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// New returns a closed virtual backend.
func New(opts Options) *Backend {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.FlashDuration <= 0 {
		opts.FlashDuration = defaultFlashDuration
	}
	return &Backend{
		opts: opts,
		hub:  opts.Hub,
		em:   backend.NewEmitter(),
		fps:  opts.FrameRate,
	}
}

func (b *Backend) Name() string { return "virtual" }

func (b *Backend) Events() <-chan backend.Event { return b.em.Events() }

// ---------- Fault injection ----------

// FailStreaming makes every StartStreaming fail with err until cleared with nil.
func (b *Backend) FailStreaming(err error) {
	b.mu.Lock()
	b.failStreaming = err
	b.mu.Unlock()
}

// FailPictures makes sensor-direct stills fail with err until cleared.
func (b *Backend) FailPictures(err error) {
	b.mu.Lock()
	b.failPicture = err
	b.mu.Unlock()
}

// FailBind makes Bind fail with err until cleared.
func (b *Backend) FailBind(err error) {
	b.mu.Lock()
	b.failBind = err
	b.mu.Unlock()
}

// InjectError simulates an asynchronous device failure: streaming stops and
// an EventError is emitted.
func (b *Backend) InjectError(err error) {
	debug.Info("Virtual camera: injected device error: %v", err)
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s != nil {
		s.halt()
	}
	b.em.Emit(backend.Event{Kind: backend.EventError, Err: err})
}

// ---------- Introspection ----------

// Calls returns the backend methods invoked so far, in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// Opened reports whether a device is held.
func (b *Backend) Opened() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev != nil
}

// Streaming returns the active stream configuration.
func (b *Backend) Streaming() (backend.StreamConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return backend.StreamConfig{}, false
	}
	return b.stream.cfg, true
}

// Recording reports whether a sensor-direct recording is active.
func (b *Backend) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec != nil
}

func (b *Backend) record(call string) {
	b.calls = append(b.calls, call)
	debug.Trace("virtual: %s", call)
}

// ---------- Lifecycle ----------

func (b *Backend) Open(ctx context.Context, facing camera.Facing) (*camera.Capabilities, error) {
	b.mu.Lock()
	b.record("open:" + facing.String())
	b.mu.Unlock()

	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	dev, err := b.hub.acquire(facing, b)
	if err != nil {
		return nil, err
	}
	caps := dev.capabilities(b.hub.Facings(), b.opts.Format, b.opts.Lamp != nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dev = &dev
	b.caps = caps
	b.scene = scene{}
	b.flash = camera.FlashOff
	b.fps = b.opts.FrameRate
	debug.Info("Virtual camera: opened %s (sensor %s, offset %d)", facing, dev.Sensor, dev.SensorOffset)
	return caps, nil
}

func (b *Backend) Bind(ctx context.Context, binding preview.Binding) error {
	b.mu.Lock()
	b.record("bind")
	failBind := b.failBind
	b.mu.Unlock()

	if err := b.delay(ctx); err != nil {
		return err
	}
	if failBind != nil {
		return failBind
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return fmt.Errorf("virtual bind: device not open")
	}
	b.binding = binding
	b.renderer, _ = binding.(preview.Renderer)
	return nil
}

func (b *Backend) StartStreaming(ctx context.Context, cfg backend.StreamConfig) (backend.StreamConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("start_streaming:" + cfg.Size.String())

	if b.failStreaming != nil {
		return cfg, fmt.Errorf("virtual start streaming: %w", b.failStreaming)
	}
	if b.dev == nil || b.binding == nil {
		return cfg, fmt.Errorf("virtual start streaming: not bound")
	}
	if b.stream != nil {
		return b.stream.cfg, nil
	}
	if cfg.Size.IsZero() {
		return cfg, fmt.Errorf("virtual start streaming: empty size")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = b.fps
	}
	s := &stream{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	b.stream = s
	if b.flash == camera.FlashTorch && b.opts.Lamp != nil {
		if err := b.opts.Lamp.Torch(true); err != nil {
			debug.Error(fmt.Errorf("torch: %w", err))
		}
	}
	go b.runStream(s)
	return cfg, nil
}

func (b *Backend) StopStreaming(ctx context.Context) error {
	b.mu.Lock()
	b.record("stop_streaming")
	b.mu.Unlock()
	return b.stopStream(ctx)
}

func (b *Backend) stopStream(ctx context.Context) error {
	b.mu.Lock()
	s := b.stream
	b.stream = nil
	b.mu.Unlock()

	if s == nil {
		return nil
	}
	s.halt()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.opts.Lamp != nil {
		_ = b.opts.Lamp.Torch(false)
	}
	return nil
}

func (b *Backend) Unbind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("unbind")
	b.binding = nil
	b.renderer = nil
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.record("close")
	rec := b.rec
	b.mu.Unlock()

	if rec != nil {
		rec.Fail(ErrDeviceClosed)
		select {
		case <-rec.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := b.stopStream(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev != nil {
		b.hub.release(b.dev.Facing, b)
		debug.Info("Virtual camera: closed %s", b.dev.Facing)
	}
	b.dev = nil
	b.caps = nil
	b.binding = nil
	b.renderer = nil
	if b.opts.Lamp != nil {
		_ = b.opts.Lamp.Off()
	}
	return nil
}

func (b *Backend) delay(ctx context.Context) error {
	if b.opts.OpenDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(b.opts.OpenDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------- Controls ----------

func (b *Backend) ApplyControl(ctx context.Context, ctl camera.Control) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("control:" + ctl.String())
	if b.dev == nil {
		return fmt.Errorf("virtual control %s: device not open", ctl.Kind)
	}

	switch ctl.Kind {
	case camera.ControlFlash:
		if b.opts.Lamp != nil && b.stream != nil {
			if err := b.opts.Lamp.Torch(ctl.Flash == camera.FlashTorch); err != nil {
				return fmt.Errorf("virtual flash: %w", err)
			}
		}
		b.flash = ctl.Flash
	case camera.ControlWhiteBalance:
		b.scene.wb = ctl.WhiteBalance
	case camera.ControlZoom:
		b.scene.zoom = ctl.Value
	case camera.ControlExposure:
		b.scene.exposure = ctl.Value
	case camera.ControlFrameRate:
		b.fps = ctl.Value
	default:
		return fmt.Errorf("virtual: %w: %s is not a device control", camera.ErrUnsupportedControl, ctl.Kind)
	}
	return nil
}

// ---------- Streaming ----------

func (s *stream) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (b *Backend) runStream(s *stream) {
	defer close(s.done)
	interval := time.Duration(float64(time.Second) / s.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var buf []byte
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		b.tick++
		sc, tick, r, fps := b.scene, b.tick, b.renderer, b.fps
		b.mu.Unlock()

		if want := time.Duration(float64(time.Second) / fps); want != interval {
			interval = want
			ticker.Reset(interval)
		}

		img := sc.render(s.cfg.Size, tick)
		if r != nil {
			if err := r.Draw(img); err != nil && !errors.Is(err, preview.ErrNotReady) {
				debug.Error(fmt.Errorf("virtual draw: %w", err))
			}
		}
		if s.cfg.Sink != nil {
			buf = b.nativeBytes(img, s.cfg.Format, buf)
			s.cfg.Sink.Offer(buf, time.Now())
		}
	}
}

func (b *Backend) nativeBytes(img *image.RGBA, format camera.FrameFormat, buf []byte) []byte {
	switch format {
	case camera.FormatYUYV:
		return frame.RGBAToYUYV(img, buf)
	case camera.FormatMJPEG:
		data, err := capture.EncodeJPEG(img, 80)
		if err != nil {
			debug.Error(err)
			return buf[:0]
		}
		return data
	default:
		return img.Pix
	}
}

// ---------- Captures ----------

func (b *Backend) TakePicture(req backend.PictureRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("picture")
	if b.dev == nil {
		return fmt.Errorf("virtual picture: device not open")
	}
	size := req.Size
	if size.IsZero() {
		size = b.dev.Sensor
	}
	sc, tick, flash, failPicture := b.scene, b.tick, b.flash, b.failPicture

	go func() {
		b.em.Emit(backend.Event{Kind: backend.EventShutter, ID: req.ID})
		if b.opts.Lamp != nil && (flash == camera.FlashOn || (flash == camera.FlashAuto && sc.exposure < 0)) {
			if err := b.opts.Lamp.Fire(b.opts.FlashDuration); err != nil {
				debug.Error(fmt.Errorf("flash: %w", err))
			}
		}
		if failPicture != nil {
			b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID,
				Err: fmt.Errorf("%w: %w", camera.ErrCaptureFailed, failPicture)})
			return
		}
		data, err := capture.Encode(sc.render(size, tick), req.Format, req.Quality)
		if err != nil {
			b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID,
				Err: fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err)})
			return
		}
		b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID, Picture: &camera.RawPicture{
			Data:    data,
			Format:  req.Format,
			Size:    size,
			TakenAt: time.Now(),
		}})
	}()
	return nil
}

func (b *Backend) StartVideo(req backend.VideoRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("start_video")
	if b.dev == nil || b.stream == nil {
		return fmt.Errorf("virtual video: not streaming")
	}
	if b.rec != nil {
		return fmt.Errorf("virtual video: %w", camera.ErrCaptureInProgress)
	}
	size := b.caps.VideoSizes[0]
	src := func() (image.Image, error) {
		b.mu.Lock()
		sc, tick, live := b.scene, b.tick, b.stream != nil
		b.mu.Unlock()
		if !live {
			return nil, fmt.Errorf("stream stopped")
		}
		return sc.render(size, tick), nil
	}

	var rec *capture.Recorder
	rec, err := capture.StartRecorder(capture.RecorderConfig{
		Path:      req.Path,
		FrameRate: req.FrameRate,
		MaxBytes:  req.MaxBytes,
		Quality:   req.Quality,
		OnStart: func(camera.Size) {
			b.em.Emit(backend.Event{Kind: backend.EventVideoStarted, ID: req.ID})
		},
		OnEnd: func(r camera.Recording) {
			b.mu.Lock()
			if b.rec == rec {
				b.rec = nil
			}
			b.mu.Unlock()
			b.em.Emit(backend.Event{Kind: backend.EventVideoEnded, ID: req.ID, Recording: &r})
		},
	}, src)
	if err != nil {
		return err
	}
	b.rec = rec
	return nil
}

func (b *Backend) StopVideo(ctx context.Context) error {
	b.mu.Lock()
	b.record("stop_video")
	rec := b.rec
	b.mu.Unlock()
	if rec == nil {
		return nil
	}
	rec.Stop(camera.VideoEndUser)
	select {
	case <-rec.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
