package v4l2

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/frame"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/logic/capture"
	"github.com/cjeanneret/camkit/internal/preview"
)

const (
	defaultFrameRate   = 30
	defaultBufferCount = 4
	waitTimeoutSec     = 1
)

var _ backend.Backend = (*Backend)(nil)

// Backend drives one V4L2 device at a time.
type Backend struct {
	opts Options
	em   *backend.Emitter

	mu       sync.Mutex
	cam      *webcam.Webcam
	facing   camera.Facing
	caps     *camera.Capabilities
	controls map[webcam.ControlID]webcam.Control
	renderer preview.Renderer
	bound    bool
	flash    camera.Flash
	stream   *stream
	rec      *capture.Recorder

	// latest holds a copy of the newest frame for stills and recordings.
	latest     []byte
	latestSize camera.Size
	latestFmt  camera.FrameFormat
}

type stream struct {
	cfg  backend.StreamConfig
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *stream) halt() { s.once.Do(func() { close(s.stop) }) }

// New returns a closed V4L2 backend.
func New(opts Options) *Backend {
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.BufferCount == 0 {
		opts.BufferCount = defaultBufferCount
	}
	return &Backend{opts: opts, em: backend.NewEmitter()}
}

func (b *Backend) Name() string { return "v4l2" }

func (b *Backend) Events() <-chan backend.Event { return b.em.Events() }

func (b *Backend) Open(ctx context.Context, facing camera.Facing) (*camera.Capabilities, error) {
	path, ok := b.opts.Devices[facing]
	if !ok || path == "" {
		return nil, fmt.Errorf("v4l2 %s: %w", facing, camera.ErrNoDevice)
	}
	cam, err := webcam.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, syscall.EBUSY):
			return nil, fmt.Errorf("v4l2 %s: %w", path, camera.ErrDeviceBusy)
		case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
			return nil, fmt.Errorf("v4l2 %s: %w", path, camera.ErrNoDevice)
		}
		return nil, fmt.Errorf("v4l2 open %s: %w", path, err)
	}

	caps, err := b.describe(cam, facing)
	if err != nil {
		cam.Close()
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cam = cam
	b.facing = facing
	b.caps = caps
	b.controls = cam.GetControls()
	b.flash = camera.FlashOff
	debug.Info("V4L2: opened %s (%s) formats=%v", path, facing, caps.FrameFormats)
	return caps, nil
}

func (b *Backend) describe(cam *webcam.Webcam, facing camera.Facing) (*camera.Capabilities, error) {
	var formats []camera.FrameFormat
	var ranges []sizeRange
	for pf, name := range cam.GetSupportedFormats() {
		f, ok := formatOf(uint32(pf))
		if !ok {
			debug.Verbose("V4L2: skipping format %s", name)
			continue
		}
		formats = append(formats, f)
		for _, fs := range cam.GetSupportedFrameSizes(pf) {
			ranges = append(ranges, sizeRange{
				MinW: fs.MinWidth, MaxW: fs.MaxWidth, StepW: fs.StepWidth,
				MinH: fs.MinHeight, MaxH: fs.MaxHeight, StepH: fs.StepHeight,
			})
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("v4l2: no YUYV or MJPEG format: %w", camera.ErrNoDevice)
	}
	// Prefer YUYV: it needs no decode before reaching processors.
	if i := indexOf(formats, camera.FormatYUYV); i > 0 {
		formats[0], formats[i] = formats[i], formats[0]
	}
	sizes := expandSizes(ranges)

	var video []camera.Size
	for _, s := range sizes {
		if s.Width <= 1280 && s.Height <= 720 {
			video = append(video, s)
		}
	}

	controls := cam.GetControls()
	_, zoom := controls[webcam.ControlID(cidZoomAbsolute)]
	_, brightness := controls[webcam.ControlID(cidBrightness)]

	caps := &camera.Capabilities{
		Facing:          facing,
		SensorOffset:    b.opts.SensorOffset[facing],
		SupportedFacing: b.facings(),
		PreviewSizes:    sizes,
		PictureSizes:    sizes,
		VideoSizes:      video,
		FrameFormats:    formats,
		Flash:           []camera.Flash{camera.FlashOff},
		WhiteBalance:    []camera.WhiteBalance{camera.WhiteBalanceAuto},
		ZoomSupported:   zoom,
		FrameRates:      []camera.FPSRange{{Min: 1, Max: b.opts.FrameRate}},
	}
	if zoom {
		caps.MaxZoom = 1
	}
	if brightness {
		caps.ExposureMin, caps.ExposureMax, caps.ExposureStep = -2, 2, 0.5
	}
	if _, ok := controls[webcam.ControlID(cidWBTemperature)]; ok {
		caps.WhiteBalance = append(caps.WhiteBalance, camera.WhiteBalanceIncandescent,
			camera.WhiteBalanceFluorescent, camera.WhiteBalanceDaylight, camera.WhiteBalanceCloudy)
	}
	if b.opts.Lamp != nil {
		caps.Flash = append(caps.Flash, camera.FlashOn, camera.FlashAuto, camera.FlashTorch)
	}
	return caps, nil
}

func (b *Backend) facings() []camera.Facing {
	var out []camera.Facing
	for _, f := range []camera.Facing{camera.FacingBack, camera.FacingFront} {
		if b.opts.Devices[f] != "" {
			out = append(out, f)
		}
	}
	return out
}

func indexOf(formats []camera.FrameFormat, f camera.FrameFormat) int {
	for i, g := range formats {
		if g == f {
			return i
		}
	}
	return -1
}

func (b *Backend) Bind(ctx context.Context, binding preview.Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cam == nil {
		return fmt.Errorf("v4l2 bind: device not open")
	}
	b.bound = true
	b.renderer, _ = binding.(preview.Renderer)
	return nil
}

func (b *Backend) StartStreaming(ctx context.Context, cfg backend.StreamConfig) (backend.StreamConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cam == nil || !b.bound {
		return cfg, fmt.Errorf("v4l2 start streaming: not bound")
	}
	if b.stream != nil {
		return b.stream.cfg, nil
	}
	if cfg.Format == camera.FormatRGBA {
		cfg.Format = b.caps.PreferredFrameFormat()
	}
	pf, w, h, err := b.cam.SetImageFormat(webcam.PixelFormat(fourCCOf(cfg.Format)), uint32(cfg.Size.Width), uint32(cfg.Size.Height))
	if err != nil {
		return cfg, fmt.Errorf("v4l2 set format %s %s: %w", cfg.Format, cfg.Size, err)
	}
	if f, ok := formatOf(uint32(pf)); ok {
		cfg.Format = f
	}
	cfg.Size = camera.Size{Width: int(w), Height: int(h)}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = b.opts.FrameRate
	}
	if err := b.cam.SetFramerate(float32(cfg.FrameRate)); err != nil {
		debug.Verbose("V4L2: frame rate not settable: %v", err)
	}
	if err := b.cam.SetBufferCount(b.opts.BufferCount); err != nil {
		return cfg, fmt.Errorf("v4l2 buffers: %w", err)
	}
	if err := b.cam.StartStreaming(); err != nil {
		return cfg, fmt.Errorf("v4l2 start streaming: %w", err)
	}
	if b.flash == camera.FlashTorch && b.opts.Lamp != nil {
		_ = b.opts.Lamp.Torch(true)
	}
	s := &stream{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	b.stream = s
	go b.readLoop(b.cam, s)
	debug.Info("V4L2: streaming %s %s @%gfps", cfg.Format, cfg.Size, cfg.FrameRate)
	return cfg, nil
}

func (b *Backend) readLoop(cam *webcam.Webcam, s *stream) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		err := cam.WaitForFrame(waitTimeoutSec)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			b.fail(s, fmt.Errorf("v4l2 wait: %w", err))
			return
		}
		data, err := cam.ReadFrame()
		if err != nil {
			b.fail(s, fmt.Errorf("v4l2 read: %w", err))
			return
		}
		if len(data) == 0 {
			continue
		}
		now := time.Now()

		b.mu.Lock()
		b.latest = append(b.latest[:0], data...)
		b.latestSize, b.latestFmt = s.cfg.Size, s.cfg.Format
		r := b.renderer
		b.mu.Unlock()

		if r != nil {
			if img, err := frame.DecodeImage(s.cfg.Format, s.cfg.Size, data); err == nil {
				if err := r.Draw(img); err != nil && !errors.Is(err, preview.ErrNotReady) {
					debug.Error(err)
				}
			}
		}
		if s.cfg.Sink != nil {
			s.cfg.Sink.Offer(data, now)
		}
	}
}

// fail reports a streaming failure unless the stream is being stopped.
func (b *Backend) fail(s *stream, err error) {
	select {
	case <-s.stop:
		return
	default:
	}
	b.em.Emit(backend.Event{Kind: backend.EventError, Err: err})
}

func (b *Backend) StopStreaming(ctx context.Context) error {
	b.mu.Lock()
	s, cam := b.stream, b.cam
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
	if err := cam.StopStreaming(); err != nil {
		return fmt.Errorf("v4l2 stop streaming: %w", err)
	}
	return nil
}

func (b *Backend) Unbind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = false
	b.renderer = nil
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	rec := b.rec
	b.mu.Unlock()
	if rec != nil {
		rec.Fail(errors.New("device closed during recording"))
		select {
		case <-rec.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	stopErr := b.StopStreaming(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cam == nil {
		return stopErr
	}
	err := b.cam.Close()
	b.cam = nil
	b.caps = nil
	b.bound = false
	b.renderer = nil
	b.latest = nil
	if b.opts.Lamp != nil {
		_ = b.opts.Lamp.Off()
	}
	debug.Info("V4L2: closed %s", b.facing)
	return errors.Join(stopErr, err)
}

func (b *Backend) ApplyControl(ctx context.Context, ctl camera.Control) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cam == nil {
		return fmt.Errorf("v4l2 control %s: device not open", ctl.Kind)
	}
	switch ctl.Kind {
	case camera.ControlFlash:
		if b.opts.Lamp != nil && b.stream != nil {
			if err := b.opts.Lamp.Torch(ctl.Flash == camera.FlashTorch); err != nil {
				return err
			}
		}
		b.flash = ctl.Flash
		return nil
	case camera.ControlZoom:
		return b.setScaled(cidZoomAbsolute, ctl.Value, 0, b.caps.MaxZoom)
	case camera.ControlExposure:
		return b.setScaled(cidBrightness, ctl.Value, b.caps.ExposureMin, b.caps.ExposureMax)
	case camera.ControlWhiteBalance:
		if ctl.WhiteBalance == camera.WhiteBalanceAuto {
			return b.set(cidAutoWhiteBalance, 1)
		}
		k, err := wbTemperature(ctl.WhiteBalance)
		if err != nil {
			return err
		}
		if err := b.set(cidAutoWhiteBalance, 0); err != nil {
			return err
		}
		c := b.controls[webcam.ControlID(cidWBTemperature)]
		return b.set(cidWBTemperature, clamp32(k, c.Min, c.Max))
	case camera.ControlFrameRate:
		return b.cam.SetFramerate(float32(ctl.Value))
	}
	return fmt.Errorf("v4l2: %w: %s is not a device control", camera.ErrUnsupportedControl, ctl.Kind)
}

func (b *Backend) setScaled(id uint32, v, lo, hi float64) error {
	c, ok := b.controls[webcam.ControlID(id)]
	if !ok {
		return fmt.Errorf("v4l2 control %#x: %w", id, camera.ErrUnsupportedControl)
	}
	return b.set(id, scaleControl(v, lo, hi, c.Min, c.Max))
}

func (b *Backend) set(id uint32, value int32) error {
	debug.Verbose("V4L2: control %#x = %d", id, value)
	if err := b.cam.SetControl(webcam.ControlID(id), value); err != nil {
		return fmt.Errorf("v4l2 control %#x: %w", id, err)
	}
	return nil
}

// snapshot decodes the newest streamed frame.
func (b *Backend) snapshot() (image.Image, error) {
	b.mu.Lock()
	data := append([]byte(nil), b.latest...)
	size, format := b.latestSize, b.latestFmt
	b.mu.Unlock()
	if len(data) == 0 {
		return nil, fmt.Errorf("no frame received yet")
	}
	return frame.DecodeImage(format, size, data)
}

// TakePicture encodes the newest stream frame; UVC devices have no separate
// still pipeline.
func (b *Backend) TakePicture(req backend.PictureRequest) error {
	b.mu.Lock()
	flash, streaming := b.flash, b.stream != nil
	b.mu.Unlock()
	if !streaming {
		return fmt.Errorf("v4l2 picture: not streaming")
	}
	go func() {
		b.em.Emit(backend.Event{Kind: backend.EventShutter, ID: req.ID})
		if b.opts.Lamp != nil && (flash == camera.FlashOn || flash == camera.FlashAuto) {
			d := b.opts.FlashDuration
			if d <= 0 {
				d = 50 * time.Millisecond
			}
			if err := b.opts.Lamp.Fire(d); err != nil {
				debug.Error(err)
			}
		}
		img, err := b.snapshot()
		if err != nil {
			b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID, Err: fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err)})
			return
		}
		data, err := capture.Encode(img, req.Format, req.Quality)
		if err != nil {
			b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID, Err: fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err)})
			return
		}
		bounds := img.Bounds()
		b.em.Emit(backend.Event{Kind: backend.EventPicture, ID: req.ID, Picture: &camera.RawPicture{
			Data:    data,
			Format:  req.Format,
			Size:    camera.Size{Width: bounds.Dx(), Height: bounds.Dy()},
			TakenAt: time.Now(),
		}})
	}()
	return nil
}

func (b *Backend) StartVideo(req backend.VideoRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return fmt.Errorf("v4l2 video: not streaming")
	}
	if b.rec != nil {
		return fmt.Errorf("v4l2 video: %w", camera.ErrCaptureInProgress)
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
	}, b.snapshot)
	if err != nil {
		return err
	}
	b.rec = rec
	return nil
}

func (b *Backend) StopVideo(ctx context.Context) error {
	b.mu.Lock()
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
