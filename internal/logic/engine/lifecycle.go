package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/frame"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/logic/geometry"
	"github.com/cjeanneret/camkit/internal/preview"
)

// Everything in this file runs on the engine worker.

func (e *Engine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.opts.OpTimeout)
}

func (e *Engine) setState(to camera.State) {
	from := e.State()
	if from == to {
		return
	}
	e.state.Store(int32(to))
	debug.State(from, to)
	e.notify(func(l camera.Listener) { l.OnStateChanged(from, to) })
}

// target is the state the current intents ask for.
func (e *Engine) target() camera.State {
	switch {
	case !e.wantOpen:
		return camera.StateOff
	case e.binding == nil || !e.binding.Ready():
		return camera.StateEngine
	default:
		return camera.StatePreview
	}
}

// reconcile walks one state at a time toward target. A failed step up
// lowers the target, so the walk always ends. It returns the first step
// error.
func (e *Engine) reconcile() error {
	var first error
	for {
		cur, want := e.State(), e.target()
		switch {
		case cur == want:
			return first
		case cur < want:
			if err := e.stepUp(cur); err != nil && first == nil {
				first = err
			}
		default:
			e.stepDown(cur)
		}
	}
}

// unwindTo steps down until the state is at most s, whatever the target.
func (e *Engine) unwindTo(s camera.State) {
	for cur := e.State(); cur > s; cur = e.State() {
		e.stepDown(cur)
	}
}

func (e *Engine) stepUp(from camera.State) error {
	ctx, cancel := e.opContext()
	defer cancel()

	switch from {
	case camera.StateOff:
		caps, err := e.backend.Open(ctx, e.facing)
		if err != nil {
			e.wantOpen = false
			err = fmt.Errorf("open %s camera: %w", e.facing, err)
			debug.Error(err)
			e.notifyError(err)
			e.cancelPending(fmt.Errorf("%w: %w", camera.ErrCanceled, err))
			e.failBindWaiters(err)
			return err
		}
		if err := e.angles.SetSensorOffset(e.facing, caps.SensorOffset); err != nil {
			debug.Error(err)
			_ = e.angles.SetSensorOffset(e.facing, 0)
		}
		e.caps.Store(caps)
		e.setState(camera.StateEngine)
		e.notify(func(l camera.Listener) { l.OnCameraOpened(caps) })

	case camera.StateEngine:
		b := e.binding
		if !b.Valid() {
			err := fmt.Errorf("bind: %w", camera.ErrInvalidSurface)
			e.notifyError(err)
			e.dropBinding(err)
			return err
		}
		e.previewSize = e.choosePreviewSize()
		if err := e.backend.Bind(ctx, b); err != nil {
			err = fmt.Errorf("bind: %w: %w", camera.ErrInvalidSurface, err)
			e.notifyError(err)
			e.dropBinding(err)
			return err
		}
		e.setState(camera.StateBind)

	case camera.StateBind:
		caps := e.caps.Load()
		e.stream = backend.StreamConfig{
			Size:      e.previewSize,
			Format:    e.frameFormat(caps),
			FrameRate: e.frameRate,
			Sink:      e.dispatcher,
		}
		e.setupDispatcher()
		cfg, err := e.backend.StartStreaming(ctx, e.stream)
		if err != nil {
			err = fmt.Errorf("%w: start preview: %w", camera.ErrEngineFailure, err)
			e.fail(err)
			return err
		}
		if cfg.Size != e.stream.Size || cfg.Format != e.stream.Format {
			debug.Verbose("Stream negotiated %s %s instead of %s %s", cfg.Format, cfg.Size, e.stream.Format, e.stream.Size)
			e.stream = cfg
			e.setupDispatcher()
		}
		e.setState(camera.StatePreview)
		e.settleBind(nil)
		e.flushPending()
	}
	return nil
}

func (e *Engine) stepDown(from camera.State) {
	ctx, cancel := e.opContext()
	defer cancel()

	switch from {
	case camera.StatePreview:
		e.endCaptures()
		if err := e.backend.StopStreaming(ctx); err != nil {
			debug.Error(fmt.Errorf("stop streaming: %w", err))
		}
		e.setState(camera.StateBind)
	case camera.StateBind:
		if err := e.backend.Unbind(ctx); err != nil {
			debug.Error(fmt.Errorf("unbind: %w", err))
		}
		e.setState(camera.StateEngine)
	case camera.StateEngine:
		if err := e.backend.Close(ctx); err != nil {
			debug.Error(fmt.Errorf("close: %w", err))
		}
		e.caps.Store(nil)
		e.setState(camera.StateOff)
		e.notify(func(l camera.Listener) { l.OnCameraClosed() })
	}
}

// fail ends the open session after an unrecoverable error: everything in
// flight is ended, pending intents are canceled and the engine unwinds to
// OFF. It never reopens.
func (e *Engine) fail(err error) {
	debug.Error(err)
	e.wantOpen = false
	if e.video != nil {
		e.video.Fail(err)
	}
	e.notifyError(err)
	e.cancelPending(fmt.Errorf("%w: %w", camera.ErrCanceled, err))
	e.failBindWaiters(err)
	e.reconcile()
}

// ---------- Intents ----------

func (e *Engine) open(f camera.Facing, t *Task) {
	if e.wantOpen && e.State() >= camera.StateEngine {
		if f == e.facing {
			t.resolve(nil)
			return
		}
		t.resolve(e.switchFacing(f))
		return
	}
	debug.Section("Opening " + f.String() + " camera")
	e.wantOpen = true
	e.facing = f
	err := e.reconcile()
	e.settleBind(err)
	e.awaitSurface()
	t.resolve(err)
}

func (e *Engine) close(t *Task) {
	if e.State() != camera.StateOff {
		debug.Section("Closing camera")
	}
	e.wantOpen = false
	e.cancelPending(fmt.Errorf("close: %w", camera.ErrCanceled))
	e.dropBinding(fmt.Errorf("close: %w", camera.ErrCanceled))
	e.reconcile()
	t.resolve(nil)
}

func (e *Engine) bind(b preview.Binding, t *Task) {
	if !b.Valid() {
		t.resolve(fmt.Errorf("bind: %w", camera.ErrInvalidSurface))
		return
	}
	if e.binding != b {
		if e.binding != nil {
			e.unwindTo(camera.StateEngine)
			e.dropBinding(fmt.Errorf("binding replaced: %w", camera.ErrCanceled))
		}
		e.binding = b
		e.unsubscribe = b.Subscribe(func(ev preview.Event) {
			e.w.Post(func() { e.onSurface(b, ev) })
		})
	}
	if !e.wantOpen || e.State() == camera.StatePreview {
		t.resolve(nil)
		return
	}
	e.bindWaiters = append(e.bindWaiters, t)
	if !b.Ready() {
		debug.Verbose("Surface not ready, waiting up to %s", e.opts.BindTimeout)
		e.armBindTimer()
	}
	e.settleBind(e.reconcile())
}

func (e *Engine) unbind(t *Task) {
	if e.binding != nil {
		e.unwindTo(camera.StateEngine)
		e.dropBinding(fmt.Errorf("unbind: %w", camera.ErrCanceled))
	}
	t.resolve(nil)
}

// switchFacing reopens on another device: down to OFF, then back up to
// wherever the intents point. It runs inside a single worker job so no other
// intent can observe or act on the intermediate states.
func (e *Engine) switchFacing(f camera.Facing) error {
	if f == e.facing {
		return nil
	}
	debug.Section("Switching to " + f.String() + " camera")
	e.unwindTo(camera.StateOff)
	e.facing = f
	err := e.reconcile()
	e.settleBind(err)
	e.awaitSurface()
	return err
}

// ---------- Surface ----------

func (e *Engine) onSurface(b preview.Binding, ev preview.Event) {
	if b != e.binding {
		return
	}
	debug.Verbose("Surface %s %s", ev.Kind, ev.Size)
	if ev.Kind == preview.EventResized && e.State() >= camera.StateBind {
		if size := e.choosePreviewSize(); size != e.previewSize {
			debug.Live("Preview size %s -> %s, rebinding", e.previewSize, size)
			e.unwindTo(camera.StateEngine)
		}
	}
	e.settleBind(e.reconcile())
}

func (e *Engine) onGeometryChanged() {
	if e.State() < camera.StateBind {
		return
	}
	if size := e.choosePreviewSize(); size != e.previewSize {
		e.unwindTo(camera.StateEngine)
		e.settleBind(e.reconcile())
		return
	}
	if e.State() == camera.StatePreview {
		e.setupDispatcher()
	}
}

// choosePreviewSize matches the surface, expressed in sensor orientation,
// against the device's preview sizes.
func (e *Engine) choosePreviewSize() camera.Size {
	caps := e.caps.Load()
	if caps == nil || e.binding == nil {
		return camera.Size{}
	}
	target := e.binding.Size()
	if e.angles.Flip(geometry.RefSensor, geometry.RefView) {
		target = target.Flip()
	}
	return geometry.ChoosePreviewSize(caps.PreviewSizes, target)
}

func (e *Engine) frameFormat(caps *camera.Capabilities) camera.FrameFormat {
	for _, f := range e.opts.FrameFormats {
		for _, have := range caps.FrameFormats {
			if f == have {
				return f
			}
		}
	}
	return caps.PreferredFrameFormat()
}

func (e *Engine) setupDispatcher() {
	e.dispatcher.Setup(frame.Config{
		Format:         e.stream.Format,
		Size:           e.stream.Size,
		PoolSize:       e.opts.FramePoolSize,
		RotationToUser: e.angles.Offset(geometry.RefSensor, geometry.RefOutput, geometry.AxisRelativeToSensor),
		RotationToView: e.angles.Offset(geometry.RefSensor, geometry.RefView, geometry.AxisAbsolute),
	})
}

// dropBinding forgets the surface and fails anyone waiting on it.
func (e *Engine) dropBinding(err error) {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	e.binding = nil
	e.failBindWaiters(err)
}

// settleBind resolves bind waiters once PREVIEW is reached or err ends the
// attempt. Otherwise they keep waiting for the surface.
func (e *Engine) settleBind(err error) {
	if len(e.bindWaiters) == 0 {
		if e.State() == camera.StatePreview && e.bindTimer != nil {
			e.disarmBindTimer()
		}
		return
	}
	switch {
	case e.State() == camera.StatePreview:
		e.disarmBindTimer()
		for _, t := range e.bindWaiters {
			t.resolve(nil)
		}
		e.bindWaiters = nil
	case err != nil:
		e.failBindWaiters(err)
	}
}

func (e *Engine) failBindWaiters(err error) {
	e.disarmBindTimer()
	for _, t := range e.bindWaiters {
		t.resolve(err)
	}
	e.bindWaiters = nil
}

func (e *Engine) armBindTimer() {
	e.disarmBindTimer()
	gen := e.bindGen
	e.bindTimer = time.AfterFunc(e.opts.BindTimeout, func() {
		e.w.Post(func() { e.onBindTimeout(gen) })
	})
}

// disarmBindTimer also invalidates a timeout that already fired but whose
// job has not run yet.
func (e *Engine) disarmBindTimer() {
	e.bindGen++
	if e.bindTimer != nil {
		e.bindTimer.Stop()
		e.bindTimer = nil
	}
}

// awaitSurface bounds the wait for a binding remembered before Open whose
// surface is still not ready once the engine is up.
func (e *Engine) awaitSurface() {
	if e.bindTimer != nil || !e.wantOpen || e.State() != camera.StateEngine {
		return
	}
	if e.binding == nil || e.binding.Ready() {
		return
	}
	debug.Verbose("Waiting up to %s for the preview surface", e.opts.BindTimeout)
	e.armBindTimer()
}

func (e *Engine) onBindTimeout(gen uint64) {
	if gen != e.bindGen || e.binding == nil || e.State() == camera.StatePreview {
		return
	}
	err := fmt.Errorf("surface not ready after %s: %w", e.opts.BindTimeout, camera.ErrBindTimeout)
	debug.Error(err)
	e.notifyError(err)
	e.cancelPending(fmt.Errorf("%w: %w", camera.ErrCanceled, err))
	e.dropBinding(err)
	e.reconcile()
}
