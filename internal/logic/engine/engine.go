// Package engine drives a camera backend through the OFF, ENGINE, BIND and
// PREVIEW states.
//
// Public methods never touch engine state. They validate what can be checked
// without the device, then post an intent to a single worker goroutine. That
// worker owns the state, makes every lifecycle call to the backend and
// handles backend completions, all in arrival order. Listeners and result
// callbacks run on a second goroutine so a slow observer cannot stall the
// state machine.
package engine

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/frame"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/logic/capture"
	"github.com/cjeanneret/camkit/internal/logic/geometry"
	"github.com/cjeanneret/camkit/internal/preview"
	"github.com/cjeanneret/camkit/internal/worker"
)

const (
	DefaultBindTimeout = 3 * time.Second
	DefaultOpTimeout   = 5 * time.Second
)

// Options tunes an engine. Zero values select defaults.
type Options struct {
	// BindTimeout bounds how long a bind waits for its surface to be ready.
	BindTimeout time.Duration
	// OpTimeout bounds each lifecycle call made to the backend.
	OpTimeout     time.Duration
	FramePoolSize int
	// FrameFormats lists preferred formats for dispatched frames. The first
	// one the device supports wins; empty keeps the native preview format.
	FrameFormats     []camera.FrameFormat
	PreviewFrameRate float64
	PictureQuality   int
	VideoFrameRate   int
}

func (o Options) withDefaults() Options {
	if o.BindTimeout <= 0 {
		o.BindTimeout = DefaultBindTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.FramePoolSize <= 0 {
		o.FramePoolSize = frame.DefaultPoolSize
	}
	if o.PictureQuality <= 0 {
		o.PictureQuality = capture.DefaultQuality
	}
	if o.VideoFrameRate <= 0 {
		o.VideoFrameRate = capture.DefaultFrameRate
	}
	return o
}

// Engine is the camera orchestrator. Create it with New and dispose of it
// with Release.
type Engine struct {
	backend    backend.Backend
	opts       Options
	w          *worker.Worker
	delivery   *worker.Worker
	dispatcher *frame.Dispatcher

	pictureGuard *capture.Guard
	videoGuard   *capture.Guard

	state    atomic.Int32
	caps     atomic.Pointer[camera.Capabilities]
	released atomic.Bool

	lmu       sync.Mutex
	listeners []camera.Listener

	stopPump chan struct{}
	pumpDone chan struct{}

	// Owned by the worker.
	angles      geometry.Angles
	facing      camera.Facing
	wantOpen    bool
	binding     preview.Binding
	unsubscribe func()
	bindWaiters []*Task
	bindTimer   *time.Timer
	bindGen     uint64
	previewSize camera.Size
	stream      backend.StreamConfig
	frameRate   float64
	pending     []*intent
	nextID      uint64
	picture     *pictureJob
	video       *capture.Session
	recorder    *capture.Recorder
}

// New returns an engine in state OFF. It starts draining b's events
// immediately.
func New(b backend.Backend, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		backend:      b,
		opts:         opts,
		w:            worker.New("engine"),
		delivery:     worker.New("engine-delivery"),
		dispatcher:   frame.NewDispatcher(frame.Config{PoolSize: opts.FramePoolSize}),
		pictureGuard: capture.NewGuard("picture"),
		videoGuard:   capture.NewGuard("video"),
		stopPump:     make(chan struct{}),
		pumpDone:     make(chan struct{}),
		frameRate:    opts.PreviewFrameRate,
	}
	go e.pump()
	debug.Info("Camera engine: created on %s backend", b.Name())
	return e
}

// pump forwards backend completions to the worker, preserving their order.
func (e *Engine) pump() {
	defer close(e.pumpDone)
	events := e.backend.Events()
	for {
		select {
		case ev := <-events:
			e.w.Post(func() { e.onBackendEvent(ev) })
		case <-e.stopPump:
			return
		}
	}
}

// post runs job on the worker, or resolves t with ErrReleased.
func (e *Engine) post(t *Task, job func()) *Task {
	if e.released.Load() || !e.w.Post(job) {
		t.resolve(camera.ErrReleased)
	}
	return t
}

// ---------- Lifecycle intents ----------

// Open acquires the device for facing and moves to ENGINE, or further if a
// ready surface is already bound. Opening with another facing while open
// switches devices.
func (e *Engine) Open(facing camera.Facing) *Task {
	t := newTask("open " + facing.String())
	return e.post(t, func() { e.open(facing, t) })
}

// Close tears everything down to OFF. Pending intents are canceled and the
// surface reference is dropped.
func (e *Engine) Close() *Task {
	t := newTask("close")
	return e.post(t, func() { e.close(t) })
}

// Bind attaches b. With the camera open the task resolves once PREVIEW is
// reached; while closed it only records the binding for the next Open.
func (e *Engine) Bind(b preview.Binding) *Task {
	if b == nil || !b.Valid() {
		return resolvedTask("bind", fmt.Errorf("bind: %w", camera.ErrInvalidSurface))
	}
	t := newTask("bind")
	return e.post(t, func() { e.bind(b, t) })
}

// Unbind detaches the surface, stopping the preview if it runs.
func (e *Engine) Unbind() *Task {
	t := newTask("unbind")
	return e.post(t, func() { e.unbind(t) })
}

// ---------- Capture intents ----------

// TakePicture captures one still. done is called exactly once, on the
// delivery goroutine. A picture already in flight fails the call with
// ErrCaptureInProgress and done is not called.
func (e *Engine) TakePicture(opts camera.PictureOptions, done func(*camera.PictureResult, error)) error {
	if e.released.Load() {
		return camera.ErrReleased
	}
	if err := e.pictureGuard.Acquire(); err != nil {
		return err
	}
	if done == nil {
		done = func(*camera.PictureResult, error) {}
	}
	job := &pictureJob{opts: opts, requested: time.Now(), done: done}
	ok := e.w.Post(func() {
		e.submit(&intent{
			kind:   intentPicture,
			run:    func() { e.startPicture(job) },
			cancel: func(err error) { e.finishPicture(job, nil, err) },
		})
	})
	if !ok {
		e.pictureGuard.Release()
		return camera.ErrReleased
	}
	return nil
}

// TakeVideo records to dest until StopVideo, maxDuration (zero for none) or
// the size limit in opts. done is called exactly once with the result; a
// failed session still delivers whatever was finalized alongside the error.
func (e *Engine) TakeVideo(dest string, maxDuration time.Duration, opts camera.VideoOptions, done func(*camera.VideoResult, error)) error {
	if e.released.Load() {
		return camera.ErrReleased
	}
	if dest == "" {
		return fmt.Errorf("%w: empty video destination", camera.ErrCaptureFailed)
	}
	if err := e.videoGuard.Acquire(); err != nil {
		return err
	}
	if done == nil {
		done = func(*camera.VideoResult, error) {}
	}
	s := &capture.Session{Dest: dest, Snapshot: opts.Snapshot, Requested: time.Now(), Done: done}
	ok := e.w.Post(func() {
		e.submit(&intent{
			kind:   intentVideo,
			run:    func() { e.startVideo(s, maxDuration, opts) },
			cancel: func(err error) { e.abortVideo(s, err) },
		})
	})
	if !ok {
		e.videoGuard.Release()
		return camera.ErrReleased
	}
	return nil
}

// StopVideo ends the active recording. A recording still waiting for
// PREVIEW is canceled. Without either it does nothing.
func (e *Engine) StopVideo() {
	if e.released.Load() {
		return
	}
	e.w.Post(func() {
		if e.video != nil {
			e.stopVideo(e.video, camera.VideoEndUser)
			return
		}
		e.dropPending(intentVideo, fmt.Errorf("video stopped before start: %w", camera.ErrCanceled))
	})
}

// ApplyControl changes a setting. When capabilities are known the value is
// checked here and an unsupported one is returned without reaching the
// worker or the backend.
func (e *Engine) ApplyControl(ctl camera.Control) (*Task, error) {
	if e.released.Load() {
		return nil, camera.ErrReleased
	}
	if caps := e.caps.Load(); caps != nil {
		if err := caps.Validate(ctl); err != nil {
			return nil, err
		}
	}
	t := newTask("control " + ctl.Kind.String())
	return e.post(t, func() {
		e.submit(&intent{
			kind:    intentControl,
			control: ctl.Kind,
			run:     func() { t.resolve(e.applyControl(ctl)) },
			cancel:  func(err error) { t.resolve(err) },
		})
	}), nil
}

// ---------- Geometry ----------

// SetDisplayOffset records the display rotation relative to the device's
// natural orientation.
func (e *Engine) SetDisplayOffset(deg int) error {
	return e.setRotation("display offset", deg, func() { e.angles.SetDisplayOffset(deg) })
}

// SetDeviceOrientation records how the user holds the device. Pictures and
// videos started afterwards are oriented for it.
func (e *Engine) SetDeviceOrientation(deg int) error {
	return e.setRotation("device orientation", deg, func() { e.angles.SetDeviceOrientation(deg) })
}

func (e *Engine) setRotation(name string, deg int, apply func()) error {
	if err := geometry.ValidateRotation(deg); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if e.released.Load() || !e.w.Post(func() {
		apply()
		e.onGeometryChanged()
	}) {
		return camera.ErrReleased
	}
	return nil
}

// ---------- Observation ----------

// State returns the last state the engine settled in.
func (e *Engine) State() camera.State { return camera.State(e.state.Load()) }

// Capabilities describes the open device, or nil while OFF.
func (e *Engine) Capabilities() *camera.Capabilities { return e.caps.Load() }

// AddFrameProcessor registers p for preview frames.
func (e *Engine) AddFrameProcessor(p frame.Processor) { e.dispatcher.AddProcessor(p) }

// RemoveFrameProcessor unregisters p. It is safe from inside p.Process.
func (e *Engine) RemoveFrameProcessor(p frame.Processor) { e.dispatcher.RemoveProcessor(p) }

// FrameStats reports dispatcher counters.
func (e *Engine) FrameStats() frame.Stats { return e.dispatcher.Stats() }

// AddListener registers l. Listeners are compared by identity, so register
// pointer types.
func (e *Engine) AddListener(l camera.Listener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if !slices.Contains(e.listeners, l) {
		e.listeners = append(e.listeners, l)
	}
}

// RemoveListener unregisters l. Notifications already queued may still
// reach it.
func (e *Engine) RemoveListener(l camera.Listener) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	if i := slices.Index(e.listeners, l); i >= 0 {
		e.listeners = slices.Delete(e.listeners, i, i+1)
	}
}

// notify queues fn for every listener registered now, in registration
// order.
func (e *Engine) notify(fn func(camera.Listener)) {
	e.lmu.Lock()
	ls := slices.Clone(e.listeners)
	e.lmu.Unlock()
	if len(ls) == 0 {
		return
	}
	e.delivery.Post(func() {
		for _, l := range ls {
			fn(l)
		}
	})
}

func (e *Engine) notifyError(err error) {
	e.notify(func(l camera.Listener) { l.OnError(err) })
}

// ---------- Release ----------

// Release closes the camera, resolves everything still pending with
// ErrReleased and stops the engine's goroutines. The engine cannot be
// reused.
func (e *Engine) Release() {
	if e.released.Swap(true) {
		return
	}
	debug.Info("Camera engine: release requested")
	e.w.Post(e.shutdown)
	e.w.Stop()
	go func() {
		<-e.w.Done()
		e.dispatcher.Release()
		e.delivery.Stop()
	}()
}

// Done is closed once a released engine has delivered its last
// notification.
func (e *Engine) Done() <-chan struct{} { return e.delivery.Done() }

func (e *Engine) shutdown() {
	debug.Section("Camera engine shutdown")
	close(e.stopPump)
	<-e.pumpDone

	e.wantOpen = false
	e.cancelPending(camera.ErrReleased)
	e.dropBinding(camera.ErrReleased)
	e.reconcile()

	// The pump is gone: handle what the backend emitted while closing.
	for drained := false; !drained; {
		select {
		case ev := <-e.backend.Events():
			e.onBackendEvent(ev)
		default:
			drained = true
		}
	}
	if e.picture != nil {
		e.finishPicture(e.picture, nil, camera.ErrReleased)
	}
	if e.video != nil {
		e.endSession(e.video, nil, camera.ErrReleased)
	}
}
