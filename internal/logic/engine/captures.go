package engine

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/logic/capture"
	"github.com/cjeanneret/camkit/internal/preview"
)

type intentKind int

const (
	intentPicture intentKind = iota
	intentVideo
	intentControl
)

// intent is a capture or control request. Before PREVIEW it waits in
// Engine.pending; it then either runs or is canceled, never both.
type intent struct {
	kind    intentKind
	control camera.ControlKind
	run     func()
	cancel  func(err error)
}

// submit runs in at PREVIEW, otherwise queues it. A queued control replaces
// an older one of the same kind.
func (e *Engine) submit(in *intent) {
	if e.State() == camera.StatePreview && len(e.pending) == 0 {
		in.run()
		return
	}
	if in.kind == intentControl {
		i := slices.IndexFunc(e.pending, func(p *intent) bool {
			return p.kind == intentControl && p.control == in.control
		})
		if i >= 0 {
			old := e.pending[i]
			e.pending = slices.Delete(e.pending, i, i+1)
			old.cancel(fmt.Errorf("%s superseded: %w", in.control, camera.ErrCanceled))
		}
	}
	e.pending = append(e.pending, in)
	debug.Verbose("Intent queued until PREVIEW (%d pending)", len(e.pending))
	if e.State() == camera.StatePreview {
		e.flushPending()
	}
}

// flushPending runs queued intents in submission order while the state
// stays at PREVIEW. An intent that leaves PREVIEW (a facing switch still
// waiting on its surface) leaves the rest queued; a failed open cancels them.
func (e *Engine) flushPending() {
	for len(e.pending) > 0 && e.State() == camera.StatePreview {
		in := e.pending[0]
		e.pending = e.pending[1:]
		in.run()
	}
}

func (e *Engine) cancelPending(err error) {
	pending := e.pending
	e.pending = nil
	for _, in := range pending {
		in.cancel(err)
	}
}

func (e *Engine) dropPending(kind intentKind, err error) {
	var keep []*intent
	for _, in := range e.pending {
		if in.kind == kind {
			in.cancel(err)
			continue
		}
		keep = append(keep, in)
	}
	e.pending = keep
}

// endCaptures stops whatever capture runs before the preview stops.
func (e *Engine) endCaptures() {
	if job := e.picture; job != nil {
		e.finishPicture(job, nil, fmt.Errorf("picture interrupted by preview stop: %w", camera.ErrCanceled))
	}
	s := e.video
	if s == nil {
		return
	}
	s.RequestStop(camera.VideoEndUser)
	ctx, cancel := e.opContext()
	defer cancel()
	if rec := e.recorder; rec != nil {
		rec.Stop(camera.VideoEndUser)
		select {
		case <-rec.Done():
			e.videoEnded(s, rec.Wait())
		case <-ctx.Done():
			debug.Error(fmt.Errorf("recorder did not finalize: %w", ctx.Err()))
		}
		return
	}
	// The backend emits EventVideoEnded before StopVideo returns; it is
	// handled once this job is done.
	if err := e.backend.StopVideo(ctx); err != nil {
		debug.Error(fmt.Errorf("stop video: %w", err))
	}
}

// ---------- Pictures ----------

type pictureJob struct {
	id        uint64
	opts      camera.PictureOptions
	orient    capture.Orientation
	requested time.Time
	done      func(*camera.PictureResult, error)
	settled   bool
}

func (e *Engine) startPicture(job *pictureJob) {
	job.orient = capture.OrientationOf(&e.angles, e.facing)
	if job.opts.Quality <= 0 {
		job.opts.Quality = e.opts.PictureQuality
	}
	e.picture = job

	if job.opts.Snapshot {
		r, ok := e.binding.(preview.Renderer)
		if !ok {
			e.finishPicture(job, nil, camera.ErrSnapshotUnsupported)
			return
		}
		e.notify(func(l camera.Listener) { l.OnPictureShutter() })
		go func() {
			res, err := capture.SnapshotPicture(r, job.orient, job.opts, job.requested)
			e.w.Post(func() { e.finishPicture(job, res, err) })
		}()
		return
	}

	e.nextID++
	job.id = e.nextID
	req := backend.PictureRequest{
		ID:      job.id,
		Size:    e.caps.Load().LargestPictureSize(),
		Format:  camera.PictureJPEG,
		Quality: job.opts.Quality,
	}
	if err := e.backend.TakePicture(req); err != nil {
		e.finishPicture(job, nil, fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err))
	}
}

// finishPicture delivers the outcome of job once, whichever path gets here
// first.
func (e *Engine) finishPicture(job *pictureJob, res *camera.PictureResult, err error) {
	if job.settled {
		return
	}
	job.settled = true
	if e.picture == job {
		e.picture = nil
	}
	e.pictureGuard.Release()
	if err != nil {
		debug.Capture("picture", "failed: "+err.Error())
		if !errors.Is(err, camera.ErrCanceled) && !errors.Is(err, camera.ErrReleased) && !camera.IsFatal(err) {
			e.notifyError(err)
		}
	}
	done := job.done
	e.delivery.Post(func() { done(res, err) })
}

// ---------- Videos ----------

func (e *Engine) startVideo(s *capture.Session, maxDuration time.Duration, opts camera.VideoOptions) {
	s.Orient = capture.OrientationOf(&e.angles, e.facing)
	e.nextID++
	s.ID = e.nextID
	fps := opts.FrameRate
	if fps <= 0 {
		fps = e.opts.VideoFrameRate
	}

	if opts.Snapshot {
		r, ok := e.binding.(preview.Renderer)
		if !ok {
			e.abortVideo(s, camera.ErrSnapshotUnsupported)
			return
		}
		orient := s.Orient
		rec, err := capture.StartRecorder(capture.RecorderConfig{
			Path:      s.Dest,
			FrameRate: fps,
			MaxBytes:  opts.MaxSizeBytes,
			Quality:   e.opts.PictureQuality,
			Transform: func(img image.Image) image.Image {
				out := capture.OrientSnapshot(img, orient)
				if opts.Overlay {
					out = capture.Overlay(out, capture.Label(time.Now()))
				}
				return out
			},
			OnStart: func(camera.Size) {
				now := time.Now()
				e.w.Post(func() { e.videoStarted(s, now) })
			},
			OnEnd: func(rec camera.Recording) {
				e.w.Post(func() { e.videoEnded(s, rec) })
			},
		}, func() (image.Image, error) {
			return r.Snapshot()
		})
		if err != nil {
			e.abortVideo(s, err)
			return
		}
		e.video, e.recorder = s, rec
	} else {
		err := e.backend.StartVideo(backend.VideoRequest{
			ID:        s.ID,
			Path:      s.Dest,
			FrameRate: fps,
			MaxBytes:  opts.MaxSizeBytes,
			Quality:   e.opts.PictureQuality,
		})
		if err != nil {
			e.abortVideo(s, fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err))
			return
		}
		e.video = s
	}
	debug.Capture("video", fmt.Sprintf("session %d -> %s (snapshot=%v, max %s)", s.ID, s.Dest, s.Snapshot, maxDuration))
	s.Arm(maxDuration, func() {
		e.w.Post(func() { e.stopVideo(s, camera.VideoEndMaxDuration) })
	})
}

// abortVideo ends a session that never got a running source.
func (e *Engine) abortVideo(s *capture.Session, err error) {
	e.videoGuard.Release()
	debug.Capture("video", "not started: "+err.Error())
	if !errors.Is(err, camera.ErrCanceled) && !errors.Is(err, camera.ErrReleased) && !camera.IsFatal(err) {
		e.notifyError(err)
	}
	done := s.Done
	e.delivery.Post(func() { done(nil, err) })
}

func (e *Engine) stopVideo(s *capture.Session, reason camera.VideoEndReason) {
	if e.video != s || !s.RequestStop(reason) {
		return
	}
	debug.Capture("video", "stop requested: "+reason.String())
	if e.recorder != nil {
		e.recorder.Stop(reason)
		return
	}
	ctx, cancel := e.opContext()
	defer cancel()
	if err := e.backend.StopVideo(ctx); err != nil {
		debug.Error(fmt.Errorf("stop video: %w", err))
	}
}

func (e *Engine) videoStarted(s *capture.Session, at time.Time) {
	if e.video != s || s.Started() {
		return
	}
	s.MarkStarted(at)
	e.notify(func(l camera.Listener) { l.OnVideoRecordingStart() })
}

func (e *Engine) videoEnded(s *capture.Session, rec camera.Recording) {
	if e.video != s {
		return
	}
	res, err := s.Result(rec)
	e.endSession(s, res, err)
}

func (e *Engine) endSession(s *capture.Session, res *camera.VideoResult, err error) {
	s.Disarm()
	e.video = nil
	e.recorder = nil
	e.videoGuard.Release()
	e.notify(func(l camera.Listener) { l.OnVideoRecordingEnd() })
	if err != nil {
		debug.Capture("video", "ended with error: "+err.Error())
		if !errors.Is(err, camera.ErrReleased) && !camera.IsFatal(err) {
			e.notifyError(err)
		}
	}
	done := s.Done
	e.delivery.Post(func() { done(res, err) })
}

// ---------- Controls ----------

func (e *Engine) applyControl(ctl camera.Control) error {
	caps := e.caps.Load()
	if caps == nil {
		return fmt.Errorf("control %s: %w", ctl, camera.ErrCanceled)
	}
	if err := caps.Validate(ctl); err != nil {
		return err
	}
	if ctl.Kind == camera.ControlFacing {
		return e.switchFacing(ctl.Facing)
	}
	ctx, cancel := e.opContext()
	defer cancel()
	if err := e.backend.ApplyControl(ctx, ctl); err != nil {
		return fmt.Errorf("apply %s: %w", ctl, err)
	}
	if ctl.Kind == camera.ControlFrameRate {
		e.frameRate = ctl.Value
	}
	debug.Verbose("Control applied: %s", ctl)
	return nil
}

// ---------- Backend completions ----------

func (e *Engine) onBackendEvent(ev backend.Event) {
	debug.Trace("Backend event %s id=%d", ev.Kind, ev.ID)
	switch ev.Kind {
	case backend.EventError:
		if e.State() == camera.StateOff {
			debug.Verbose("Device error while closed ignored: %v", ev.Err)
			return
		}
		e.fail(fmt.Errorf("%w: device error: %w", camera.ErrEngineFailure, ev.Err))

	case backend.EventShutter:
		if job := e.picture; job != nil && job.id == ev.ID {
			e.notify(func(l camera.Listener) { l.OnPictureShutter() })
		}

	case backend.EventPicture:
		job := e.picture
		if job == nil || job.id != ev.ID {
			return
		}
		switch {
		case ev.Err != nil:
			err := ev.Err
			if !errors.Is(err, camera.ErrCaptureFailed) {
				err = fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err)
			}
			e.finishPicture(job, nil, err)
		case ev.Picture == nil:
			e.finishPicture(job, nil, fmt.Errorf("%w: empty picture", camera.ErrCaptureFailed))
		default:
			e.finishPicture(job, capture.SensorPicture(*ev.Picture, job.orient, job.requested), nil)
		}

	case backend.EventVideoStarted:
		if s := e.video; s != nil && s.ID == ev.ID {
			e.videoStarted(s, ev.Time)
		}

	case backend.EventVideoEnded:
		s := e.video
		if s == nil || s.ID != ev.ID || ev.Recording == nil {
			return
		}
		e.videoEnded(s, *ev.Recording)
	}
}
