package capture

import (
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/media/avi"
)

// DefaultFrameRate is used when a recording does not ask for one.
const DefaultFrameRate = 15

// Source returns the next image to record.
type Source func() (image.Image, error)

// RecorderConfig describes one recording.
type RecorderConfig struct {
	Path      string
	FrameRate int
	MaxBytes  int64 // zero means unbounded
	Quality   int
	// Transform is applied to each source image before encoding.
	Transform func(image.Image) image.Image
	// OnStart runs once the first frame is in the container.
	OnStart func(size camera.Size)
	// OnEnd runs once the container is finalized (or finalizing failed).
	OnEnd func(camera.Recording)
}

// Recorder pulls images from a Source at a fixed rate, encodes them as JPEG
// and muxes them into an MJPEG AVI file. It runs on its own goroutine until
// Stop, Fail, a source error or the size limit ends it.
type Recorder struct {
	cfg  RecorderConfig
	src  Source
	file *os.File

	once   sync.Once
	stop   chan struct{}
	reason camera.VideoEndReason
	cause  error

	done chan struct{}
	rec  camera.Recording
}

// StartRecorder creates the output file and starts recording. The file is
// created synchronously so an unwritable destination fails here.
func StartRecorder(cfg RecorderConfig, src Source) (*Recorder, error) {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", camera.ErrCaptureFailed, cfg.Path, err)
	}
	r := &Recorder{
		cfg:  cfg,
		src:  src,
		file: f,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Stop ends the recording with reason. Only the first Stop or Fail counts.
func (r *Recorder) Stop(reason camera.VideoEndReason) {
	r.once.Do(func() {
		r.reason = reason
		close(r.stop)
	})
}

// Fail ends the recording because of cause. The container is still
// finalized and the recording reports ErrRecordingFinalize.
func (r *Recorder) Fail(cause error) {
	r.once.Do(func() {
		r.reason = camera.VideoEndError
		r.cause = cause
		close(r.stop)
	})
}

// Wait blocks until the container is finalized and returns the recording.
func (r *Recorder) Wait() camera.Recording {
	<-r.done
	return r.rec
}

// Done is closed once the recording is finalized.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) run() {
	defer close(r.done)

	var (
		mux  *avi.Writer
		size camera.Size
	)
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.FrameRate))
	defer ticker.Stop()

	for {
		img, err := r.next(size)
		if err != nil {
			r.Fail(err)
			break
		}
		data, err := EncodeJPEG(img, r.cfg.Quality)
		if err != nil {
			r.Fail(err)
			break
		}
		if mux == nil {
			b := img.Bounds()
			size = camera.Size{Width: b.Dx(), Height: b.Dy()}
			mux, err = avi.NewWriter(r.file, size.Width, size.Height, r.cfg.FrameRate)
			if err != nil {
				r.Fail(err)
				break
			}
		}
		if r.cfg.MaxBytes > 0 && mux.Size()+int64(len(data))+8 > r.cfg.MaxBytes && mux.Frames() > 0 {
			r.Stop(camera.VideoEndMaxSize)
			break
		}
		if err := mux.WriteFrame(data); err != nil {
			r.Fail(err)
			break
		}
		if mux.Frames() == 1 {
			debug.Capture("video", fmt.Sprintf("recording %s %s @%dfps", r.cfg.Path, size, r.cfg.FrameRate))
			if r.cfg.OnStart != nil {
				r.cfg.OnStart(size)
			}
		}

		select {
		case <-r.stop:
		case <-ticker.C:
			continue
		}
		break
	}

	r.rec = r.finalize(mux, size)
	debug.Capture("video", fmt.Sprintf("finalized %s: %d frames, reason=%s", r.rec.Path, r.rec.Frames, r.rec.Reason))
	if r.cfg.OnEnd != nil {
		r.cfg.OnEnd(r.rec)
	}
}

// next pulls one image and fits it to the recording size, which is fixed by
// the first frame.
func (r *Recorder) next(size camera.Size) (image.Image, error) {
	img, err := r.src()
	if err != nil {
		return nil, fmt.Errorf("video source: %w", err)
	}
	if r.cfg.Transform != nil {
		img = r.cfg.Transform(img)
	}
	b := img.Bounds()
	if size.IsZero() || (b.Dx() == size.Width && b.Dy() == size.Height) {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, img, b, xdraw.Src, nil)
	return dst, nil
}

func (r *Recorder) finalize(mux *avi.Writer, size camera.Size) camera.Recording {
	rec := camera.Recording{
		Path:      r.cfg.Path,
		Size:      size,
		FrameRate: r.cfg.FrameRate,
		Reason:    r.reason,
	}
	var errs []error
	if mux != nil {
		if err := mux.Close(); err != nil {
			errs = append(errs, err)
		}
		rec.Frames = mux.Frames()
		rec.Bytes = mux.Size()
		rec.Duration = mux.Duration()
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if mux == nil {
		// Nothing was ever written; do not leave an empty file behind.
		_ = os.Remove(r.cfg.Path)
		rec.Path = ""
	}

	cause := r.cause
	if len(errs) > 0 {
		cause = errors.Join(append([]error{cause}, errs...)...)
		rec.Reason = camera.VideoEndError
	}
	if cause != nil {
		rec.Err = fmt.Errorf("%w: %w", camera.ErrRecordingFinalize, cause)
	}
	return rec
}

// Session tracks one video request on the engine side, from submission to
// the terminal Recording.
type Session struct {
	ID        uint64
	Dest      string
	Snapshot  bool
	Orient    Orientation
	Requested time.Time
	Done      func(*camera.VideoResult, error)

	started  time.Time
	stopping bool
	reason   camera.VideoEndReason
	cause    error
	timer    *time.Timer
}

// Arm schedules fire after d. A zero d leaves the session unbounded.
func (s *Session) Arm(d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	s.timer = time.AfterFunc(d, fire)
}

// Disarm cancels the duration timer.
func (s *Session) Disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// MarkStarted records when the first frame reached the container.
func (s *Session) MarkStarted(t time.Time) {
	if s.started.IsZero() {
		s.started = t
	}
}

// Started reports whether the first frame has been written.
func (s *Session) Started() bool { return !s.started.IsZero() }

// RequestStop records why the engine asked the source to stop. It returns
// false if a stop was already requested.
func (s *Session) RequestStop(reason camera.VideoEndReason) bool {
	if s.stopping {
		return false
	}
	s.stopping = true
	s.reason = reason
	return true
}

// Fail marks the session failed; the result will carry ErrRecordingFinalize
// wrapping cause.
func (s *Session) Fail(cause error) {
	if s.cause == nil {
		s.cause = cause
	}
	s.RequestStop(camera.VideoEndError)
}

// Result converts the terminal recording into the caller's result. A partial
// result is returned alongside the error when frames were written.
func (s *Session) Result(rec camera.Recording) (*camera.VideoResult, error) {
	s.Disarm()

	reason := rec.Reason
	if s.stopping && reason == camera.VideoEndUser {
		reason = s.reason
	}

	var err error
	switch {
	case s.cause != nil:
		err = fmt.Errorf("%w: %w", camera.ErrRecordingFinalize, s.cause)
		reason = camera.VideoEndError
	case rec.Err != nil && errors.Is(rec.Err, camera.ErrRecordingFinalize):
		err = rec.Err
		reason = camera.VideoEndError
	case rec.Err != nil:
		err = fmt.Errorf("%w: %w", camera.ErrRecordingFinalize, rec.Err)
		reason = camera.VideoEndError
	}
	if rec.Frames == 0 || rec.Path == "" {
		if err == nil {
			err = fmt.Errorf("%w: no frames recorded", camera.ErrCaptureFailed)
		}
		return nil, err
	}

	rotation := s.Orient.Rotation
	if s.Snapshot {
		rotation = 0
	}
	res := &camera.VideoResult{
		Path:      rec.Path,
		Size:      rec.Size,
		Rotation:  rotation,
		Facing:    s.Orient.Facing,
		Snapshot:  s.Snapshot,
		FrameRate: rec.FrameRate,
		Frames:    rec.Frames,
		Duration:  rec.Duration,
		EndReason: reason,
		StartedAt: s.started,
	}
	if !s.started.IsZero() {
		res.Latency = s.started.Sub(s.Requested)
	}
	return res, err
}
