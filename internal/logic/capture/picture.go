// Package capture implements the picture and video pipelines: orientation
// stamping for sensor-direct captures, pixel rotation for surface snapshots,
// and the frame-fed MJPEG recorder.
package capture

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/logic/geometry"
)

// Orientation is the device orientation captured when a request starts.
type Orientation struct {
	Facing camera.Facing
	// Rotation is the clockwise rotation from sensor to output, measured
	// relative to the sensor (mirrored for front-facing devices).
	Rotation int
}

// OrientationOf reads the current sensor to output rotation from a.
func OrientationOf(a *geometry.Angles, facing camera.Facing) Orientation {
	return Orientation{
		Facing:   facing,
		Rotation: a.Offset(geometry.RefSensor, geometry.RefOutput, geometry.AxisRelativeToSensor),
	}
}

// Mirror reports whether snapshot pixels are flipped horizontally.
func (o Orientation) Mirror() bool { return o.Facing == camera.FacingFront }

// Guard admits at most one capture of a kind at a time. A second Acquire
// while one is held fails instead of queueing.
type Guard struct {
	name string
	busy atomic.Bool
}

// NewGuard returns an idle guard; name appears in errors.
func NewGuard(name string) *Guard { return &Guard{name: name} }

// Acquire marks a capture in flight or fails with ErrCaptureInProgress.
func (g *Guard) Acquire() error {
	if !g.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", g.name, camera.ErrCaptureInProgress)
	}
	return nil
}

// Release ends the in-flight capture.
func (g *Guard) Release() { g.busy.Store(false) }

// Busy reports whether a capture is in flight.
func (g *Guard) Busy() bool { return g.busy.Load() }

// Snapshotter reads back composited surface content.
type Snapshotter interface {
	Snapshot() (*image.RGBA, error)
}

// SensorPicture stamps orientation on a backend still. Pixels are left as
// the sensor produced them; viewers apply Rotation.
func SensorPicture(raw camera.RawPicture, o Orientation, requested time.Time) *camera.PictureResult {
	taken := raw.TakenAt
	if taken.IsZero() {
		taken = time.Now()
	}
	res := &camera.PictureResult{
		Size:     raw.Size,
		Rotation: o.Rotation,
		Format:   raw.Format,
		Facing:   o.Facing,
		Data:     raw.Data,
		TakenAt:  taken,
		Latency:  taken.Sub(requested),
	}
	debug.Capture("picture", fmt.Sprintf("sensor %s rotation=%d facing=%s %d bytes",
		res.Size, res.Rotation, res.Facing, len(res.Data)))
	return res
}

// OrientSnapshot bakes the output orientation into surface pixels.
func OrientSnapshot(img image.Image, o Orientation) *image.RGBA {
	return Orient(img, o.Rotation, o.Mirror())
}

// Label is the overlay text for a capture taken at t.
func Label(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// SnapshotPicture reads back the composited surface, rotates (and mirrors
// for front-facing) the pixels into output orientation, and encodes them.
// The result carries Rotation 0 since nothing is left for the viewer to do.
func SnapshotPicture(s Snapshotter, o Orientation, opts camera.PictureOptions, requested time.Time) (*camera.PictureResult, error) {
	img, err := s.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: surface snapshot: %w", camera.ErrCaptureFailed, err)
	}
	taken := time.Now()
	out := OrientSnapshot(img, o)
	if opts.Overlay {
		out = Overlay(out, Label(taken))
	}
	data, err := EncodeJPEG(out, opts.Quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", camera.ErrCaptureFailed, err)
	}
	res := &camera.PictureResult{
		Size:     camera.Size{Width: out.Rect.Dx(), Height: out.Rect.Dy()},
		Rotation: 0,
		Format:   camera.PictureJPEG,
		Facing:   o.Facing,
		Snapshot: true,
		Data:     data,
		TakenAt:  taken,
		Latency:  taken.Sub(requested),
	}
	debug.Capture("picture", fmt.Sprintf("snapshot %s baked=%d mirror=%v %d bytes",
		res.Size, o.Rotation, o.Mirror(), len(data)))
	return res, nil
}
