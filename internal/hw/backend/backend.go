// Package backend defines the contract between the camera engine and a
// concrete hardware camera API.
//
// Lifecycle calls (Open, Bind, StartStreaming, ...) are made one at a time
// from the engine's worker and may block until the device answers; the
// engine bounds them with ctx. Captures are submitted without waiting:
// their outcome, like asynchronous device errors, arrives on the single
// ordered Events channel.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/preview"
)

// Backend is one hardware camera API.
type Backend interface {
	// Name identifies the implementation in logs.
	Name() string

	// Open acquires the device for facing. It fails with camera.ErrNoDevice
	// or camera.ErrDeviceBusy.
	Open(ctx context.Context, facing camera.Facing) (*camera.Capabilities, error)
	// Bind attaches the preview target. The binding is ready when called.
	Bind(ctx context.Context, b preview.Binding) error
	// StartStreaming starts the preview request and frame delivery to
	// cfg.Sink. It returns the configuration the device actually accepted,
	// which may differ in size or format from the one requested.
	StartStreaming(ctx context.Context, cfg StreamConfig) (StreamConfig, error)
	StopStreaming(ctx context.Context) error
	Unbind(ctx context.Context) error
	// Close releases the device. An active recording is finalized and its
	// EventVideoEnded emitted before Close returns.
	Close(ctx context.Context) error

	// ApplyControl changes a setting. The engine has already validated ctl
	// against the capabilities.
	ApplyControl(ctx context.Context, ctl camera.Control) error

	// TakePicture submits a sensor-direct still; the result arrives as
	// EventPicture with the same ID.
	TakePicture(req PictureRequest) error
	// StartVideo starts a sensor-direct recording; EventVideoStarted and
	// then exactly one EventVideoEnded follow.
	StartVideo(req VideoRequest) error
	// StopVideo ends the active recording and returns once it is finalized
	// and its EventVideoEnded emitted. It is a no-op when idle.
	StopVideo(ctx context.Context) error

	// Events is the ordered completion channel. It is never closed.
	Events() <-chan Event
}

// FrameSink receives raw preview buffers. Offer must not block; the data is
// copied before Offer returns.
type FrameSink interface {
	Offer(data []byte, ts time.Time) bool
}

// StreamConfig is the preview request.
type StreamConfig struct {
	Size      camera.Size
	Format    camera.FrameFormat
	FrameRate float64
	Sink      FrameSink
}

// PictureRequest is a sensor-direct still request.
type PictureRequest struct {
	ID      uint64
	Size    camera.Size
	Format  camera.PictureFormat
	Quality int
}

// VideoRequest is a sensor-direct recording request.
type VideoRequest struct {
	ID        uint64
	Path      string
	FrameRate int
	MaxBytes  int64
	Quality   int
}

// EventKind tags an Event.
type EventKind int

const (
	// EventError is an asynchronous device failure.
	EventError EventKind = iota
	// EventShutter fires when a still is exposed.
	EventShutter
	// EventPicture carries a still result (or Err).
	EventPicture
	// EventVideoStarted fires once the first frame is recorded.
	EventVideoStarted
	// EventVideoEnded carries the finalized Recording.
	EventVideoEnded
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventShutter:
		return "shutter"
	case EventPicture:
		return "picture"
	case EventVideoStarted:
		return "video_started"
	case EventVideoEnded:
		return "video_ended"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a backend completion or failure.
type Event struct {
	Kind      EventKind
	ID        uint64
	Err       error
	Picture   *camera.RawPicture
	Recording *camera.Recording
	Time      time.Time
}

// eventBuffer bounds how far a backend can run ahead of the engine.
const eventBuffer = 64

// Emitter is the ordered event channel shared by the implementations.
type Emitter struct {
	ch chan Event
}

// NewEmitter returns an emitter with a buffered channel.
func NewEmitter() *Emitter {
	return &Emitter{ch: make(chan Event, eventBuffer)}
}

// Emit queues ev. It never blocks: if nobody drains the channel any more the
// event is logged and dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.ch <- ev:
		debug.Trace("backend event %s id=%d", ev.Kind, ev.ID)
	default:
		debug.Error(fmt.Errorf("backend event %s id=%d dropped: channel full", ev.Kind, ev.ID))
	}
}

// Events returns the receive side.
func (e *Emitter) Events() <-chan Event { return e.ch }
