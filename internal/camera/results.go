package camera

import "time"

// PictureOptions configures one still capture.
type PictureOptions struct {
	// Snapshot reads back the rendered surface instead of asking the sensor.
	Snapshot bool
	// Quality is the JPEG quality (1-100); zero means the engine default.
	Quality int
	// Overlay composites the timestamp label into snapshot pictures.
	Overlay bool
}

// VideoOptions configures one recording session.
type VideoOptions struct {
	Snapshot     bool
	FrameRate    int
	MaxSizeBytes int64
	Overlay      bool
}

// PictureResult is a completed still capture. It is never mutated after the
// pipeline hands it to the request callback.
type PictureResult struct {
	Size     Size
	Rotation int // clockwise degrees a viewer must apply
	Format   PictureFormat
	Facing   Facing
	Snapshot bool
	Data     []byte
	TakenAt  time.Time
	Latency  time.Duration
}

// VideoEndReason says why a recording stopped.
type VideoEndReason int

const (
	VideoEndUser VideoEndReason = iota
	VideoEndMaxDuration
	VideoEndMaxSize
	VideoEndError
)

func (r VideoEndReason) String() string {
	switch r {
	case VideoEndMaxDuration:
		return "max_duration"
	case VideoEndMaxSize:
		return "max_size"
	case VideoEndError:
		return "error"
	default:
		return "user"
	}
}

// VideoResult is a finished (or best-effort finalized) recording.
type VideoResult struct {
	Path      string
	Size      Size
	Rotation  int
	Facing    Facing
	Snapshot  bool
	FrameRate int
	Frames    int
	Duration  time.Duration
	EndReason VideoEndReason
	StartedAt time.Time
	Latency   time.Duration // request to first frame
}

// RawPicture is a sensor-direct still as a backend returns it, before
// orientation metadata is stamped.
type RawPicture struct {
	Data    []byte
	Format  PictureFormat
	Size    Size
	TakenAt time.Time
}

// Recording is what a video source reports when it stops. Err is set when
// the session failed or the container could not be finalized; the other
// fields still describe whatever was written.
type Recording struct {
	Path      string
	Size      Size
	FrameRate int
	Frames    int
	Bytes     int64
	Duration  time.Duration
	Reason    VideoEndReason
	Err       error
}
