package camera

import "errors"

// Error taxonomy. Errors are wrapped with fmt.Errorf and matched with errors.Is.
var (
	ErrNoDevice           = errors.New("no camera device for requested facing")
	ErrDeviceBusy         = errors.New("camera device busy")
	ErrInvalidSurface     = errors.New("invalid surface binding")
	ErrBindTimeout        = errors.New("surface bind timed out")
	ErrEngineFailure      = errors.New("camera engine failure")
	ErrCaptureInProgress  = errors.New("capture already in progress")
	ErrUnsupportedControl = errors.New("unsupported control value")
	ErrCaptureFailed      = errors.New("capture failed")
	ErrRecordingFinalize  = errors.New("recording finalize failed")

	// ErrCanceled is reported for a pending intent dropped by a teardown.
	ErrCanceled = errors.New("request canceled")
	// ErrSnapshotUnsupported is returned when a surface snapshot is requested
	// but the bound surface cannot be read back.
	ErrSnapshotUnsupported = errors.New("surface snapshot requires a GPU-backed binding")
	// ErrReleased is returned by an engine that has been released.
	ErrReleased = errors.New("engine released")
)

// IsFatal reports whether err ends the current open session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrEngineFailure)
}
