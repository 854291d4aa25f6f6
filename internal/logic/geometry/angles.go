package geometry

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/camkit/internal/camera"
)

// Reference is a rotation reference system.
type Reference int

const (
	// RefBase is the natural orientation of the device.
	RefBase Reference = iota
	// RefSensor is the orientation of the image sensor.
	RefSensor
	// RefView is the orientation of the on-screen preview.
	RefView
	// RefOutput is the orientation the user holds the device in.
	RefOutput
)

func (r Reference) String() string {
	switch r {
	case RefSensor:
		return "sensor"
	case RefView:
		return "view"
	case RefOutput:
		return "output"
	default:
		return "base"
	}
}

// Axis selects how an offset is expressed.
type Axis int

const (
	// AxisAbsolute measures angles clockwise as seen from the user.
	AxisAbsolute Axis = iota
	// AxisRelativeToSensor measures angles as seen by the sensor, so it is
	// mirrored for front-facing devices.
	AxisRelativeToSensor
)

// Angles tracks the sensor, display and device offsets and converts between
// references. All inputs are multiples of 90 in [0, 360).
//
// Everything is kept in the absolute axis: a front-facing sensor offset s is
// stored as 360-s.
type Angles struct {
	mu                sync.RWMutex
	facing            camera.Facing
	sensorOffset      int
	displayOffset     int
	deviceOrientation int
}

// ValidateRotation returns an error unless deg is 0, 90, 180 or 270.
func ValidateRotation(deg int) error {
	switch deg {
	case 0, 90, 180, 270:
		return nil
	}
	return fmt.Errorf("rotation must be 0, 90, 180 or 270, got %d", deg)
}

// Normalize maps any multiple of 90 (including negatives) to [0, 360).
func Normalize(deg int) int {
	return ((deg % 360) + 360) % 360
}

// SetSensorOffset records the mounting angle of the opened sensor.
func (a *Angles) SetSensorOffset(facing camera.Facing, offset int) error {
	if err := ValidateRotation(offset); err != nil {
		return fmt.Errorf("sensor offset: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facing = facing
	a.sensorOffset = offset
	if facing == camera.FacingFront {
		a.sensorOffset = Normalize(360 - offset)
	}
	return nil
}

// SetDisplayOffset records the rotation of the display relative to base.
func (a *Angles) SetDisplayOffset(offset int) error {
	if err := ValidateRotation(offset); err != nil {
		return fmt.Errorf("display offset: %w", err)
	}
	a.mu.Lock()
	a.displayOffset = offset
	a.mu.Unlock()
	return nil
}

// SetDeviceOrientation records how the user currently holds the device.
func (a *Angles) SetDeviceOrientation(orientation int) error {
	if err := ValidateRotation(orientation); err != nil {
		return fmt.Errorf("device orientation: %w", err)
	}
	a.mu.Lock()
	a.deviceOrientation = orientation
	a.mu.Unlock()
	return nil
}

// SensorOffset returns the stored (absolute axis) sensor offset.
func (a *Angles) SensorOffset() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sensorOffset
}

// Offset returns the clockwise rotation from one reference to another.
//
//	Offset(RefSensor, RefOutput, AxisRelativeToSensor) = sensorOffset + deviceOrientation (BACK)
//	                                                   = sensorOffset - deviceOrientation (FRONT)
//	Offset(RefSensor, RefView, AxisAbsolute)           = storedSensorOffset - displayOffset
func (a *Angles) Offset(from, to Reference, axis Axis) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	offset := a.absolute(from, to)
	if axis == AxisRelativeToSensor && a.facing == camera.FacingFront {
		offset = Normalize(360 - offset)
	}
	return offset
}

// Flip reports whether width and height swap between the two references.
func (a *Angles) Flip(from, to Reference) bool {
	return a.Offset(from, to, AxisAbsolute)%180 != 0
}

func (a *Angles) absolute(from, to Reference) int {
	switch {
	case from == to:
		return 0
	case to == RefBase:
		return Normalize(360 - a.absolute(RefBase, from))
	case from == RefBase:
		switch to {
		case RefView:
			return Normalize(360 - a.displayOffset)
		case RefOutput:
			return Normalize(a.deviceOrientation)
		default:
			return Normalize(360 - a.sensorOffset)
		}
	default:
		return Normalize(a.absolute(RefBase, to) - a.absolute(RefBase, from))
	}
}
