// Package v4l2 is the Video4Linux2 camera backend, built on
// github.com/blackjack/webcam. On other platforms New returns a backend
// whose Open always fails with camera.ErrNoDevice.
package v4l2

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/hw/gpio"
)

// Options configures the V4L2 backend.
type Options struct {
	// Devices maps a facing to its device node, e.g. /dev/video0.
	Devices map[camera.Facing]string
	// SensorOffset is the mounting angle per facing; V4L2 does not report it.
	SensorOffset  map[camera.Facing]int
	FrameRate     float64
	BufferCount   uint32
	Lamp          *gpio.Lamp
	FlashDuration time.Duration
}

// V4L2 pixel formats (FourCC).
const (
	fourCCYUYV  uint32 = 0x56595559
	fourCCMJPEG uint32 = 0x47504A4D
)

// V4L2 control IDs.
const (
	cidBrightness       uint32 = 0x00980900
	cidAutoWhiteBalance uint32 = 0x0098090c
	cidWBTemperature    uint32 = 0x0098091a
	cidZoomAbsolute     uint32 = 0x009a090d
)

func formatOf(fourCC uint32) (camera.FrameFormat, bool) {
	switch fourCC {
	case fourCCYUYV:
		return camera.FormatYUYV, true
	case fourCCMJPEG:
		return camera.FormatMJPEG, true
	}
	return 0, false
}

func fourCCOf(f camera.FrameFormat) uint32 {
	if f == camera.FormatMJPEG {
		return fourCCMJPEG
	}
	return fourCCYUYV
}

// sizeRange mirrors a V4L2 frame size enumeration entry. Discrete sizes have
// zero steps.
type sizeRange struct {
	MinW, MaxW, StepW uint32
	MinH, MaxH, StepH uint32
}

var standardSizes = []camera.Size{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 960},
	{Width: 1280, Height: 720},
	{Width: 800, Height: 600},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}

// expandSizes turns enumerated ranges into concrete sizes, largest first.
// Stepwise ranges contribute the standard sizes they can produce.
func expandSizes(ranges []sizeRange) []camera.Size {
	var out []camera.Size
	add := func(s camera.Size) {
		if !s.IsZero() && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, r := range ranges {
		if r.StepW == 0 || r.StepH == 0 || (r.MinW == r.MaxW && r.MinH == r.MaxH) {
			add(camera.Size{Width: int(r.MaxW), Height: int(r.MaxH)})
			continue
		}
		for _, s := range standardSizes {
			w, h := uint32(s.Width), uint32(s.Height)
			if w < r.MinW || w > r.MaxW || h < r.MinH || h > r.MaxH {
				continue
			}
			if (w-r.MinW)%r.StepW == 0 && (h-r.MinH)%r.StepH == 0 {
				add(s)
			}
		}
	}
	slices.SortFunc(out, func(a, b camera.Size) int { return b.Area() - a.Area() })
	return out
}

// scaleControl maps v in [lo, hi] onto the integer control range [min, max].
func scaleControl(v, lo, hi float64, min, max int32) int32 {
	if hi <= lo {
		return min
	}
	t := (v - lo) / (hi - lo)
	t = math.Max(0, math.Min(1, t))
	return min + int32(math.Round(t*float64(max-min)))
}

// wbTemperature is the color temperature (K) for a manual preset.
func wbTemperature(wb camera.WhiteBalance) (int32, error) {
	switch wb {
	case camera.WhiteBalanceIncandescent:
		return 2800, nil
	case camera.WhiteBalanceFluorescent:
		return 4000, nil
	case camera.WhiteBalanceDaylight:
		return 5500, nil
	case camera.WhiteBalanceCloudy:
		return 6500, nil
	}
	return 0, fmt.Errorf("no temperature for white balance %s", wb)
}

func clamp32(v, min, max int32) int32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
