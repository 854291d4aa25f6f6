package camera

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// FPSRange is a supported preview frame-rate range.
type FPSRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Capabilities describes what the opened device supports. It is built by the
// backend at open time and never mutated once published.
type Capabilities struct {
	Facing          Facing         `json:"facing"`
	SensorOffset    int            `json:"sensor_offset"`
	SupportedFacing []Facing       `json:"supported_facing"`
	PreviewSizes    []Size         `json:"preview_sizes"`
	PictureSizes    []Size         `json:"picture_sizes"`
	VideoSizes      []Size         `json:"video_sizes"`
	FrameFormats    []FrameFormat  `json:"frame_formats"`
	Flash           []Flash        `json:"flash"`
	WhiteBalance    []WhiteBalance `json:"white_balance"`
	ZoomSupported   bool           `json:"zoom_supported"`
	MaxZoom         float64        `json:"max_zoom"`
	ExposureMin     float64        `json:"exposure_min"`
	ExposureMax     float64        `json:"exposure_max"`
	ExposureStep    float64        `json:"exposure_step"`
	FrameRates      []FPSRange     `json:"frame_rates"`
}

// ExposureSupported reports whether exposure correction can be applied.
func (c *Capabilities) ExposureSupported() bool {
	return c.ExposureMax > c.ExposureMin
}

// PreferredFrameFormat returns the first listed frame format (the native one).
func (c *Capabilities) PreferredFrameFormat() FrameFormat {
	if len(c.FrameFormats) == 0 {
		return FormatRGBA
	}
	return c.FrameFormats[0]
}

// LargestPictureSize returns the biggest picture size by area.
func (c *Capabilities) LargestPictureSize() Size {
	var best Size
	for _, s := range c.PictureSizes {
		if s.Area() > best.Area() {
			best = s
		}
	}
	return best
}

// ControlKind identifies which setting a Control carries.
type ControlKind int

const (
	ControlFacing ControlKind = iota
	ControlFlash
	ControlWhiteBalance
	ControlZoom
	ControlExposure
	ControlFrameRate
)

var controlNames = []string{"facing", "flash", "white_balance", "zoom", "exposure", "frame_rate"}

func (k ControlKind) String() string {
	if int(k) >= 0 && int(k) < len(controlNames) {
		return controlNames[k]
	}
	return fmt.Sprintf("ControlKind(%d)", int(k))
}

// ParseControlKind maps a name such as "zoom" to its kind.
func ParseControlKind(s string) (ControlKind, error) {
	i := slices.Index(controlNames, strings.ToLower(s))
	if i < 0 {
		return 0, fmt.Errorf("unknown control %q", s)
	}
	return ControlKind(i), nil
}

// Control is a tagged control value. Only the field matching Kind is read.
type Control struct {
	Kind         ControlKind
	Facing       Facing
	Flash        Flash
	WhiteBalance WhiteBalance
	Value        float64 // zoom, exposure correction or frame rate
}

func FacingControl(f Facing) Control { return Control{Kind: ControlFacing, Facing: f} }
func FlashControl(f Flash) Control { return Control{Kind: ControlFlash, Flash: f} }
func WhiteBalanceControl(w WhiteBalance) Control { return Control{Kind: ControlWhiteBalance, WhiteBalance: w} }
func ZoomControl(v float64) Control { return Control{Kind: ControlZoom, Value: v} }
func ExposureControl(v float64) Control { return Control{Kind: ControlExposure, Value: v} }
func FrameRateControl(v float64) Control { return Control{Kind: ControlFrameRate, Value: v} }

func (c Control) String() string {
	switch c.Kind {
	case ControlFacing:
		return "facing=" + c.Facing.String()
	case ControlFlash:
		return "flash=" + c.Flash.String()
	case ControlWhiteBalance:
		return "white_balance=" + c.WhiteBalance.String()
	default:
		return fmt.Sprintf("%s=%g", c.Kind, c.Value)
	}
}

// Validate checks ctl against the descriptor. The returned error wraps
// ErrUnsupportedControl.
func (c *Capabilities) Validate(ctl Control) error {
	if math.IsNaN(ctl.Value) || math.IsInf(ctl.Value, 0) {
		return fmt.Errorf("%w: %s is not a number", ErrUnsupportedControl, ctl.Kind)
	}
	switch ctl.Kind {
	case ControlFacing:
		if !slices.Contains(c.SupportedFacing, ctl.Facing) {
			return fmt.Errorf("%w: facing %s not available", ErrUnsupportedControl, ctl.Facing)
		}
	case ControlFlash:
		if !slices.Contains(c.Flash, ctl.Flash) {
			return fmt.Errorf("%w: flash %s", ErrUnsupportedControl, ctl.Flash)
		}
	case ControlWhiteBalance:
		if !slices.Contains(c.WhiteBalance, ctl.WhiteBalance) {
			return fmt.Errorf("%w: white balance %s", ErrUnsupportedControl, ctl.WhiteBalance)
		}
	case ControlZoom:
		if !c.ZoomSupported {
			return fmt.Errorf("%w: zoom not supported", ErrUnsupportedControl)
		}
		if ctl.Value < 0 || ctl.Value > c.MaxZoom {
			return fmt.Errorf("%w: zoom %g outside [0, %g]", ErrUnsupportedControl, ctl.Value, c.MaxZoom)
		}
	case ControlExposure:
		if !c.ExposureSupported() {
			return fmt.Errorf("%w: exposure correction not supported", ErrUnsupportedControl)
		}
		if ctl.Value < c.ExposureMin || ctl.Value > c.ExposureMax {
			return fmt.Errorf("%w: exposure %g outside [%g, %g]", ErrUnsupportedControl, ctl.Value, c.ExposureMin, c.ExposureMax)
		}
	case ControlFrameRate:
		for _, r := range c.FrameRates {
			if ctl.Value >= r.Min && ctl.Value <= r.Max {
				return nil
			}
		}
		return fmt.Errorf("%w: frame rate %g", ErrUnsupportedControl, ctl.Value)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrUnsupportedControl, int(ctl.Kind))
	}
	return nil
}
