// Package camera holds the data model shared by the engine, the capture
// pipelines and the hardware backends.
package camera

import (
	"fmt"
	"strings"
)

// State is the engine lifecycle state. States are ordered: a higher state
// implies every lower one is satisfied.
type State int

const (
	StateOff State = iota
	StateEngine
	StateBind
	StatePreview
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateEngine:
		return "ENGINE"
	case StateBind:
		return "BIND"
	case StatePreview:
		return "PREVIEW"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AtLeast reports whether s satisfies other.
func (s State) AtLeast(other State) bool { return s >= other }

// Facing selects which physical device is opened.
type Facing int

const (
	FacingBack Facing = iota
	FacingFront
)

func (f Facing) String() string {
	if f == FacingFront {
		return "front"
	}
	return "back"
}

func (f Facing) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// ParseFacing accepts "back" or "front" (case-insensitive).
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "back", "":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	}
	return FacingBack, fmt.Errorf("unknown facing %q", s)
}

// Flash mode.
type Flash int

const (
	FlashOff Flash = iota
	FlashOn
	FlashAuto
	FlashTorch
)

var flashNames = []string{"off", "on", "auto", "torch"}

func (f Flash) String() string {
	if int(f) >= 0 && int(f) < len(flashNames) {
		return flashNames[f]
	}
	return fmt.Sprintf("Flash(%d)", int(f))
}

func (f Flash) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// ParseFlash accepts the names printed by Flash.String.
func ParseFlash(s string) (Flash, error) {
	for i, name := range flashNames {
		if strings.EqualFold(s, name) {
			return Flash(i), nil
		}
	}
	return FlashOff, fmt.Errorf("unknown flash mode %q", s)
}

// WhiteBalance mode.
type WhiteBalance int

const (
	WhiteBalanceAuto WhiteBalance = iota
	WhiteBalanceIncandescent
	WhiteBalanceFluorescent
	WhiteBalanceDaylight
	WhiteBalanceCloudy
)

var whiteBalanceNames = []string{"auto", "incandescent", "fluorescent", "daylight", "cloudy"}

func (w WhiteBalance) String() string {
	if int(w) >= 0 && int(w) < len(whiteBalanceNames) {
		return whiteBalanceNames[w]
	}
	return fmt.Sprintf("WhiteBalance(%d)", int(w))
}

func (w WhiteBalance) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

// ParseWhiteBalance accepts the names printed by WhiteBalance.String.
func ParseWhiteBalance(s string) (WhiteBalance, error) {
	for i, name := range whiteBalanceNames {
		if strings.EqualFold(s, name) {
			return WhiteBalance(i), nil
		}
	}
	return WhiteBalanceAuto, fmt.Errorf("unknown white balance %q", s)
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Flip swaps width and height.
func (s Size) Flip() Size { return Size{Width: s.Height, Height: s.Width} }

// Area returns width*height.
func (s Size) Area() int { return s.Width * s.Height }

// IsZero reports whether either dimension is not positive.
func (s Size) IsZero() bool { return s.Width <= 0 || s.Height <= 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// FrameFormat is the pixel layout of a raw preview frame.
type FrameFormat int

const (
	FormatRGBA FrameFormat = iota
	FormatYUYV
	FormatMJPEG
)

func (f FrameFormat) String() string {
	switch f {
	case FormatRGBA:
		return "RGBA"
	case FormatYUYV:
		return "YUYV"
	case FormatMJPEG:
		return "MJPEG"
	default:
		return fmt.Sprintf("FrameFormat(%d)", int(f))
	}
}

func (f FrameFormat) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// ParseFrameFormat accepts the names printed by FrameFormat.String, in any
// case.
func ParseFrameFormat(s string) (FrameFormat, error) {
	for _, f := range []FrameFormat{FormatRGBA, FormatYUYV, FormatMJPEG} {
		if strings.EqualFold(s, f.String()) {
			return f, nil
		}
	}
	return FormatRGBA, fmt.Errorf("unknown frame format %q", s)
}

// BufferSize returns the number of bytes a frame of this format and size
// needs. MJPEG is variable, so a worst-case uncompressed bound is used.
func (f FrameFormat) BufferSize(s Size) int {
	switch f {
	case FormatYUYV:
		return s.Area() * 2
	default:
		return s.Area() * 4
	}
}

// PictureFormat is the encoding of a picture result.
type PictureFormat int

const (
	PictureJPEG PictureFormat = iota
	PicturePNG
)

func (p PictureFormat) String() string {
	if p == PicturePNG {
		return "png"
	}
	return "jpeg"
}
