package virtual

import (
	"image"
	"image/color"

	"github.com/cjeanneret/camkit/internal/camera"
)

// Quadrant colors of the synthetic scene, in sensor orientation.
var (
	ColorTopLeft     = color.RGBA{220, 30, 30, 255}
	ColorTopRight    = color.RGBA{30, 200, 30, 255}
	ColorBottomLeft  = color.RGBA{30, 30, 220, 255}
	ColorBottomRight = color.RGBA{230, 230, 230, 255}
)

// scene is what the synthetic sensor looks at.
type scene struct {
	zoom     float64 // 0 = widest
	exposure float64 // EV steps, -2..2
	wb       camera.WhiteBalance
}

// render draws the scene at size. tick moves a marker bar so consecutive
// frames differ.
func (s scene) render(size camera.Size, tick uint64) *image.RGBA {
	w, h := size.Width, size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	// Zoom crops toward the center: the quadrant split stays centered but
	// the marker band shrinks.
	scale := 1 + s.zoom
	gain := 1 + s.exposure/4
	tint := wbTint(s.wb)

	bar := int(tick % uint64(w))
	barW := int(float64(w/32+1) * scale)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c color.RGBA
			switch {
			case x < w/2 && y < h/2:
				c = ColorTopLeft
			case y < h/2:
				c = ColorTopRight
			case x < w/2:
				c = ColorBottomLeft
			default:
				c = ColorBottomRight
			}
			if x >= bar && x < bar+barW && y >= h*7/16 && y < h*9/16 {
				c = color.RGBA{0, 0, 0, 255}
			}
			img.SetRGBA(x, y, color.RGBA{
				R: clip(float64(c.R) * gain * tint[0]),
				G: clip(float64(c.G) * gain * tint[1]),
				B: clip(float64(c.B) * gain * tint[2]),
				A: 255,
			})
		}
	}
	return img
}

func wbTint(wb camera.WhiteBalance) [3]float64 {
	switch wb {
	case camera.WhiteBalanceIncandescent:
		return [3]float64{0.85, 0.95, 1.15}
	case camera.WhiteBalanceFluorescent:
		return [3]float64{1.05, 0.95, 1.0}
	case camera.WhiteBalanceCloudy:
		return [3]float64{1.1, 1.0, 0.9}
	default:
		return [3]float64{1, 1, 1}
	}
}

func clip(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
