package preview

import (
	"fmt"
	"image"
	"strings"
)

// Filter modifies composited preview pixels in place.
type Filter interface {
	Name() string
	Apply(img *image.RGBA)
}

type pixelFilter struct {
	name string
	fn   func(r, g, b uint8) (uint8, uint8, uint8)
}

func (f pixelFilter) Name() string { return f.name }

func (f pixelFilter) Apply(img *image.RGBA) {
	if f.fn == nil {
		return
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			row[i], row[i+1], row[i+2] = f.fn(row[i], row[i+1], row[i+2])
		}
	}
}

// Built-in filters.
var (
	FilterNone      Filter = pixelFilter{name: "none"}
	FilterGrayscale Filter = pixelFilter{name: "grayscale", fn: grayscale}
	FilterSepia     Filter = pixelFilter{name: "sepia", fn: sepia}
	FilterInvert    Filter = pixelFilter{name: "invert", fn: invert}
)

var filters = map[string]Filter{
	"none":      FilterNone,
	"grayscale": FilterGrayscale,
	"sepia":     FilterSepia,
	"invert":    FilterInvert,
}

// ParseFilter returns the built-in filter with the given name.
func ParseFilter(name string) (Filter, error) {
	if name == "" {
		return FilterNone, nil
	}
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown preview filter %q", name)
	}
	return f, nil
}

// ITU-R BT.601 luma
func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}

func grayscale(r, g, b uint8) (uint8, uint8, uint8) {
	y := luma(r, g, b)
	return y, y, y
}

func sepia(r, g, b uint8) (uint8, uint8, uint8) {
	fr, fg, fb := float64(r), float64(g), float64(b)
	return clamp(0.393*fr + 0.769*fg + 0.189*fb),
		clamp(0.349*fr + 0.686*fg + 0.168*fb),
		clamp(0.272*fr + 0.534*fg + 0.131*fb)
}

func invert(r, g, b uint8) (uint8, uint8, uint8) {
	return 255 - r, 255 - g, 255 - b
}

func clamp(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
