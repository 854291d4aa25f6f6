package capture

import (
	"image"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/cjeanneret/camkit/internal/logic/geometry"
)

// orientMatrix maps source pixel coordinates of a w x h image to destination
// coordinates after a clockwise rotation by deg, followed by a horizontal
// mirror when mirror is set.
func orientMatrix(w, h float64, deg int, mirror bool) f64.Aff3 {
	var m f64.Aff3
	dw := w
	switch geometry.Normalize(deg) {
	case 90:
		m = f64.Aff3{0, -1, h, 1, 0, 0}
		dw = h
	case 180:
		m = f64.Aff3{-1, 0, w, 0, -1, h}
	case 270:
		m = f64.Aff3{0, 1, 0, -1, 0, w}
		dw = h
	default:
		m = f64.Aff3{1, 0, 0, 0, 1, 0}
	}
	if mirror {
		m[0], m[1], m[2] = -m[0], -m[1], dw-m[2]
	}
	return m
}

// Orient returns a copy of img rotated clockwise by deg (a multiple of 90)
// and mirrored horizontally when mirror is set. Width and height swap for
// 90 and 270.
func Orient(img image.Image, deg int, mirror bool) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	deg = geometry.Normalize(deg)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if deg%180 != 0 {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}
	if deg == 0 && !mirror {
		xdraw.Copy(dst, image.Point{}, img, b, xdraw.Src, nil)
		return dst
	}

	m := orientMatrix(float64(w), float64(h), deg, mirror)
	// Account for a source that does not start at the origin.
	minX, minY := float64(b.Min.X), float64(b.Min.Y)
	m[2] -= m[0]*minX + m[1]*minY
	m[5] -= m[3]*minX + m[4]*minY

	xdraw.NearestNeighbor.Transform(dst, m, img, b, xdraw.Src, nil)
	return dst
}
