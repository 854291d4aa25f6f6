package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/gogpu/gg"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/cjeanneret/camkit/internal/camera"
)

// DefaultQuality is the JPEG quality used when a request leaves it at zero.
const DefaultQuality = 90

// Encode renders img in the given picture format.
func Encode(img image.Image, format camera.PictureFormat, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	dc := gg.NewContextForImage(img)
	defer dc.Close()

	var buf bytes.Buffer
	var err error
	switch format {
	case camera.PicturePNG:
		err = dc.EncodePNG(&buf)
	default:
		err = dc.EncodeJPEG(&buf, quality)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// EncodeJPEG is Encode for the JPEG format.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	return Encode(img, camera.PictureJPEG, quality)
}

const (
	overlayPad  = 4
	overlayBand = 13 + 2*overlayPad // basicfont.Face7x13 height plus padding
)

// Overlay composites a translucent band with label along the bottom edge of
// img and returns the result. img is not modified.
func Overlay(img image.Image, label string) *image.RGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	dc := gg.NewContextForImage(img)
	defer dc.Close()
	band := float64(overlayBand)
	if band > h {
		band = h
	}
	dc.SetRGBA(0, 0, 0, 0.5)
	dc.DrawRectangle(0, h-band, w, band)
	_ = dc.Fill()

	out := toRGBA(dc.Image())
	d := font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(overlayPad, b.Dy()-overlayPad-basicfont.Face7x13.Descent),
	}
	d.DrawString(label)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(rgba, image.Point{}, img, b, xdraw.Src, nil)
	return rgba
}
