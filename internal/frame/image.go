package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/cjeanneret/camkit/internal/camera"
)

// Image decodes the frame. For RGBA frames the returned image aliases the
// frame buffer, so it shares the frame's borrow lifetime.
func (f *Frame) Image() (image.Image, error) {
	data := f.Data()
	if data == nil {
		return nil, fmt.Errorf("frame %d already recycled", f.Seq)
	}
	return DecodeImage(f.Format, f.Size, data)
}

// DecodeImage converts raw bytes of the given format into an image.
func DecodeImage(format camera.FrameFormat, size camera.Size, data []byte) (image.Image, error) {
	switch format {
	case camera.FormatRGBA:
		if len(data) < size.Area()*4 {
			return nil, fmt.Errorf("rgba frame too short: %d bytes for %s", len(data), size)
		}
		return &image.RGBA{
			Pix:    data[:size.Area()*4],
			Stride: size.Width * 4,
			Rect:   image.Rect(0, 0, size.Width, size.Height),
		}, nil
	case camera.FormatYUYV:
		return YUYVToImage(data, size)
	case camera.FormatMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode mjpeg frame: %w", err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %s", format)
	}
}

// YUYVToImage unpacks packed 4:2:2 YUYV into a planar YCbCr image.
func YUYVToImage(data []byte, size camera.Size) (*image.YCbCr, error) {
	if len(data) < size.Area()*2 {
		return nil, fmt.Errorf("yuyv frame too short: %d bytes for %s", len(data), size)
	}
	img := image.NewYCbCr(image.Rect(0, 0, size.Width, size.Height), image.YCbCrSubsampleRatio422)
	for i := range img.Cb {
		ii := i * 4
		img.Y[i*2] = data[ii]
		img.Y[i*2+1] = data[ii+2]
		img.Cb[i] = data[ii+1]
		img.Cr[i] = data[ii+3]
	}
	return img, nil
}

// RGBAToYUYV packs an RGBA image into YUYV, the inverse of YUYVToImage up to
// chroma subsampling. Width must be even.
func RGBAToYUYV(img *image.RGBA, dst []byte) []byte {
	b := img.Bounds()
	n := b.Dx() * b.Dy() * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x+1 < b.Max.X; x += 2 {
			o0 := img.PixOffset(x, y)
			o1 := o0 + 4
			y0, cb0, cr0 := color.RGBToYCbCr(img.Pix[o0], img.Pix[o0+1], img.Pix[o0+2])
			y1, cb1, cr1 := color.RGBToYCbCr(img.Pix[o1], img.Pix[o1+1], img.Pix[o1+2])
			dst[i] = y0
			dst[i+1] = uint8((uint16(cb0) + uint16(cb1)) / 2)
			dst[i+2] = y1
			dst[i+3] = uint8((uint16(cr0) + uint16(cr1)) / 2)
			i += 4
		}
	}
	return dst
}
