package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/logic/geometry"
)

type fakeSnapshotter struct {
	img *image.RGBA
	err error
}

func (f *fakeSnapshotter) Snapshot() (*image.RGBA, error) { return f.img, f.err }

// quadrants returns a w x h image whose top-left quadrant is red and the rest
// blue, so rotation and mirroring can be told apart after JPEG compression.
func quadrants(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{0, 0, 255, 255}
			if x < w/2 && y < h/2 {
				c = color.RGBA{255, 0, 0, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// ---------- Orientation rule ----------

func TestOrientationOf_FacingByDeviceOrientation(t *testing.T) {
	const sensor = 90
	for _, facing := range []camera.Facing{camera.FacingBack, camera.FacingFront} {
		for _, device := range []int{0, 90, 180, 270} {
			var a geometry.Angles
			a.SetSensorOffset(facing, sensor)
			a.SetDeviceOrientation(device)
			o := OrientationOf(&a, facing)

			want := geometry.Normalize(sensor + device)
			if facing == camera.FacingFront {
				want = geometry.Normalize(sensor - device)
			}
			if o.Rotation != want {
				t.Errorf("%s device=%d: rotation = %d, want %d", facing, device, o.Rotation, want)
			}
			if o.Mirror() != (facing == camera.FacingFront) {
				t.Errorf("%s: mirror = %v", facing, o.Mirror())
			}
		}
	}
}

func TestSensorPicture_StampsRotationKeepsPixels(t *testing.T) {
	for _, facing := range []camera.Facing{camera.FacingBack, camera.FacingFront} {
		for _, rot := range []int{0, 90, 180, 270} {
			raw := camera.RawPicture{
				Data:    []byte{1, 2, 3},
				Format:  camera.PictureJPEG,
				Size:    camera.Size{Width: 640, Height: 480},
				TakenAt: time.Now(),
			}
			res := SensorPicture(raw, Orientation{Facing: facing, Rotation: rot}, raw.TakenAt.Add(-time.Millisecond))
			if res.Rotation != rot {
				t.Errorf("%s/%d: rotation = %d", facing, rot, res.Rotation)
			}
			if res.Size != raw.Size {
				t.Errorf("%s/%d: size = %s, sensor-direct must not flip", facing, rot, res.Size)
			}
			if res.Snapshot || !bytes.Equal(res.Data, raw.Data) {
				t.Errorf("%s/%d: data must be passed through untouched", facing, rot)
			}
			if res.Latency != time.Millisecond {
				t.Errorf("latency = %v, want 1ms", res.Latency)
			}
		}
	}
}

func TestSnapshotPicture_BakesRotation(t *testing.T) {
	src := quadrants(64, 32)
	tests := []struct {
		facing camera.Facing
		rot    int
		// corner of the output that must be red
		redX, redY int
	}{
		{camera.FacingBack, 0, 0, 0},
		{camera.FacingBack, 90, 1, 0},
		{camera.FacingBack, 180, 1, 1},
		{camera.FacingBack, 270, 0, 1},
		{camera.FacingFront, 0, 1, 0},
		{camera.FacingFront, 90, 0, 0},
		{camera.FacingFront, 180, 0, 1},
		{camera.FacingFront, 270, 1, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.facing, tt.rot), func(t *testing.T) {
			res, err := SnapshotPicture(&fakeSnapshotter{img: src},
				Orientation{Facing: tt.facing, Rotation: tt.rot}, camera.PictureOptions{Quality: 95}, time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if res.Rotation != 0 || !res.Snapshot {
				t.Errorf("rot %d: rotation = %d snapshot = %v, want 0 true", tt.rot, res.Rotation, res.Snapshot)
			}
			want := camera.Size{Width: 64, Height: 32}
			if tt.rot%180 != 0 {
				want = want.Flip()
			}
			if res.Size != want {
				t.Errorf("rot %d: size = %s, want %s", tt.rot, res.Size, want)
			}

			img, err := jpeg.Decode(bytes.NewReader(res.Data))
			if err != nil {
				t.Fatal(err)
			}
			b := img.Bounds()
			x := b.Dx()/4 + tt.redX*b.Dx()/2
			y := b.Dy()/4 + tt.redY*b.Dy()/2
			r, _, bl, _ := img.At(x, y).RGBA()
			if r>>8 < 200 || bl>>8 > 60 {
				t.Errorf("rot %d: expected red quadrant at (%d,%d)", tt.rot, tt.redX, tt.redY)
			}
		})
	}
}

func TestSnapshotPicture_SnapshotError(t *testing.T) {
	_, err := SnapshotPicture(&fakeSnapshotter{err: errors.New("not ready")}, Orientation{}, camera.PictureOptions{}, time.Now())
	if !errors.Is(err, camera.ErrCaptureFailed) {
		t.Errorf("err = %v, want ErrCaptureFailed", err)
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard("picture")
	if err := g.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := g.Acquire(); !errors.Is(err, camera.ErrCaptureInProgress) {
		t.Errorf("second Acquire = %v, want ErrCaptureInProgress", err)
	}
	g.Release()
	if g.Busy() {
		t.Error("guard still busy after Release")
	}
	if err := g.Acquire(); err != nil {
		t.Errorf("Acquire after Release = %v", err)
	}
}
