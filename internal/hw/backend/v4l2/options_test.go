package v4l2

import (
	"testing"

	"github.com/cjeanneret/camkit/internal/camera"
)

func TestExpandSizes(t *testing.T) {
	tests := []struct {
		name   string
		ranges []sizeRange
		want   []camera.Size
	}{
		{
			name: "discrete",
			ranges: []sizeRange{
				{MinW: 640, MaxW: 640, MinH: 480, MaxH: 480},
				{MinW: 1280, MaxW: 1280, MinH: 720, MaxH: 720},
				{MinW: 640, MaxW: 640, MinH: 480, MaxH: 480},
			},
			want: []camera.Size{{Width: 1280, Height: 720}, {Width: 640, Height: 480}},
		},
		{
			name:   "stepwise",
			ranges: []sizeRange{{MinW: 320, MaxW: 1280, StepW: 16, MinH: 240, MaxH: 720, StepH: 16}},
			want: []camera.Size{
				{Width: 1280, Height: 720},
				{Width: 640, Height: 480},
				{Width: 320, Height: 240},
			},
		},
		{
			name: "empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandSizes(tt.ranges)
			if len(got) != len(tt.want) {
				t.Fatalf("sizes = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("size %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestScaleControl(t *testing.T) {
	tests := []struct {
		v, lo, hi float64
		min, max  int32
		want      int32
	}{
		{0, -2, 2, 0, 255, 128},
		{-2, -2, 2, 0, 255, 0},
		{2, -2, 2, 0, 255, 255},
		{5, -2, 2, 0, 255, 255},
		{0.5, 0, 1, 100, 500, 300},
		{1, 1, 1, 10, 20, 10},
	}
	for _, tt := range tests {
		if got := scaleControl(tt.v, tt.lo, tt.hi, tt.min, tt.max); got != tt.want {
			t.Errorf("scaleControl(%g, [%g,%g] -> [%d,%d]) = %d, want %d",
				tt.v, tt.lo, tt.hi, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestFormatMapping(t *testing.T) {
	for _, f := range []camera.FrameFormat{camera.FormatYUYV, camera.FormatMJPEG} {
		got, ok := formatOf(fourCCOf(f))
		if !ok || got != f {
			t.Errorf("round trip %s = %s, %v", f, got, ok)
		}
	}
	if _, ok := formatOf(0x3231564E); ok { // NV12
		t.Error("NV12 should not be supported")
	}
}

func TestWBTemperature(t *testing.T) {
	if _, err := wbTemperature(camera.WhiteBalanceAuto); err == nil {
		t.Error("auto has no fixed temperature")
	}
	k, err := wbTemperature(camera.WhiteBalanceDaylight)
	if err != nil || k != 5500 {
		t.Errorf("daylight = %d, %v", k, err)
	}
}
