package camera

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func testCaps() *Capabilities {
	return &Capabilities{
		Facing:          FacingBack,
		SupportedFacing: []Facing{FacingBack},
		Flash:           []Flash{FlashOff, FlashTorch},
		WhiteBalance:    []WhiteBalance{WhiteBalanceAuto},
		ZoomSupported:   true,
		MaxZoom:         1.0,
		ExposureMin:     -2,
		ExposureMax:     2,
		ExposureStep:    0.5,
		FrameRates:      []FPSRange{{Min: 15, Max: 30}},
	}
}

// ---------- Validate ----------

func TestValidate_Accepted(t *testing.T) {
	caps := testCaps()
	cases := []struct {
		name string
		ctl  Control
	}{
		{"zoom_zero", ZoomControl(0)},
		{"zoom_max", ZoomControl(1.0)},
		{"exposure_min", ExposureControl(-2)},
		{"flash_torch", FlashControl(FlashTorch)},
		{"white_balance_auto", WhiteBalanceControl(WhiteBalanceAuto)},
		{"frame_rate_in_range", FrameRateControl(24)},
		{"facing_back", FacingControl(FacingBack)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := caps.Validate(tc.ctl); err != nil {
				t.Errorf("Validate(%s) = %v, want nil", tc.ctl, err)
			}
		})
	}
}

func TestValidate_Rejected(t *testing.T) {
	caps := testCaps()
	cases := []struct {
		name string
		ctl  Control
	}{
		{"zoom_above_max", ZoomControl(2.0)},
		{"zoom_negative", ZoomControl(-0.1)},
		{"zoom_nan", ZoomControl(math.NaN())},
		{"exposure_too_high", ExposureControl(3)},
		{"flash_on_missing", FlashControl(FlashOn)},
		{"white_balance_daylight", WhiteBalanceControl(WhiteBalanceDaylight)},
		{"frame_rate_60", FrameRateControl(60)},
		{"facing_front_missing", FacingControl(FacingFront)},
		{"unknown_kind", Control{Kind: ControlKind(42)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := caps.Validate(tc.ctl)
			if !errors.Is(err, ErrUnsupportedControl) {
				t.Errorf("Validate(%s) = %v, want ErrUnsupportedControl", tc.ctl, err)
			}
		})
	}
}

func TestValidate_ZoomUnsupported(t *testing.T) {
	caps := testCaps()
	caps.ZoomSupported = false
	if err := caps.Validate(ZoomControl(0.5)); !errors.Is(err, ErrUnsupportedControl) {
		t.Errorf("got %v, want ErrUnsupportedControl", err)
	}
}

// ---------- Helpers ----------

func TestParseFacing(t *testing.T) {
	cases := map[string]Facing{"back": FacingBack, "FRONT": FacingFront, "": FacingBack}
	for in, want := range cases {
		got, err := ParseFacing(in)
		if err != nil || got != want {
			t.Errorf("ParseFacing(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFacing("side"); err == nil {
		t.Error("expected error for unknown facing")
	}
}

func TestParseControlKind(t *testing.T) {
	k, err := ParseControlKind("zoom")
	if err != nil || k != ControlZoom {
		t.Errorf("ParseControlKind(zoom) = %v, %v", k, err)
	}
	if _, err := ParseControlKind("iso"); err == nil {
		t.Error("expected error for unknown control")
	}
}

func TestParseEnums(t *testing.T) {
	if f, err := ParseFlash("Torch"); err != nil || f != FlashTorch {
		t.Errorf("ParseFlash(Torch) = %v, %v", f, err)
	}
	if _, err := ParseFlash("strobe"); err == nil {
		t.Error("expected error for unknown flash mode")
	}
	if w, err := ParseWhiteBalance("daylight"); err != nil || w != WhiteBalanceDaylight {
		t.Errorf("ParseWhiteBalance(daylight) = %v, %v", w, err)
	}
	if _, err := ParseWhiteBalance("shade"); err == nil {
		t.Error("expected error for unknown white balance")
	}
	if f, err := ParseFrameFormat("mjpeg"); err != nil || f != FormatMJPEG {
		t.Errorf("ParseFrameFormat(mjpeg) = %v, %v", f, err)
	}
	if _, err := ParseFrameFormat("nv21"); err == nil {
		t.Error("expected error for unknown frame format")
	}
}

func TestCapabilities_JSONUsesNames(t *testing.T) {
	data, err := json.Marshal(testCaps())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"facing":"back"`, `"flash":["off","torch"]`, `"white_balance":["auto"]`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("json %s missing %s", data, want)
		}
	}
}

func TestStateOrdering(t *testing.T) {
	if !StatePreview.AtLeast(StateBind) || StateEngine.AtLeast(StateBind) {
		t.Error("state ordering broken")
	}
	if StateOff.String() != "OFF" || StatePreview.String() != "PREVIEW" {
		t.Errorf("unexpected names %s %s", StateOff, StatePreview)
	}
}

func TestLargestPictureSize(t *testing.T) {
	caps := &Capabilities{PictureSizes: []Size{{640, 480}, {1920, 1080}, {1280, 720}}}
	if got := caps.LargestPictureSize(); got != (Size{1920, 1080}) {
		t.Errorf("LargestPictureSize = %v", got)
	}
}
