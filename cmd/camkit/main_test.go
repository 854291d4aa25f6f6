package main

import (
	"bytes"
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/config"
	"github.com/cjeanneret/camkit/internal/hw/gpio"
	"github.com/cjeanneret/camkit/internal/logic/engine"
	"github.com/cjeanneret/camkit/internal/preview"
)

func loadDefaultConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	return cfg
}

// startEngine runs the startup path of main on the virtual backend.
func startEngine(t *testing.T, cfg *config.Config, lamp *gpio.Lamp) *engine.Engine {
	t.Helper()
	b, err := newBackendFromConfig(cfg, lamp)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(b, engineOptions(cfg))
	t.Cleanup(func() {
		eng.Release()
		<-eng.Done()
	})
	surface := preview.NewGPUSurface(nil, cfg.Filter())
	if err := surface.Create(camera.Size{Width: 320, Height: 240}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := start(ctx, eng, cfg.Facing(), surface, cfg.OpTimeout()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return eng
}

// ---------- facingOverride ----------

func TestFacingOverride(t *testing.T) {
	cfg := loadDefaultConfig(t)
	cases := []struct {
		name    string
		want    camera.Facing
		wantErr bool
	}{
		{"", camera.FacingBack, false},
		{"front", camera.FacingFront, false},
		{"BACK", camera.FacingBack, false},
		{"side", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := facingOverride(cfg, tc.name)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("facing = %s, want %s", got, tc.want)
			}
		})
	}
}

// ---------- newBackendFromConfig ----------

func TestNewBackendFromConfig_Types(t *testing.T) {
	cfg := loadDefaultConfig(t)
	for _, typ := range []string{"virtual", "v4l2"} {
		cfg.Backend.Type = typ
		b, err := newBackendFromConfig(cfg, nil)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if b.Name() != typ {
			t.Errorf("Name() = %q, want %q", b.Name(), typ)
		}
	}

	cfg.Backend.Type = "usb"
	if _, err := newBackendFromConfig(cfg, nil); err == nil {
		t.Error("expected error for unsupported backend type")
	}
}

func TestNewBackendFromConfig_VirtualSensorOffset(t *testing.T) {
	cfg := loadDefaultConfig(t)
	cfg.Backend.SensorOffset = map[string]int{"back": 270}

	eng := startEngine(t, cfg, nil)
	caps := eng.Capabilities()
	if caps == nil || caps.SensorOffset != 270 {
		t.Fatalf("capabilities = %+v, want sensor offset 270", caps)
	}
}

func TestNewBackendFromConfig_VirtualFlash(t *testing.T) {
	cfg := loadDefaultConfig(t)
	lamp, err := gpio.NewLamp(gpio.NewMockDriver(), 18)
	if err != nil {
		t.Fatal(err)
	}

	eng := startEngine(t, cfg, lamp)
	if len(eng.Capabilities().Flash) < 2 {
		t.Errorf("flash modes = %v, want more than off", eng.Capabilities().Flash)
	}
}

// ---------- engineOptions / formDefaults ----------

func TestEngineOptions(t *testing.T) {
	cfg := loadDefaultConfig(t)
	opts := engineOptions(cfg)
	if opts.BindTimeout != 3*time.Second {
		t.Errorf("BindTimeout = %v, want 3s", opts.BindTimeout)
	}
	if opts.OpTimeout != 5*time.Second {
		t.Errorf("OpTimeout = %v, want 5s", opts.OpTimeout)
	}
	if opts.FramePoolSize != 2 {
		t.Errorf("FramePoolSize = %d, want 2", opts.FramePoolSize)
	}
	if opts.PictureQuality != 90 || opts.VideoFrameRate != 15 {
		t.Errorf("quality/fps = %d/%d, want 90/15", opts.PictureQuality, opts.VideoFrameRate)
	}
}

func TestFormDefaults(t *testing.T) {
	cfg := loadDefaultConfig(t)
	cfg.Video.MaxDurationMs = 4000
	fc := formDefaults(cfg, camera.FacingFront)
	if fc.Facing != "front" {
		t.Errorf("Facing = %q, want front", fc.Facing)
	}
	if fc.Quality != 90 || fc.VideoFPS != 15 || fc.MaxDurationMs != 4000 {
		t.Errorf("form defaults = %+v", fc)
	}
}

// ---------- One-shot captures ----------

func TestTakePicture_WritesJPEG(t *testing.T) {
	cfg := loadDefaultConfig(t)
	path := filepath.Join(t.TempDir(), "out", "pic.jpg")
	eng := startEngine(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := takePicture(ctx, eng, path, cfg.PictureOptions()); err != nil {
		t.Fatalf("takePicture: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.Errorf("not a JPEG: %v", err)
	}
}

func TestTakePicture_CanceledContext(t *testing.T) {
	cfg := loadDefaultConfig(t)
	eng := startEngine(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The engine may still finish the picture; only the wait is abandoned.
	if err := takePicture(ctx, eng, filepath.Join(t.TempDir(), "p.jpg"), cfg.PictureOptions()); err != nil && err != context.Canceled {
		t.Errorf("err = %v, want nil or context.Canceled", err)
	}
}

func TestRecordVideo_StopsAtDuration(t *testing.T) {
	cfg := loadDefaultConfig(t)
	path := filepath.Join(t.TempDir(), "vid.avi")
	eng := startEngine(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := recordVideo(ctx, eng, path, 300*time.Millisecond, cfg.VideoOptions()); err != nil {
		t.Fatalf("recordVideo: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("recording is empty")
	}
}

func TestRecordVideo_StopsOnCancel(t *testing.T) {
	cfg := loadDefaultConfig(t)
	path := filepath.Join(t.TempDir(), "vid.avi")
	eng := startEngine(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := recordVideo(ctx, eng, path, 0, cfg.VideoOptions()); err != nil {
		t.Fatalf("recordVideo: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("recording not finalized: %v", err)
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}
