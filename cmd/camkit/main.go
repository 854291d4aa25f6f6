package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/config"
	"github.com/cjeanneret/camkit/internal/debug"
	"github.com/cjeanneret/camkit/internal/hw/backend"
	"github.com/cjeanneret/camkit/internal/hw/backend/v4l2"
	"github.com/cjeanneret/camkit/internal/hw/backend/virtual"
	"github.com/cjeanneret/camkit/internal/hw/gpio"
	"github.com/cjeanneret/camkit/internal/logic/engine"
	"github.com/cjeanneret/camkit/internal/logic/geometry"
	"github.com/cjeanneret/camkit/internal/preview"
	"github.com/cjeanneret/camkit/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	facingName := flag.String("facing", "", "override the camera opened at startup (back|front)")
	orientation := flag.Int("orientation", 0, "device orientation in degrees (0, 90, 180, 270)")
	picturePath := flag.String("picture", "", "take one picture into this file and exit")
	videoPath := flag.String("video", "", "record one video into this file and exit")
	videoLength := flag.Duration("duration", 5*time.Second, "length of the -video recording")
	flag.Parse()

	// Registered first so it runs after every other deferred cleanup.
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	facing, err := facingOverride(cfg, *facingName)
	if err != nil {
		log.Fatalf("invalid -facing: %v", err)
	}
	if err := geometry.ValidateRotation(*orientation); err != nil {
		log.Fatalf("invalid -orientation: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	var lamp *gpio.Lamp
	if cfg.Flash.LampPin > 0 {
		if lamp, err = gpio.NewLamp(gpioDriver, cfg.Flash.LampPin); err != nil {
			log.Fatalf("init flash lamp failed: %v", err)
		}
		defer lamp.Off()
		debug.Value("Flash pin", cfg.Flash.LampPin)
	}

	// Initialize camera
	debug.Step(2, "Initializing camera backend")
	b, err := newBackendFromConfig(cfg, lamp)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	debug.Value("Backend type", cfg.Backend.Type)
	debug.PrintStruct("Backend config", cfg.Backend)

	debug.Step(3, "Starting camera engine")
	eng := engine.New(b, engineOptions(cfg))
	defer func() {
		eng.Release()
		<-eng.Done()
	}()
	eng.SetDeviceOrientation(*orientation)

	surface := preview.NewGPUSurface(nil, cfg.Filter())
	if err := surface.Create(cfg.PreviewSize()); err != nil {
		log.Fatalf("create preview surface: %v", err)
	}
	defer surface.Release()
	debug.Value("Preview surface", cfg.PreviewSize())
	debug.Value("Preview filter", cfg.Filter().Name())
	debug.Summary(fmt.Sprintf("%s camera, %s backend, %s preview", facing, cfg.Backend.Type, cfg.PreviewSize()))

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		eng.AddListener(broadcaster.Listener())

		// The page can reopen the camera; a failed start is not fatal here.
		if err := start(ctx, eng, facing, surface, cfg.OpTimeout()); err != nil {
			debug.Error(err)
		}

		srv := web.NewServer(webAddr, broadcaster, eng, formDefaults(cfg, facing), cfg.Picture.OutputDir)
		if err := srv.Run(ctx); err != nil {
			log.Printf("web server: %v", err)
			exitCode = 1
		}
		return
	}

	if err := start(ctx, eng, facing, surface, cfg.OpTimeout()); err != nil {
		log.Printf("start camera: %v", err)
		exitCode = 1
		return
	}

	if *videoPath != "" {
		err = recordVideo(ctx, eng, *videoPath, *videoLength, cfg.VideoOptions())
	} else {
		// Take one picture, into -picture or the output directory.
		path := *picturePath
		if path == "" {
			path = filepath.Join(cfg.Picture.OutputDir, "IMG_"+time.Now().Format("20060102_150405")+".jpg")
		}
		err = takePicture(ctx, eng, path, cfg.PictureOptions())
	}
	if err != nil {
		log.Printf("capture failed: %v", err)
		exitCode = 1
	}
}

// facingOverride returns the -facing value, or the configured facing when
// the flag is empty.
func facingOverride(cfg *config.Config, name string) (camera.Facing, error) {
	if name == "" {
		return cfg.Facing(), nil
	}
	return camera.ParseFacing(name)
}

// newBackendFromConfig selects a backend implementation based on configuration.
func newBackendFromConfig(cfg *config.Config, lamp *gpio.Lamp) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "virtual":
		devices := virtual.DefaultDevices()
		offsets := cfg.SensorOffsets()
		for i := range devices {
			if deg, ok := offsets[devices[i].Facing]; ok {
				devices[i].SensorOffset = deg
			}
		}
		return virtual.New(virtual.Options{
			Hub:           virtual.NewHub(devices...),
			Format:        cfg.FrameFormat(),
			FrameRate:     cfg.Backend.FrameRate,
			Lamp:          lamp,
			FlashDuration: cfg.FlashDuration(),
			OpenDelay:     cfg.OpenDelay(),
		}), nil
	case "v4l2":
		return v4l2.New(v4l2.Options{
			Devices:       cfg.Devices(),
			SensorOffset:  cfg.SensorOffsets(),
			FrameRate:     cfg.Backend.FrameRate,
			BufferCount:   uint32(cfg.Backend.BufferCount),
			Lamp:          lamp,
			FlashDuration: cfg.FlashDuration(),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Backend.Type)
	}
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		BindTimeout:      cfg.BindTimeout(),
		OpTimeout:        cfg.OpTimeout(),
		FramePoolSize:    cfg.Engine.FramePoolSize,
		PreviewFrameRate: cfg.Backend.FrameRate,
		PictureQuality:   cfg.Picture.Quality,
		VideoFrameRate:   cfg.Video.FrameRate,
	}
}

func formDefaults(cfg *config.Config, facing camera.Facing) web.FormConfig {
	return web.FormConfig{
		Facing:        facing.String(),
		Snapshot:      cfg.Picture.Snapshot,
		Overlay:       cfg.Picture.Overlay,
		Quality:       cfg.Picture.Quality,
		VideoSnapshot: cfg.Video.Snapshot,
		VideoFPS:      cfg.Video.FrameRate,
		MaxDurationMs: cfg.Video.MaxDurationMs,
		MaxSizeBytes:  cfg.Video.MaxSizeBytes,
	}
}

// start opens facing and binds the preview surface. Each step waits at most
// twice the backend operation timeout.
func start(ctx context.Context, eng *engine.Engine, facing camera.Facing, b preview.Binding, opTimeout time.Duration) error {
	for _, task := range []*engine.Task{eng.Open(facing), eng.Bind(b)} {
		waitCtx, cancel := context.WithTimeout(ctx, 2*opTimeout)
		err := task.Wait(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", task.Name(), err)
		}
	}
	debug.Info("Camera: %s previewing", facing)
	return nil
}

// takePicture captures one still and writes it to path.
func takePicture(ctx context.Context, eng *engine.Engine, path string, opts camera.PictureOptions) error {
	type outcome struct {
		res *camera.PictureResult
		err error
	}
	done := make(chan outcome, 1)
	err := eng.TakePicture(opts, func(res *camera.PictureResult, err error) {
		done <- outcome{res, err}
	})
	if err != nil {
		return err
	}

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.err != nil {
		return o.err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, o.res.Data, 0o644); err != nil {
		return fmt.Errorf("write picture: %w", err)
	}
	debug.Info("Picture saved: %s %s rotation=%d", path, o.res.Size, o.res.Rotation)
	return nil
}

// recordVideo records into path for length, or until ctx is done.
func recordVideo(ctx context.Context, eng *engine.Engine, path string, length time.Duration, opts camera.VideoOptions) error {
	type outcome struct {
		res *camera.VideoResult
		err error
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	done := make(chan outcome, 1)
	err := eng.TakeVideo(path, length, opts, func(res *camera.VideoResult, err error) {
		done <- outcome{res, err}
	})
	if err != nil {
		return err
	}

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		eng.StopVideo()
		o = <-done
	}
	if o.err != nil {
		if errors.Is(o.err, camera.ErrRecordingFinalize) && o.res != nil {
			return fmt.Errorf("%d frames kept in %s: %w", o.res.Frames, o.res.Path, o.err)
		}
		return o.err
	}
	debug.Info("Video saved: %s %s %d frames (%s)", o.res.Path, o.res.Size, o.res.Frames, o.res.EndReason)
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
