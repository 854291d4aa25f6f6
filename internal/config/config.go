package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/camkit/internal/camera"
	"github.com/cjeanneret/camkit/internal/preview"
)

// MaxConfigFileBytes bounds the size of a config file Load accepts.
const MaxConfigFileBytes = 1 << 20

// BackendConfig selects and describes the camera hardware.
// Type is "virtual" (synthetic devices) or "v4l2".
type BackendConfig struct {
	Type         string            `yaml:"type"`
	Devices      map[string]string `yaml:"devices"`       // facing -> device node (v4l2), e.g. back: /dev/video0
	SensorOffset map[string]int    `yaml:"sensor_offset"` // facing -> mounting angle; v4l2 cannot query it
	FrameFormat  string            `yaml:"frame_format"`  // native preview format: rgba, yuyv or mjpeg
	FrameRate    float64           `yaml:"frame_rate"`
	BufferCount  int               `yaml:"buffer_count"`  // v4l2 mmap buffers
	OpenDelayMs  int               `yaml:"open_delay_ms"` // virtual only: simulated device latency
}

// EngineConfig holds camera engine tuning.
type EngineConfig struct {
	Facing        string `yaml:"facing"` // facing opened at startup: back or front
	BindTimeoutMs int    `yaml:"bind_timeout_ms"`
	OpTimeoutMs   int    `yaml:"op_timeout_ms"`
	FramePoolSize int    `yaml:"frame_pool_size"`
}

// PreviewConfig describes the surface the preview is bound to.
type PreviewConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Filter string `yaml:"filter"` // none, grayscale, sepia, invert
}

// PictureConfig holds still capture defaults.
type PictureConfig struct {
	Quality   int    `yaml:"quality"` // JPEG quality 1-100
	Snapshot  bool   `yaml:"snapshot"`
	Overlay   bool   `yaml:"overlay"`
	OutputDir string `yaml:"output_dir"`
}

// VideoConfig holds recording defaults.
type VideoConfig struct {
	FrameRate     int   `yaml:"frame_rate"`
	MaxDurationMs int   `yaml:"max_duration_ms"` // 0 = until stopped
	MaxSizeBytes  int64 `yaml:"max_size_bytes"`  // 0 = unbounded
	Snapshot      bool  `yaml:"snapshot"`
	Overlay       bool  `yaml:"overlay"`
}

// FlashConfig wires the flash lamp. LampPin 0 means no flash.
type FlashConfig struct {
	LampPin    int `yaml:"lamp_pin"`    // BCM pin driving the LED (active high)
	DurationMs int `yaml:"duration_ms"` // flash pulse length
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Engine   EngineConfig   `yaml:"engine"`
	Preview  PreviewConfig  `yaml:"preview"`
	Picture  PictureConfig  `yaml:"picture"`
	Video    VideoConfig    `yaml:"video"`
	Flash    FlashConfig    `yaml:"flash"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files whose parent directory is named
// configs, after cleaning. It does not require the file to exist.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain ..", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks ranges and fills defaults for zero values.
func (c *Config) validate() error {
	switch c.Backend.Type {
	case "virtual", "v4l2":
	case "":
		return fmt.Errorf("backend.type is required")
	default:
		return fmt.Errorf("unsupported backend type: %s", c.Backend.Type)
	}
	if c.Backend.Type == "v4l2" && len(c.Backend.Devices) == 0 {
		return fmt.Errorf("backend.devices is required for v4l2")
	}
	for facing, path := range c.Backend.Devices {
		if _, err := camera.ParseFacing(facing); err != nil {
			return fmt.Errorf("backend.devices: %w", err)
		}
		if path == "" {
			return fmt.Errorf("backend.devices.%s is empty", facing)
		}
	}
	for facing, deg := range c.Backend.SensorOffset {
		if _, err := camera.ParseFacing(facing); err != nil {
			return fmt.Errorf("backend.sensor_offset: %w", err)
		}
		if deg < 0 || deg >= 360 || deg%90 != 0 {
			return fmt.Errorf("backend.sensor_offset.%s must be 0, 90, 180 or 270, got %d", facing, deg)
		}
	}
	if c.Backend.FrameFormat == "" {
		c.Backend.FrameFormat = "yuyv"
	}
	if _, err := camera.ParseFrameFormat(c.Backend.FrameFormat); err != nil {
		return fmt.Errorf("backend.frame_format: %w", err)
	}
	if c.Backend.FrameRate < 0 || c.Backend.FrameRate > 120 {
		return fmt.Errorf("backend.frame_rate must be between 0 and 120, got %g", c.Backend.FrameRate)
	}
	if c.Backend.FrameRate == 0 {
		c.Backend.FrameRate = 30
	}
	if c.Backend.BufferCount <= 0 {
		c.Backend.BufferCount = 4
	}

	if c.Engine.Facing == "" {
		c.Engine.Facing = "back"
	}
	if _, err := camera.ParseFacing(c.Engine.Facing); err != nil {
		return fmt.Errorf("engine.facing: %w", err)
	}
	if c.Engine.BindTimeoutMs <= 0 {
		c.Engine.BindTimeoutMs = 3000
	}
	if c.Engine.OpTimeoutMs <= 0 {
		c.Engine.OpTimeoutMs = 5000
	}
	if c.Engine.FramePoolSize < 0 || c.Engine.FramePoolSize > 32 {
		return fmt.Errorf("engine.frame_pool_size must be between 0 and 32, got %d", c.Engine.FramePoolSize)
	}

	if c.Preview.Width < 0 || c.Preview.Height < 0 {
		return fmt.Errorf("preview size must not be negative, got %dx%d", c.Preview.Width, c.Preview.Height)
	}
	if c.Preview.Width == 0 || c.Preview.Height == 0 {
		c.Preview.Width, c.Preview.Height = 640, 480
	}
	if _, err := preview.ParseFilter(c.Preview.Filter); err != nil {
		return fmt.Errorf("preview.filter: %w", err)
	}

	if c.Picture.Quality < 0 || c.Picture.Quality > 100 {
		return fmt.Errorf("picture.quality must be between 1 and 100, got %d", c.Picture.Quality)
	}
	if c.Picture.Quality == 0 {
		c.Picture.Quality = 90
	}
	if c.Picture.OutputDir == "" {
		c.Picture.OutputDir = "captures"
	}

	if c.Video.FrameRate < 0 || c.Video.FrameRate > 60 {
		return fmt.Errorf("video.frame_rate must be between 1 and 60, got %d", c.Video.FrameRate)
	}
	if c.Video.FrameRate == 0 {
		c.Video.FrameRate = 15
	}
	if c.Video.MaxDurationMs < 0 || c.Video.MaxSizeBytes < 0 {
		return fmt.Errorf("video limits must not be negative")
	}

	if c.Flash.LampPin < 0 {
		return fmt.Errorf("flash.lamp_pin must not be negative, got %d", c.Flash.LampPin)
	}
	if c.Flash.DurationMs <= 0 {
		c.Flash.DurationMs = 80
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// Facing returns the facing opened at startup.
func (c *Config) Facing() camera.Facing {
	f, _ := camera.ParseFacing(c.Engine.Facing)
	return f
}

// FrameFormat returns the native preview frame format.
func (c *Config) FrameFormat() camera.FrameFormat {
	f, _ := camera.ParseFrameFormat(c.Backend.FrameFormat)
	return f
}

// Filter returns the preview filter.
func (c *Config) Filter() preview.Filter {
	f, _ := preview.ParseFilter(c.Preview.Filter)
	return f
}

// PreviewSize returns the surface size.
func (c *Config) PreviewSize() camera.Size {
	return camera.Size{Width: c.Preview.Width, Height: c.Preview.Height}
}

// Devices returns the v4l2 device node per facing.
func (c *Config) Devices() map[camera.Facing]string {
	out := make(map[camera.Facing]string, len(c.Backend.Devices))
	for name, path := range c.Backend.Devices {
		f, _ := camera.ParseFacing(name)
		out[f] = path
	}
	return out
}

// SensorOffsets returns the mounting angle per facing.
func (c *Config) SensorOffsets() map[camera.Facing]int {
	out := make(map[camera.Facing]int, len(c.Backend.SensorOffset))
	for name, deg := range c.Backend.SensorOffset {
		f, _ := camera.ParseFacing(name)
		out[f] = deg
	}
	return out
}

// BindTimeout returns how long a bind waits for its surface.
func (c *Config) BindTimeout() time.Duration {
	return time.Duration(c.Engine.BindTimeoutMs) * time.Millisecond
}

// OpTimeout returns the bound on a single backend operation.
func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.Engine.OpTimeoutMs) * time.Millisecond
}

// OpenDelay returns the simulated device latency of the virtual backend.
func (c *Config) OpenDelay() time.Duration {
	return time.Duration(c.Backend.OpenDelayMs) * time.Millisecond
}

// MaxVideoDuration returns the recording limit, zero for none.
func (c *Config) MaxVideoDuration() time.Duration {
	return time.Duration(c.Video.MaxDurationMs) * time.Millisecond
}

// FlashDuration returns the flash pulse length.
func (c *Config) FlashDuration() time.Duration {
	return time.Duration(c.Flash.DurationMs) * time.Millisecond
}

// PictureOptions returns the still capture defaults.
func (c *Config) PictureOptions() camera.PictureOptions {
	return camera.PictureOptions{
		Snapshot: c.Picture.Snapshot,
		Quality:  c.Picture.Quality,
		Overlay:  c.Picture.Overlay,
	}
}

// VideoOptions returns the recording defaults.
func (c *Config) VideoOptions() camera.VideoOptions {
	return camera.VideoOptions{
		Snapshot:     c.Video.Snapshot,
		FrameRate:    c.Video.FrameRate,
		MaxSizeBytes: c.Video.MaxSizeBytes,
		Overlay:      c.Video.Overlay,
	}
}
