// Package config loads the streamer configuration. Values are layered:
// built-in defaults, then an optional YAML file, then .env and STREAMER_*
// environment variables. Command-line flags are applied last by main.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// Config defines the runtime configuration for the streamer.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Stream    ProfileConfig   `yaml:"stream"`
	Still     ProfileConfig   `yaml:"still"`
	Transform types.Transform `yaml:"transform"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Producer  ProducerConfig  `yaml:"producer"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Title           string        `yaml:"title"`
	PprofAddr       string        `yaml:"pprof_addr"` // empty disables pprof
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StatusInterval  time.Duration `yaml:"status_interval"` // /api/status/stream period
}

type DeviceConfig struct {
	Kind         string     `yaml:"kind"` // "rpicam" or "testpattern"
	Camera       int        `yaml:"camera"`
	Sensor       types.Size `yaml:"sensor"` // overrides the detected sensor size
	VidCommand   string     `yaml:"vid_command"`
	StillCommand string     `yaml:"still_command"`
	ListCommand  string     `yaml:"list_command"`
}

// ProfileConfig describes one capture mode. A zero still size means the
// full sensor resolution.
type ProfileConfig struct {
	Size      types.Size `yaml:"size"`
	FrameRate int        `yaml:"framerate"`
	Quality   int        `yaml:"quality"`
}

type SnapshotConfig struct {
	Timeout        time.Duration `yaml:"timeout"`         // bounds reconfigure+capture+encode, 0 = none
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // 0 = wait for the device indefinitely
	MaxPending     int           `yaml:"max_pending"`     // 0 = unbounded queue
	MaxSize        types.Size    `yaml:"max_size"`        // downscale larger stills, zero = keep
}

type ProducerConfig struct {
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type WebRTCConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxClients int      `yaml:"max_clients"`
	ICEServers []string `yaml:"ice_servers"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // separate listener; empty serves /metrics on the main port only
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the stock configuration: a 640x480 stream on port 8070
// and full-resolution stills at JPEG quality 80.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8070,
			Title:           "libcamera-streamer",
			ShutdownTimeout: 10 * time.Second,
			StatusInterval:  time.Second,
		},
		Device: DeviceConfig{
			Kind: "rpicam",
		},
		Stream: ProfileConfig{
			Size:      types.Size{Width: 640, Height: 480},
			FrameRate: 30,
			Quality:   80,
		},
		Still: ProfileConfig{
			Quality: 80,
		},
		Producer: ProducerConfig{
			RestartDelay: time.Second,
		},
		WebRTC: WebRTCConfig{
			Enabled:    true,
			MaxClients: 4,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty; STREAMER_CONFIG names one otherwise), the given .env files and the
// environment. Missing .env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if path == "" {
		path = os.Getenv("STREAMER_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("STREAMER_HOST", &c.Server.Host)
	integer("STREAMER_PORT", &c.Server.Port)
	str("STREAMER_PPROF_ADDR", &c.Server.PprofAddr)
	str("STREAMER_DEVICE", &c.Device.Kind)
	integer("STREAMER_CAMERA", &c.Device.Camera)
	integer("STREAMER_STREAM_WIDTH", &c.Stream.Size.Width)
	integer("STREAMER_STREAM_HEIGHT", &c.Stream.Size.Height)
	integer("STREAMER_STREAM_FRAMERATE", &c.Stream.FrameRate)
	integer("STREAMER_STILL_WIDTH", &c.Still.Size.Width)
	integer("STREAMER_STILL_HEIGHT", &c.Still.Size.Height)
	integer("STREAMER_QUALITY", &c.Still.Quality)
	integer("STREAMER_ROTATION", &c.Transform.Rotation)
	boolean("STREAMER_HFLIP", &c.Transform.HFlip)
	boolean("STREAMER_VFLIP", &c.Transform.VFlip)
	duration("STREAMER_SNAPSHOT_TIMEOUT", &c.Snapshot.Timeout)
	duration("STREAMER_SNAPSHOT_ACQUIRE_TIMEOUT", &c.Snapshot.AcquireTimeout)
	boolean("STREAMER_WEBRTC", &c.WebRTC.Enabled)
	str("STREAMER_METRICS_ADDR", &c.Metrics.Addr)
	str("STREAMER_LOG_LEVEL", &c.Log.Level)
	boolean("STREAMER_LOG_COLOR", &c.Log.Color)

	return errors.Join(errs...)
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	switch c.Device.Kind {
	case "rpicam", "testpattern":
	default:
		errs = append(errs, fmt.Errorf("unknown device kind %q", c.Device.Kind))
	}
	if !c.Stream.Size.Valid() {
		errs = append(errs, fmt.Errorf("invalid stream size %s", c.Stream.Size))
	}
	if c.Still.Size != (types.Size{}) && !c.Still.Size.Valid() {
		errs = append(errs, fmt.Errorf("invalid still size %s", c.Still.Size))
	}
	for name, q := range map[string]int{"stream": c.Stream.Quality, "still": c.Still.Quality} {
		if q < 1 || q > 100 {
			errs = append(errs, fmt.Errorf("%s quality %d out of range 1-100", name, q))
		}
	}
	if c.Stream.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("invalid framerate %d", c.Stream.FrameRate))
	}
	if c.Transform.Rotation != 0 && c.Transform.Rotation != 180 {
		errs = append(errs, fmt.Errorf("rotation must be 0 or 180, got %d", c.Transform.Rotation))
	}
	if c.Snapshot.Timeout < 0 || c.Snapshot.AcquireTimeout < 0 || c.Snapshot.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("snapshot limits must not be negative"))
	}
	if c.WebRTC.Enabled && c.WebRTC.MaxClients < 1 {
		errs = append(errs, fmt.Errorf("webrtc.max_clients must be at least 1"))
	}
	return errors.Join(errs...)
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// StreamProfile is the continuous stream device configuration.
func (c *Config) StreamProfile() types.Profile {
	return types.Profile{
		Name:      "stream",
		Size:      c.Stream.Size,
		Format:    "MJPEG",
		FrameRate: c.Stream.FrameRate,
		Quality:   c.Stream.Quality,
		Transform: c.Transform,
	}
}

// StillProfile is the snapshot configuration; sensor fills in a zero size.
func (c *Config) StillProfile(sensor types.Size) types.Profile {
	size := c.Still.Size
	if !size.Valid() {
		size = sensor
	}
	return types.Profile{
		Name:      "still",
		Size:      size,
		Format:    "RGB888",
		Quality:   c.Still.Quality,
		Transform: c.Transform,
	}
}
