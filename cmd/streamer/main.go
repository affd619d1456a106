package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dj-oyu/libcamera-streamer/internal/app"
	"github.com/dj-oyu/libcamera-streamer/internal/config"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
)

var (
	// Command-line flags; only the ones given override the config file.
	configPath  = flag.String("config", "", "YAML config file (default $STREAMER_CONFIG)")
	envFile     = flag.String("env-file", ".env", "dotenv file loaded before the environment")
	host        = flag.String("host", "", "HTTP listen host")
	port        = flag.Int("port", 8070, "HTTP listen port")
	deviceKind  = flag.String("device", "rpicam", "Camera backend (rpicam, testpattern)")
	camera      = flag.Int("camera", 0, "Camera index")
	quality     = flag.Int("quality", 80, "Snapshot JPEG quality")
	rotation    = flag.Int("rotation", 0, "Image rotation (0 or 180)")
	hflip       = flag.Bool("hflip", false, "Flip the image horizontally")
	vflip       = flag.Bool("vflip", false, "Flip the image vertically")
	metricsAddr = flag.String("metrics", "", "Separate metrics server address")
	pprofAddr   = flag.String("pprof", "", "pprof server address")
	webrtcOn    = flag.Bool("webrtc", true, "Enable the WebRTC data channel viewer")
	maxClients  = flag.Int("max-clients", 4, "Maximum WebRTC clients")
	stunServers = flag.String("stun", "", "STUN server URLs (comma-separated)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)

	logger.Info("Main", "libcamera-streamer starting...")
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := app.OpenDevice(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open camera: %v", err)
	}

	a := app.New(cfg, dev)
	if err := a.Start(ctx); err != nil {
		_ = dev.Close()
		log.Fatalf("Failed to start: %v", err)
	}

	// Wait for shutdown signal
	exit := 0
	select {
	case <-ctx.Done():
	case err := <-a.Err():
		logger.Error("Main", "%v", err)
		exit = 1
	}
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
		exit = 1
	}
	if exit != 0 {
		cancel()
		os.Exit(exit)
	}
}

func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Server.Host = *host
		case "port":
			cfg.Server.Port = *port
		case "device":
			cfg.Device.Kind = *deviceKind
		case "camera":
			cfg.Device.Camera = *camera
		case "quality":
			cfg.Still.Quality = *quality
		case "rotation":
			cfg.Transform.Rotation = *rotation
		case "hflip":
			cfg.Transform.HFlip = *hflip
		case "vflip":
			cfg.Transform.VFlip = *vflip
		case "metrics":
			cfg.Metrics.Addr = *metricsAddr
		case "pprof":
			cfg.Server.PprofAddr = *pprofAddr
		case "webrtc":
			cfg.WebRTC.Enabled = *webrtcOn
		case "max-clients":
			cfg.WebRTC.MaxClients = *maxClients
		case "stun":
			cfg.WebRTC.ICEServers = splitList(*stunServers)
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-color":
			cfg.Log.Color = *logColor
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
