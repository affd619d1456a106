// Package app assembles the streamer and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/dj-oyu/libcamera-streamer/internal/arbiter"
	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/config"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/internal/producer"
	"github.com/dj-oyu/libcamera-streamer/internal/server"
	"github.com/dj-oyu/libcamera-streamer/internal/snapshot"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/internal/webrtc"
)

var log = logger.For("Main")

// OpenDevice opens the camera backend named in cfg.
func OpenDevice(ctx context.Context, cfg config.Config) (device.Device, error) {
	return device.Open(ctx, device.Options{
		Kind:        cfg.Device.Kind,
		Camera:      cfg.Device.Camera,
		SensorSize:  cfg.Device.Sensor,
		VidCommand:  cfg.Device.VidCommand,
		StillCmd:    cfg.Device.StillCommand,
		ListCommand: cfg.Device.ListCommand,
	})
}

// App is the running streamer: one device, one producer feeding one
// broadcaster, and the HTTP front.
type App struct {
	cfg     config.Config
	metrics *metrics.Metrics

	dev      device.Device
	frames   *broadcast.Broadcaster
	producer *producer.Producer
	arbiter  *arbiter.Arbiter
	snapshot *snapshot.Operation
	sessions *stream.Registry
	webrtc   *webrtc.Server

	httpServer    *http.Server
	metricsServer *http.Server
	pprofServer   *http.Server
	listener      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	errc   chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the components around dev. Nothing runs until Start.
func New(cfg config.Config, dev device.Device) *App {
	m := metrics.New()
	info := dev.Info()
	streamProfile := cfg.StreamProfile()
	stillProfile := cfg.StillProfile(info.SensorSize)

	frames := broadcast.New(m)
	prod := producer.New(dev, frames, streamProfile, cfg.Producer.RestartDelay, m)
	arb := arbiter.New(prod, arbiter.Options{
		AcquireTimeout: cfg.Snapshot.AcquireTimeout,
		MaxPending:     cfg.Snapshot.MaxPending,
	}, m)

	enc := device.NewJPEGEncoder(cfg.Still.Quality)
	enc.MaxSize = cfg.Snapshot.MaxSize
	snap := snapshot.New(arb, dev, enc, stillProfile, streamProfile, cfg.Snapshot.Timeout, m)
	sessions := stream.NewRegistry(m)

	a := &App{
		cfg:      cfg,
		metrics:  m,
		dev:      dev,
		frames:   frames,
		producer: prod,
		arbiter:  arb,
		snapshot: snap,
		sessions: sessions,
		errc:     make(chan error, 3),
	}

	opts := server.Options{
		Title:    cfg.Server.Title,
		Device:   info,
		Stream:   streamProfile,
		Still:    stillProfile,
		Frames:   frames,
		Sessions: sessions,
		Arbiter:  arb,
		Snapshot: snap,
		Metrics:  m,

		StatusInterval: cfg.Server.StatusInterval,
	}
	if cfg.WebRTC.Enabled {
		a.webrtc = webrtc.NewServer(frames, sessions, cfg.WebRTC.ICEServers, cfg.WebRTC.MaxClients)
		opts.WebRTC = a.webrtc
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.New(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Metrics.Addr != "" {
		a.metricsServer = m.NewServer(cfg.Metrics.Addr)
	}
	if cfg.Server.PprofAddr != "" {
		a.pprofServer = newPprofServer(cfg.Server.PprofAddr)
	}
	return a
}

func newPprofServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// Start configures the stream profile, starts continuous production and
// only then begins accepting connections.
func (a *App) Start(ctx context.Context) error {
	info := a.dev.Info()
	log.Info("Camera: %s %s %s (%s)", info.Model, info.SensorSize, info.PixelFormat, info.Backend)
	log.Info("Stream: %s, snapshot: %s", a.producer.Profile(), a.cfg.StillProfile(info.SensorSize))

	// The producer outlives the Start call; Shutdown cancels it.
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := a.producer.Start(a.ctx); err != nil {
		a.cancel()
		return fmt.Errorf("start producer: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		a.cancel()
		_ = a.producer.Pause(context.Background())
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln

	go a.serve("HTTP", a.httpServer, ln)
	if a.metricsServer != nil {
		go a.listenAndServe("metrics", a.metricsServer)
	}
	if a.pprofServer != nil {
		go a.listenAndServe("pprof", a.pprofServer)
	}
	log.Info("Listening on http://%s/", ln.Addr())
	return nil
}

func (a *App) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("%s server error: %v", name, err)
		a.errc <- fmt.Errorf("%s server: %w", name, err)
	}
}

func (a *App) listenAndServe(name string, srv *http.Server) {
	log.Info("Starting %s server on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("%s server error: %v", name, err)
		a.errc <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Addr is the address the HTTP server is bound to. It is nil before Start.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Err reports listener failures after Start.
func (a *App) Err() <-chan error {
	return a.errc
}

// Frames is the live frame broadcaster.
func (a *App) Frames() *broadcast.Broadcaster {
	return a.frames
}

// Shutdown stops intake, waits for an in-flight snapshot, stops the
// producer, wakes and drains every viewer, and closes the device. It is
// safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	log.Info("Shutting down...")

	// Shutdown closes the listener at once but then waits for handlers,
	// and streaming handlers only return once their sessions end below.
	httpDone := make(chan error, 1)
	go func() { httpDone <- a.httpServer.Shutdown(ctx) }()

	if err := a.arbiter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop producer: %w", err))
	}
	a.frames.Close()
	a.sessions.CloseAll()
	if a.webrtc != nil {
		_ = a.webrtc.Close()
	}
	if err := a.sessions.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain sessions: %w", err))
	}
	if err := <-httpDone; err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	for _, srv := range []*http.Server{a.metricsServer, a.pprofServer} {
		if srv != nil {
			_ = srv.Close()
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		log.Warn("Shutdown finished with errors: %v", err)
		return err
	}
	log.Info("Server stopped")
	return nil
}
