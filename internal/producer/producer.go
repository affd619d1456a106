// Package producer runs the device's continuous stream and publishes every
// frame to the broadcaster. It is the only caller of Publish.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var log = logger.For("Producer")

// ErrNotStarted is returned by Resume before Start.
var ErrNotStarted = errors.New("producer not started")

var errAlreadyStarted = errors.New("producer already started")

const defaultRestartDelay = time.Second

// Producer owns the continuous stream. Pause and Resume make it an
// arbiter.Quiescer.
type Producer struct {
	dev          device.Device
	out          *broadcast.Broadcaster
	profile      types.Profile
	restartDelay time.Duration
	metrics      *metrics.Metrics

	mu      sync.Mutex
	base    context.Context
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped producer. m may be nil.
func New(dev device.Device, out *broadcast.Broadcaster, profile types.Profile, restartDelay time.Duration, m *metrics.Metrics) *Producer {
	if restartDelay <= 0 {
		restartDelay = defaultRestartDelay
	}
	return &Producer{
		dev:          dev,
		out:          out,
		profile:      profile,
		restartDelay: restartDelay,
		metrics:      m,
	}
}

// Profile returns the continuous stream profile.
func (p *Producer) Profile() types.Profile {
	return p.profile
}

// Start configures the device for streaming and starts producing. The
// stream lives until ctx is done or Pause is called.
func (p *Producer) Start(ctx context.Context) error {
	if p.started() {
		return errAlreadyStarted
	}
	if err := p.dev.Configure(ctx, p.profile); err != nil {
		return fmt.Errorf("configure %s: %w", p.profile.Name, err)
	}

	p.mu.Lock()
	if p.base != nil {
		p.mu.Unlock()
		return errAlreadyStarted
	}
	p.base = ctx
	p.mu.Unlock()
	return p.Resume(ctx)
}

func (p *Producer) started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base != nil
}

// Resume starts the continuous stream if it is not running. ctx bounds only
// the start call; the stream itself lives on the context given to Start.
func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base == nil {
		return ErrNotStarted
	}
	if p.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(p.base)
	frames, err := p.dev.StartContinuous(runCtx, p.profile)
	if err != nil {
		cancel()
		return fmt.Errorf("start continuous %s: %w", p.profile.Name, err)
	}

	done := make(chan struct{})
	p.running, p.cancel, p.done = true, cancel, done
	go p.run(runCtx, frames, done)
	log.Info("Streaming %s", p.profile)
	return nil
}

// Pause stops the continuous stream and returns once neither the run loop
// nor the device stream is active. Pausing a paused producer is a no-op.
//
// If ctx ends before the device reports idle, the error is returned but the
// producer still counts as paused: the run loop has exited and the device
// finishes stopping on its own, so a later Resume waits for it.
func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.running, p.cancel, p.done = false, nil, nil
	p.mu.Unlock()

	cancel()
	<-done
	if err := p.dev.StopContinuous(ctx); err != nil {
		return fmt.Errorf("stop continuous: %w", err)
	}
	log.Debug("Paused at sequence %d", p.out.Seq())
	return nil
}

// Running reports whether the continuous stream is active.
func (p *Producer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Producer) run(ctx context.Context, frames <-chan []byte, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Continuous stream ended unexpectedly, restarting in %s", p.restartDelay)
				if frames = p.restart(ctx); frames == nil {
					return
				}
				continue
			}
			p.out.Publish(types.Frame{
				Data:      data,
				Timestamp: time.Now(),
				Width:     p.profile.Size.Width,
				Height:    p.profile.Size.Height,
			})
		}
	}
}

// restart reopens the stream until it succeeds or ctx ends. It runs on the
// run goroutine, so Pause waiting for done also waits for it.
func (p *Producer) restart(ctx context.Context) <-chan []byte {
	for {
		if err := p.dev.StopContinuous(ctx); err != nil {
			log.Debug("Stop before restart: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.restartDelay):
		}

		frames, err := p.dev.StartContinuous(ctx, p.profile)
		if err == nil {
			p.metrics.ProducerRestarted()
			log.Info("Continuous stream restarted")
			return frames
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Error("Restart failed: %v", err)
	}
}
