// Package arbiter serializes exclusive use of the camera against the
// continuous stream. An exclusive holder gets the device only after the
// producer has stopped, and the producer is restarted when the holder
// releases, whatever happened in between.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
)

var (
	// ErrDeviceBusy is returned when an acquire bound (timeout or queue
	// length) is exceeded.
	ErrDeviceBusy = errors.New("device busy")
	// ErrResumeFailed is returned by Release when continuous production
	// could not be restarted.
	ErrResumeFailed = errors.New("resume continuous production failed")
	// ErrClosed is returned by AcquireExclusive after Shutdown.
	ErrClosed = errors.New("arbiter closed")
)

var log = logger.For("Arbiter")

// Mode is the arbiter state.
type Mode int

const (
	Streaming Mode = iota
	Paused
	ExclusiveActive
)

func (m Mode) String() string {
	switch m {
	case Streaming:
		return "streaming"
	case Paused:
		return "paused"
	case ExclusiveActive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Quiescer is the continuous producer as seen by the arbiter. Pause must
// return only once no device call from the producer is in flight.
type Quiescer interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Options bound how long callers wait. Zero values mean unbounded waits and
// the defaults below for resume.
type Options struct {
	AcquireTimeout time.Duration // 0 waits until ctx is done
	MaxPending     int           // 0 queues any number of callers
	PauseTimeout   time.Duration
	ResumeAttempts int
	ResumeBackoff  time.Duration
	ResumeTimeout  time.Duration // per attempt
}

const (
	defaultPauseTimeout   = 10 * time.Second
	defaultResumeAttempts = 3
	defaultResumeBackoff  = 200 * time.Millisecond
	defaultResumeTimeout  = 10 * time.Second
)

// Arbiter grants at most one exclusive handle at a time.
type Arbiter struct {
	slot    chan struct{}
	q       Quiescer
	opts    Options
	metrics *metrics.Metrics

	mu       sync.Mutex
	mode     Mode
	pending  int
	closed   bool
	stalled  bool // last resume failed
	pausedAt time.Time
}

// New creates an arbiter in Streaming mode. The producer behind q is
// expected to be running already.
func New(q Quiescer, opts Options, m *metrics.Metrics) *Arbiter {
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = defaultPauseTimeout
	}
	if opts.ResumeAttempts <= 0 {
		opts.ResumeAttempts = defaultResumeAttempts
	}
	if opts.ResumeBackoff <= 0 {
		opts.ResumeBackoff = defaultResumeBackoff
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = defaultResumeTimeout
	}
	return &Arbiter{
		slot:    make(chan struct{}, 1),
		q:       q,
		opts:    opts,
		metrics: m,
	}
}

// Handle is proof of exclusive access. Release it exactly once; extra
// calls are no-ops.
type Handle struct {
	a    *Arbiter
	once sync.Once
	err  error
}

// AcquireExclusive waits for any other exclusive holder to finish, pauses
// continuous production and returns a handle. While the handle is held no
// frames are produced.
func (a *Arbiter) AcquireExclusive(ctx context.Context) (*Handle, error) {
	if err := a.enqueue(); err != nil {
		return nil, err
	}

	err := a.takeSlot(ctx)
	a.dequeue()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.slot
		return nil, ErrClosed
	}
	a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		<-a.slot
		return nil, err
	}

	log.Debug("Got device lock, pausing stream")
	a.setMode(Paused)
	start := time.Now()
	if err := a.pause(ctx); err != nil {
		log.Warn("Pause failed: %v", err)
		// The producer may be half stopped; bring it back before giving up.
		resumeErr := a.resume(ctx)
		<-a.slot
		return nil, errors.Join(fmt.Errorf("pause producer: %w", err), resumeErr)
	}

	a.mu.Lock()
	a.pausedAt = start
	a.mu.Unlock()
	a.setMode(ExclusiveActive)
	return &Handle{a: a}, nil
}

func (a *Arbiter) enqueue() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.opts.MaxPending > 0 && a.pending >= a.opts.MaxPending {
		return fmt.Errorf("%w: %d requests already waiting", ErrDeviceBusy, a.pending)
	}
	a.pending++
	a.metrics.SetArbiterState(int(a.mode), a.pending)
	return nil
}

func (a *Arbiter) dequeue() {
	a.mu.Lock()
	a.pending--
	a.metrics.SetArbiterState(int(a.mode), a.pending)
	a.mu.Unlock()
}

// pause stops the producer. Once started it runs to completion even if
// the caller leaves, so the device is never left half stopped.
func (a *Arbiter) pause(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.PauseTimeout)
	defer cancel()
	return a.q.Pause(pctx)
}

func (a *Arbiter) takeSlot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Fast path so an uncontended acquire never starts a timer.
	select {
	case a.slot <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if a.opts.AcquireTimeout > 0 {
		t := time.NewTimer(a.opts.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	log.Debug("Waiting for device lock")
	select {
	case a.slot <- struct{}{}:
		return nil
	case <-timeout:
		return fmt.Errorf("%w: waited %s", ErrDeviceBusy, a.opts.AcquireTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release restarts continuous production and frees the exclusive slot.
// The slot is freed even when the restart fails; in that case the error
// wraps ErrResumeFailed and the arbiter stays Paused until the next
// successful release.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		a := h.a
		a.setMode(Paused)
		h.err = a.resume(ctx)

		a.mu.Lock()
		if !a.pausedAt.IsZero() {
			a.metrics.ObservePause(time.Since(a.pausedAt))
			a.pausedAt = time.Time{}
		}
		a.mu.Unlock()

		<-a.slot
		log.Debug("Released device lock")
	})
	return h.err
}

// resume restarts the producer with retries. It ignores cancellation of
// ctx: a viewer hanging up mid-snapshot must not leave the stream stopped.
func (a *Arbiter) resume(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= a.opts.ResumeAttempts; attempt++ {
		rctx, cancel := context.WithTimeout(base, a.opts.ResumeTimeout)
		err = a.q.Resume(rctx)
		cancel()
		if err == nil {
			a.mu.Lock()
			a.stalled = false
			a.mu.Unlock()
			a.setMode(Streaming)
			return nil
		}
		a.metrics.ResumeFailed()
		log.Warn("Resume attempt %d/%d failed: %v", attempt, a.opts.ResumeAttempts, err)
		if attempt < a.opts.ResumeAttempts {
			time.Sleep(a.opts.ResumeBackoff * time.Duration(attempt))
		}
	}
	log.Error("Continuous production not restored: %v", err)
	a.mu.Lock()
	a.stalled = true
	a.mu.Unlock()
	a.setMode(Paused)
	return fmt.Errorf("%w: %w", ErrResumeFailed, err)
}

// Do runs fn while holding the exclusive handle. The handle is released on
// every exit path, including a panic in fn.
func (a *Arbiter) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	h, err := a.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

// Shutdown waits for the current exclusive holder, stops continuous
// production for good and refuses further acquires.
func (a *Arbiter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	select {
	case a.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for exclusive holder: %w", ctx.Err())
	}
	a.setMode(Paused)
	log.Info("Stopping continuous production")
	return a.q.Pause(ctx)
}

// State returns the current mode.
func (a *Arbiter) State() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Stalled reports whether the last attempt to restart continuous
// production failed. It clears on the next successful resume.
func (a *Arbiter) Stalled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stalled
}

// Pending returns the number of callers waiting for the exclusive slot.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

func (a *Arbiter) setMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.metrics.SetArbiterState(int(m), a.pending)
	a.mu.Unlock()
}
