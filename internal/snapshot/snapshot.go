// Package snapshot takes one high resolution JPEG from the camera that is
// otherwise busy streaming.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/libcamera-streamer/internal/arbiter"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var (
	ErrReconfigure = errors.New("device reconfigure failed")
	ErrCapture     = errors.New("capture failed")
	ErrEncode      = errors.New("encode failed")
)

var log = logger.For("Snapshot")

const restoreTimeout = 10 * time.Second

// Operation captures a still while holding the arbiter's exclusive handle.
type Operation struct {
	arb     *arbiter.Arbiter
	dev     device.Device
	enc     device.Encoder
	still   types.Profile
	stream  types.Profile
	timeout time.Duration
	metrics *metrics.Metrics
}

// New builds an operation. timeout bounds reconfigure, capture and encode
// together; zero means no bound. m may be nil.
func New(arb *arbiter.Arbiter, dev device.Device, enc device.Encoder, still, stream types.Profile, timeout time.Duration, m *metrics.Metrics) *Operation {
	return &Operation{
		arb:     arb,
		dev:     dev,
		enc:     enc,
		still:   still,
		stream:  stream,
		timeout: timeout,
		metrics: m,
	}
}

// Run pauses the stream, captures and encodes one still with the still
// profile, restores the stream profile and resumes streaming. The device is
// put back into the stream profile on every path.
func (o *Operation) Run(ctx context.Context) ([]byte, error) {
	start := time.Now()
	log.Debug("Will get image (%s)", o.still)

	var jpeg []byte
	err := o.arb.Do(ctx, func(ctx context.Context) error {
		log.Debug("Got device, capturing")
		var err error
		jpeg, err = o.capture(ctx)
		return err
	})

	if err != nil && jpeg != nil && errors.Is(err, arbiter.ErrResumeFailed) {
		// The still is good; the stream problem is reported by the arbiter.
		log.Error("Snapshot taken but streaming not restored: %v", err)
		err = nil
	}

	o.metrics.ObserveSnapshot(Kind(err), time.Since(start))
	if err != nil {
		log.Warn("Snapshot failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}
	log.Debug("Encoded %d bytes in %s", len(jpeg), time.Since(start).Round(time.Millisecond))
	return jpeg, nil
}

func (o *Operation) capture(ctx context.Context) (data []byte, err error) {
	defer func() {
		if rerr := o.restore(ctx); rerr != nil {
			data = nil
			err = errors.Join(err, rerr)
		}
	}()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if err := o.dev.Configure(ctx, o.still); err != nil {
		return nil, fmt.Errorf("%w: apply %s: %w", ErrReconfigure, o.still.Name, err)
	}
	img, err := o.dev.CaptureStill(ctx, o.still)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	log.Debug("Got image %v", img.Bounds().Size())

	data, err = o.enc.EncodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// restore puts the stream profile back. It runs even when ctx is already
// done, under its own deadline.
func (o *Operation) restore(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := o.dev.Configure(rctx, o.stream); err != nil {
		return fmt.Errorf("%w: restore %s: %w", ErrReconfigure, o.stream.Name, err)
	}
	log.Debug("Restored %s profile", o.stream.Name)
	return nil
}

// Kind names the failure class of a Run error for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, arbiter.ErrDeviceBusy):
		return "busy"
	case errors.Is(err, ErrReconfigure):
		return "reconfigure"
	case errors.Is(err, ErrCapture):
		return "capture"
	case errors.Is(err, ErrEncode):
		return "encode"
	case errors.Is(err, arbiter.ErrResumeFailed):
		return "resume"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
