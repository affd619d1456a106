// Package broadcast fans the latest camera frame out to any number of
// viewers. The producer overwrites a single slot; viewers wait for a
// sequence number newer than the one they last saw, so a slow viewer skips
// frames instead of queueing them and never slows the producer down.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// ErrClosed is returned by WaitNext once the broadcaster has been closed.
var ErrClosed = errors.New("broadcaster closed")

var log = logger.For("Broadcaster")

// Broadcaster holds the latest frame. Publish is called by a single
// producer; WaitNext by any number of consumers.
type Broadcaster struct {
	mu      sync.Mutex
	current types.Frame
	seq     uint64
	notify  chan struct{} // closed and replaced on every publish
	closed  bool
	metrics *metrics.Metrics
}

// New creates an empty broadcaster. m may be nil.
func New(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		notify:  make(chan struct{}),
		metrics: m,
	}
}

// Publish replaces the current frame and wakes every waiting consumer.
// It never blocks on consumers and returns the sequence assigned to the
// frame. Frames without data are dropped and the current sequence is
// returned unchanged.
func (b *Broadcaster) Publish(frame types.Frame) uint64 {
	if frame.Empty() {
		b.metrics.FrameEmpty()
		return b.Seq()
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		seq := b.seq
		b.mu.Unlock()
		return seq
	}
	b.seq++
	frame.Seq = b.seq
	b.current = frame
	wake := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	b.metrics.FramePublished(frame.Seq)
	return frame.Seq
}

// WaitNext blocks until a frame newer than lastSeen is available and
// returns it. The returned frame's Seq is always greater than lastSeen;
// intermediate frames may have been skipped. It returns ctx.Err() if ctx is
// done first and ErrClosed once Close has been called.
func (b *Broadcaster) WaitNext(ctx context.Context, lastSeen uint64) (types.Frame, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return types.Frame{}, ErrClosed
		}
		if b.seq > lastSeen {
			frame := b.current
			b.mu.Unlock()
			return frame, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-wait:
		}
	}
}

// Latest returns the current frame, if any has been published.
func (b *Broadcaster) Latest() (types.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.seq > 0
}

// Seq returns the sequence number of the current frame (0 before the
// first publish).
func (b *Broadcaster) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close wakes every waiting consumer with ErrClosed. Later publishes are
// ignored. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	wake := b.notify
	seq := b.seq
	b.mu.Unlock()

	close(wake)
	log.Debug("Closed at sequence %d", seq)
}
