package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/libcamera-streamer/internal/arbiter"
	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var _ arbiter.Quiescer = (*Producer)(nil)

var streamProfile = types.Profile{Name: "stream", Size: types.Size{Width: 640, Height: 480}, Format: "MJPEG"}

func startProducer(t *testing.T, m *metrics.Metrics) (*Producer, *device.Fake, *broadcast.Broadcaster) {
	t.Helper()
	dev := device.NewFake()
	b := broadcast.New(m)
	p := New(dev, b, streamProfile, 5*time.Millisecond, m)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.Start(ctx))
	return p, dev, b
}

func TestStartPublishesFrames(t *testing.T) {
	p, dev, b := startProducer(t, nil)
	assert.True(t, p.Running())
	assert.Equal(t, []string{"configure:stream", "start:stream"}, dev.Calls())

	ctx := context.Background()
	require.True(t, dev.Emit(ctx, []byte("jpeg-1")))
	f, err := b.WaitNext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-1", string(f.Data))
	assert.Equal(t, 640, f.Width)
	assert.False(t, f.Timestamp.IsZero())
}

func TestPauseResume(t *testing.T) {
	p, dev, b := startProducer(t, nil)
	ctx := context.Background()

	require.NoError(t, p.Pause(ctx))
	assert.False(t, p.Running())
	assert.False(t, dev.Streaming())
	assert.False(t, dev.Emit(ctx, []byte("lost")))

	// Paused twice is fine.
	require.NoError(t, p.Pause(ctx))

	require.NoError(t, p.Resume(ctx))
	assert.True(t, p.Running())
	require.True(t, dev.Emit(ctx, []byte("after")))
	f, err := b.WaitNext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "after", string(f.Data))
	assert.Zero(t, dev.Violations())
}

func TestResumeOutlivesItsContext(t *testing.T) {
	p, dev, _ := startProducer(t, nil)
	require.NoError(t, p.Pause(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, p.Resume(ctx))
	cancel()

	assert.True(t, dev.Emit(context.Background(), []byte("still streaming")))
}

func TestResumeBeforeStart(t *testing.T) {
	p := New(device.NewFake(), broadcast.New(nil), streamProfile, 0, nil)
	assert.ErrorIs(t, p.Resume(context.Background()), ErrNotStarted)
}

func TestStartFailure(t *testing.T) {
	dev := device.NewFake()
	dev.StartErr = errors.New("no camera")
	p := New(dev, broadcast.New(nil), streamProfile, 0, nil)
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.False(t, p.Running())
}

func TestStartRetriesAfterConfigureFailure(t *testing.T) {
	dev := device.NewFake()
	failing := true
	dev.ConfigureErr = func(types.Profile) error {
		if failing {
			return errors.New("camera busy")
		}
		return nil
	}
	p := New(dev, broadcast.New(nil), streamProfile, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Error(t, p.Start(ctx))
	assert.ErrorIs(t, p.Resume(ctx), ErrNotStarted)

	failing = false
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Running())
	assert.Error(t, p.Start(ctx))
}

func TestResumeAfterPauseCutShort(t *testing.T) {
	p, dev, b := startProducer(t, nil)
	dev.StopDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Pause(ctx), context.DeadlineExceeded)
	assert.False(t, p.Running())

	require.NoError(t, p.Resume(context.Background()))
	assert.True(t, p.Running())
	require.True(t, dev.Emit(context.Background(), []byte("back")))
	f, err := b.WaitNext(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "back", string(f.Data))
	assert.Zero(t, dev.Violations())
}

func TestRestartAfterUnexpectedEnd(t *testing.T) {
	m := metrics.New()
	p, dev, b := startProducer(t, m)
	ctx := context.Background()

	dev.EndStream()
	require.Eventually(t, func() bool { return m.ProducerRestarts.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, dev.Streaming())
	assert.True(t, p.Running())

	require.True(t, dev.Emit(ctx, []byte("back")))
	f, err := b.WaitNext(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "back", string(f.Data))
}

func TestStopsWithLifetimeContext(t *testing.T) {
	dev := device.NewFake()
	p := New(dev, broadcast.New(nil), streamProfile, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	cancel()
	require.NoError(t, p.Pause(context.Background()))
	assert.False(t, dev.Streaming())
}
