package device

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// Fake is a scriptable Device for tests. Frames are pushed with Emit; every
// call is recorded; the Err fields inject failures. Any configuring call made
// while another one is running, or while streaming, is counted in
// Violations.
type Fake struct {
	mu         sync.Mutex
	info       Info
	profile    types.Profile
	stream     chan []byte
	streamDone chan struct{}
	stopping   chan struct{} // closed once a delayed stop completes
	calls      []string
	busy       int
	violations int
	closed     bool

	StartErr     error
	ConfigureErr func(p types.Profile) error
	CaptureErr   error
	// CaptureHook, when set, runs inside CaptureStill; a non-nil result
	// fails the capture.
	CaptureHook func(ctx context.Context) error
	// StopDelay is how long the device takes to go idle after
	// StopContinuous. Calls that need the device wait for it.
	StopDelay time.Duration
}

// NewFake returns a fake with a 4608x2592 sensor.
func NewFake() *Fake {
	return &Fake{info: Info{
		Model:       "fake",
		SensorSize:  types.Size{Width: 4608, Height: 2592},
		PixelFormat: "RGGB",
		Backend:     "fake",
	}}
}

func (f *Fake) Info() Info { return f.info }

func (f *Fake) enter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.closed {
		return ErrClosed
	}
	f.busy++
	if f.busy > 1 {
		f.violations++
	}
	return nil
}

func (f *Fake) leave() {
	f.mu.Lock()
	f.busy--
	f.mu.Unlock()
}

func (f *Fake) StartContinuous(ctx context.Context, p types.Profile) (<-chan []byte, error) {
	if err := f.waitIdle(ctx); err != nil {
		return nil, err
	}
	if err := f.enter("start:" + p.Name); err != nil {
		return nil, err
	}
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	if f.stream != nil {
		f.violations++
		return nil, ErrStreaming
	}
	f.profile = p
	in, out, done := make(chan []byte), make(chan []byte), make(chan struct{})
	f.stream, f.streamDone = in, done

	// Emit never sends on a channel that can be closed under it.
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case data := <-in:
				select {
				case out <- data:
				case <-done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) StopContinuous(ctx context.Context) error {
	if err := f.enter("stop"); err != nil {
		f.endStream()
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	defer f.leave()

	f.mu.Lock()
	delay := f.StopDelay
	running := f.stream != nil
	f.mu.Unlock()
	f.endStream()
	if !running || delay <= 0 {
		return nil
	}

	idle := make(chan struct{})
	f.mu.Lock()
	f.stopping = idle
	f.mu.Unlock()
	go func() {
		time.Sleep(delay)
		f.mu.Lock()
		if f.stopping == idle {
			f.stopping = nil
		}
		f.mu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitIdle blocks while a delayed stop is still in progress.
func (f *Fake) waitIdle(ctx context.Context) error {
	f.mu.Lock()
	idle := f.stopping
	f.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndStream closes the current stream as if the camera had gone away.
func (f *Fake) EndStream() {
	f.endStream()
}

func (f *Fake) endStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream != nil {
		close(f.streamDone)
		f.stream, f.streamDone = nil, nil
	}
}

// Emit delivers data on the running stream. It reports false when no
// stream is running or ctx ends first.
func (f *Fake) Emit(ctx context.Context, data []byte) bool {
	f.mu.Lock()
	ch, done := f.stream, f.streamDone
	f.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- data:
		return true
	case <-done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *Fake) Configure(ctx context.Context, p types.Profile) error {
	if err := f.waitIdle(ctx); err != nil {
		return err
	}
	if err := f.enter("configure:" + p.Name); err != nil {
		return err
	}
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream != nil {
		f.violations++
		return ErrStreaming
	}
	if f.ConfigureErr != nil {
		if err := f.ConfigureErr(p); err != nil {
			return err
		}
	}
	f.profile = p
	return nil
}

func (f *Fake) CaptureStill(ctx context.Context, p types.Profile) (image.Image, error) {
	if err := f.waitIdle(ctx); err != nil {
		return nil, err
	}
	if err := f.enter("capture:" + p.Name); err != nil {
		return nil, err
	}
	defer f.leave()

	f.mu.Lock()
	streaming := f.stream != nil
	if streaming {
		f.violations++
	}
	captureErr, hook := f.CaptureErr, f.CaptureHook
	f.mu.Unlock()

	if streaming {
		return nil, ErrStreaming
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if captureErr != nil {
		return nil, captureErr
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Size.Width, p.Size.Height))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	return img, nil
}

func (f *Fake) Close() error {
	f.endStream()
	f.mu.Lock()
	f.calls = append(f.calls, "close")
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Calls returns the recorded call names in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Profile returns the last applied profile.
func (f *Fake) Profile() types.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

// Streaming reports whether a continuous stream is open.
func (f *Fake) Streaming() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream != nil
}

// Violations counts overlapping or out-of-mode device calls.
func (f *Fake) Violations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
