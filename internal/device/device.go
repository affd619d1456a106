// Package device defines the camera and encoder the streamer drives, and
// ships the concrete backends: rpicam-apps processes for a Raspberry Pi
// camera, a synthetic test pattern, and a scriptable fake.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var (
	// ErrStreaming is returned when a call needs the continuous stream
	// stopped but it is running.
	ErrStreaming = errors.New("continuous stream is running")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("device closed")
)

// Info describes the sensor behind a Device.
type Info struct {
	Model       string     `json:"model"`
	SensorSize  types.Size `json:"sensor_size"`
	PixelFormat string     `json:"pixel_format"`
	Backend     string     `json:"backend"`
}

// Device is a camera that alternates between a continuous MJPEG stream and
// one-shot still captures. Implementations are not required to be safe for
// concurrent configuring calls; the arbiter guarantees there is only one.
type Device interface {
	Info() Info
	// StartContinuous starts producing JPEG frames with profile p. The
	// returned channel is closed when the stream ends for any reason.
	StartContinuous(ctx context.Context, p types.Profile) (<-chan []byte, error)
	// StopContinuous stops the stream and returns once the device is idle.
	StopContinuous(ctx context.Context) error
	// Configure applies p. It fails with ErrStreaming while streaming.
	Configure(ctx context.Context, p types.Profile) error
	// CaptureStill takes one uncompressed image with profile p.
	CaptureStill(ctx context.Context, p types.Profile) (image.Image, error)
	Close() error
}

// Encoder turns a still capture into JPEG bytes.
type Encoder interface {
	EncodeJPEG(img image.Image) ([]byte, error)
}

// Options selects and parameterizes a backend.
type Options struct {
	Kind        string // "rpicam" or "testpattern"
	Camera      int
	SensorSize  types.Size
	VidCommand  string
	StillCmd    string
	ListCommand string
}

// Open returns the backend named by opts.Kind.
func Open(ctx context.Context, opts Options) (Device, error) {
	switch opts.Kind {
	case "rpicam":
		return OpenRPiCam(ctx, opts)
	case "testpattern", "":
		return NewTestPattern(opts.SensorSize), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", opts.Kind)
	}
}
