package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/image/bmp"

	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

const (
	defaultVidCommand   = "rpicam-vid"
	defaultStillCommand = "rpicam-still"
	defaultListCommand  = "rpicam-hello"
	stopGrace           = 2 * time.Second
)

// RPiCam drives a libcamera sensor through the rpicam-apps command line
// tools: rpicam-vid for the continuous MJPEG stream and rpicam-still for
// one-shot captures. Only one process owns the camera at a time.
type RPiCam struct {
	opts Options
	info Info

	mu      sync.Mutex
	profile types.Profile
	proc    *vidProcess
	closed  bool
}

type vidProcess struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{} // closed after the process exited and d.proc was cleared
	stopping bool
}

// OpenRPiCam reads the camera list and returns a device for opts.Camera.
func OpenRPiCam(ctx context.Context, opts Options) (*RPiCam, error) {
	if opts.VidCommand == "" {
		opts.VidCommand = defaultVidCommand
	}
	if opts.StillCmd == "" {
		opts.StillCmd = defaultStillCommand
	}
	if opts.ListCommand == "" {
		opts.ListCommand = defaultListCommand
	}

	d := &RPiCam{opts: opts}
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(listCtx, opts.ListCommand, "--list-cameras").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s --list-cameras: %w (%s)", opts.ListCommand, err, bytes.TrimSpace(out))
	}
	cams := parseCameraList(out)
	if opts.Camera >= len(cams) {
		return nil, fmt.Errorf("camera %d not found (%d detected)", opts.Camera, len(cams))
	}
	d.info = cams[opts.Camera]
	if opts.SensorSize.Valid() {
		d.info.SensorSize = opts.SensorSize
	}
	logger.Info("RPiCam", "Using camera %d: %s %s %s", opts.Camera, d.info.Model, d.info.SensorSize, d.info.PixelFormat)
	return d, nil
}

var cameraLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[(\d+)x(\d+)\s*(?:\d+-bit\s*)?([A-Z0-9_]*)\]`)

// parseCameraList reads `rpicam-hello --list-cameras` output, e.g.
//
//	0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)
func parseCameraList(out []byte) []Info {
	var cams []Info
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := cameraLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		w, _ := strconv.Atoi(m[3])
		h, _ := strconv.Atoi(m[4])
		cams = append(cams, Info{
			Model:       m[2],
			SensorSize:  types.Size{Width: w, Height: h},
			PixelFormat: m[5],
			Backend:     "rpicam",
		})
	}
	return cams
}

func (d *RPiCam) Info() Info {
	return d.info
}

// Configure records p for the next capture or stream. rpicam-apps take
// their configuration at process start, so nothing is sent to the camera
// here, but the call is refused while rpicam-vid holds the device.
func (d *RPiCam) Configure(ctx context.Context, p types.Profile) error {
	if err := d.waitStopped(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.proc != nil {
		return ErrStreaming
	}
	if !p.Size.Valid() {
		return fmt.Errorf("configure %s: invalid size %s", p.Name, p.Size)
	}
	d.profile = p
	return nil
}

func (d *RPiCam) StartContinuous(ctx context.Context, p types.Profile) (<-chan []byte, error) {
	if err := d.waitStopped(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.proc != nil {
		return nil, ErrStreaming
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, d.opts.VidCommand, d.vidArgs(p)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	cmd.Stderr = &lineLogger{module: "rpicam-vid"}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("rpicam-vid stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", d.opts.VidCommand, err)
	}
	d.profile = p

	out := make(chan []byte, 1)
	proc := &vidProcess{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	d.proc = proc

	go func() {
		defer func() {
			d.mu.Lock()
			if d.proc == proc {
				d.proc = nil
			}
			d.mu.Unlock()
			close(proc.done)
		}()
		defer close(out)
		if err := ReadJPEGFrames(runCtx, stdout, out); err != nil && runCtx.Err() == nil {
			logger.Warn("RPiCam", "MJPEG read: %v", err)
		}
		if err := cmd.Wait(); err != nil && runCtx.Err() == nil {
			logger.Warn("RPiCam", "%s exited: %v", d.opts.VidCommand, err)
		}
	}()
	logger.Debug("RPiCam", "Started %s (pid %d) with %s", d.opts.VidCommand, cmd.Process.Pid, p)
	return out, nil
}

func (d *RPiCam) vidArgs(p types.Profile) []string {
	args := []string{
		"--camera", strconv.Itoa(d.opts.Camera),
		"--nopreview",
		"--timeout", "0",
		"--codec", "mjpeg",
		"--width", strconv.Itoa(p.Size.Width),
		"--height", strconv.Itoa(p.Size.Height),
		"--output", "-",
	}
	if p.FrameRate > 0 {
		args = append(args, "--framerate", strconv.Itoa(p.FrameRate))
	}
	if p.Quality > 0 {
		args = append(args, "--quality", strconv.Itoa(p.Quality))
	}
	return append(args, transformArgs(p.Transform)...)
}

func (d *RPiCam) stillArgs(p types.Profile) []string {
	args := []string{
		"--camera", strconv.Itoa(d.opts.Camera),
		"--nopreview",
		"--immediate",
		"--encoding", "bmp",
		"--width", strconv.Itoa(p.Size.Width),
		"--height", strconv.Itoa(p.Size.Height),
		"--output", "-",
	}
	return append(args, transformArgs(p.Transform)...)
}

func transformArgs(t types.Transform) []string {
	hflip, vflip := t.Effective()
	var args []string
	if hflip {
		args = append(args, "--hflip")
	}
	if vflip {
		args = append(args, "--vflip")
	}
	return args
}

// StopContinuous interrupts rpicam-vid and waits for it to exit. If ctx
// ends first the process is still reaped in the background and the camera
// is released once it is gone.
func (d *RPiCam) StopContinuous(ctx context.Context) error {
	d.mu.Lock()
	proc := d.proc
	if proc != nil {
		proc.stopping = true
	}
	d.mu.Unlock()
	if proc == nil {
		return nil
	}

	proc.cancel()
	select {
	case <-proc.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for %s to exit: %w", d.opts.VidCommand, ctx.Err())
	}
	logger.Debug("RPiCam", "Stopped %s", d.opts.VidCommand)
	return nil
}

// waitStopped waits for an rpicam-vid that is being stopped to exit.
func (d *RPiCam) waitStopped(ctx context.Context) error {
	d.mu.Lock()
	proc := d.proc
	stopping := proc != nil && proc.stopping
	d.mu.Unlock()
	if !stopping {
		return nil
	}
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s to exit: %w", d.opts.VidCommand, ctx.Err())
	}
}

// CaptureStill runs rpicam-still and decodes its BMP output.
func (d *RPiCam) CaptureStill(ctx context.Context, p types.Profile) (image.Image, error) {
	if err := d.waitStopped(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.proc != nil {
		d.mu.Unlock()
		return nil, ErrStreaming
	}
	d.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.opts.StillCmd, d.stillArgs(p)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", d.opts.StillCmd, err, lastLine(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty image", d.opts.StillCmd)
	}
	img, err := bmp.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode still: %w", err)
	}
	return img, nil
}

func (d *RPiCam) Close() error {
	err := d.StopContinuous(context.Background())
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return err
}

// lineLogger forwards a child process's stderr to the debug log.
type lineLogger struct {
	module string
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			logger.Debug(l.module, "%s", line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

var _ io.Writer = (*lineLogger)(nil)

func lastLine(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return b
}
