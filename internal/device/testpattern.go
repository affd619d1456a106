package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var barColors = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// TestPattern is a synthetic camera: colour bars with a moving cursor and
// a text overlay naming the active profile. It needs no hardware.
type TestPattern struct {
	sensor types.Size

	mu       sync.Mutex
	profile  types.Profile
	stop     context.CancelFunc
	done     chan struct{} // closed after the generator has cleared stop
	stopping bool
	frameNo  atomic.Uint64
	closed   bool
}

// NewTestPattern returns a synthetic device reporting the given sensor size.
func NewTestPattern(sensor types.Size) *TestPattern {
	if !sensor.Valid() {
		sensor = types.Size{Width: 1920, Height: 1080}
	}
	return &TestPattern{sensor: sensor}
}

func (d *TestPattern) Info() Info {
	return Info{
		Model:       "testpattern",
		SensorSize:  d.sensor,
		PixelFormat: "RGBA",
		Backend:     "testpattern",
	}
}

func (d *TestPattern) Configure(ctx context.Context, p types.Profile) error {
	if err := d.waitStopped(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.stop != nil {
		return ErrStreaming
	}
	if !p.Size.Valid() {
		return fmt.Errorf("configure %s: invalid size %s", p.Name, p.Size)
	}
	d.profile = p
	return nil
}

func (d *TestPattern) StartContinuous(ctx context.Context, p types.Profile) (<-chan []byte, error) {
	if err := d.waitStopped(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.stop != nil {
		return nil, ErrStreaming
	}
	d.profile = p

	fps := p.FrameRate
	if fps <= 0 {
		fps = 15
	}
	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte)
	done := make(chan struct{})
	d.stop = cancel
	d.done = done

	go func() {
		defer func() {
			d.mu.Lock()
			if d.done == done {
				d.stop, d.done, d.stopping = nil, nil, false
			}
			d.mu.Unlock()
			close(done)
		}()
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			data, err := d.renderJPEG(p)
			if err != nil {
				logger.Warn("TestPattern", "Render failed: %v", err)
				continue
			}
			select {
			case out <- data:
			case <-runCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StopContinuous cancels the generator and waits for it to exit. If ctx
// ends first the generator still exits and releases the device by itself.
func (d *TestPattern) StopContinuous(ctx context.Context) error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	if stop != nil {
		d.stopping = true
	}
	d.mu.Unlock()
	if stop == nil {
		return nil
	}

	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitStopped waits for a stream that is being stopped to finish.
func (d *TestPattern) waitStopped(ctx context.Context) error {
	d.mu.Lock()
	done, stopping := d.done, d.stopping
	d.mu.Unlock()
	if !stopping {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *TestPattern) CaptureStill(ctx context.Context, p types.Profile) (image.Image, error) {
	if err := d.waitStopped(ctx); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.stop != nil {
		return nil, ErrStreaming
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.render(p), nil
}

func (d *TestPattern) Close() error {
	_ = d.StopContinuous(context.Background())
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *TestPattern) renderJPEG(p types.Profile) ([]byte, error) {
	img := d.render(p)
	quality := p.Quality
	if quality <= 0 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *TestPattern) render(p types.Profile) *image.RGBA {
	w, h := p.Size.Width, p.Size.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	n := d.frameNo.Add(1)

	barWidth := w / len(barColors)
	if barWidth < 1 {
		barWidth = 1
	}
	cursor := int(n*4) % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := x / barWidth
			if i >= len(barColors) {
				i = len(barColors) - 1
			}
			c := barColors[i]
			if x >= cursor && x < cursor+4 {
				c = color.RGBA{R: 128, G: 128, B: 128, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	hflip, vflip := p.Transform.Effective()
	flip(img, hflip, vflip)

	label := fmt.Sprintf("%s %s #%d %s", p.Name, p.Size, n, time.Now().Format("15:04:05.000"))
	drawLabel(img, 10, 20, label)
	return img
}

func flip(img *image.RGBA, hflip, vflip bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if hflip {
		for y := 0; y < h; y++ {
			for x := 0; x < w/2; x++ {
				l, r := img.RGBAAt(x, y), img.RGBAAt(w-1-x, y)
				img.SetRGBA(x, y, r)
				img.SetRGBA(w-1-x, y, l)
			}
		}
	}
	if vflip {
		row := make([]uint8, img.Stride)
		for y := 0; y < h/2; y++ {
			top := img.Pix[y*img.Stride : (y+1)*img.Stride]
			bot := img.Pix[(h-1-y)*img.Stride : (h-y)*img.Stride]
			copy(row, top)
			copy(top, bot)
			copy(bot, row)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	bg := image.Rect(x-2, y-face.Ascent-2, x+width+2, y+face.Descent+2).Intersect(img.Bounds())
	for py := bg.Min.Y; py < bg.Max.Y; py++ {
		for px := bg.Min.X; px < bg.Max.X; px++ {
			img.SetRGBA(px, py, color.RGBA{A: 255})
		}
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
