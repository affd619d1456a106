package types

import (
	"fmt"
	"time"
)

// Frame is one encoded JPEG image from the continuous stream.
// Data is shared read-only by every viewer once published.
type Frame struct {
	Data      []byte    // JPEG bytes
	Seq       uint64    // Assigned by the broadcaster, starts at 1
	Timestamp time.Time // Capture (or publish) time
	Width     int
	Height    int
}

// Empty reports whether the frame carries no image.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Size is a pixel resolution.
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Transform is the orientation applied by the device.
type Transform struct {
	Rotation int  `yaml:"rotation" json:"rotation"` // 0 or 180
	HFlip    bool `yaml:"hflip" json:"hflip"`
	VFlip    bool `yaml:"vflip" json:"vflip"`
}

// Effective folds a 180 degree rotation into the flips.
func (t Transform) Effective() (hflip, vflip bool) {
	hflip, vflip = t.HFlip, t.VFlip
	if t.Rotation == 180 {
		hflip, vflip = !hflip, !vflip
	}
	return hflip, vflip
}

// Profile is a device configuration: the continuous stream uses one,
// the still capture uses another.
type Profile struct {
	Name      string
	Size      Size
	Format    string // e.g. "MJPEG", "RGB888"
	FrameRate int    // frames per second, continuous profiles only
	Quality   int    // JPEG quality for device-side encoding
	Transform Transform
}

func (p Profile) String() string {
	return fmt.Sprintf("%s %s %s", p.Name, p.Size, p.Format)
}
