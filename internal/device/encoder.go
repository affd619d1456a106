package device

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// JPEGEncoder encodes stills with image/jpeg. When MaxSize is set, larger
// images are scaled down to fit before encoding.
type JPEGEncoder struct {
	Quality int
	MaxSize types.Size
}

// NewJPEGEncoder returns an encoder at the given quality (1-100).
func NewJPEGEncoder(quality int) *JPEGEncoder {
	return &JPEGEncoder{Quality: quality}
}

// EncodeJPEG implements Encoder.
func (e *JPEGEncoder) EncodeJPEG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode jpeg: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("encode jpeg: empty image %v", b)
	}

	if e.MaxSize.Valid() && (b.Dx() > e.MaxSize.Width || b.Dy() > e.MaxSize.Height) {
		img = scaleToFit(img, e.MaxSize)
	}

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy() / 4)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func scaleToFit(img image.Image, max types.Size) image.Image {
	b := img.Bounds()
	w, h := max.Width, b.Dy()*max.Width/b.Dx()
	if h > max.Height {
		w, h = b.Dx()*max.Height/b.Dy(), max.Height
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
