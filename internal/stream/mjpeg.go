package stream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// Boundary separates the parts of a multipart/x-mixed-replace response.
const Boundary = "FRAME"

// ContentType is the Content-Type of an MJPEG response.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// SetNoCache sets the headers that keep browsers and proxies from caching
// live images.
func SetNoCache(h http.Header) {
	h.Set("Age", "0")
	h.Set("Cache-Control", "no-cache, private")
	h.Set("Pragma", "no-cache")
}

// SetMJPEGHeaders prepares a response for a multipart JPEG stream.
func SetMJPEGHeaders(h http.Header) {
	SetNoCache(h)
	h.Set("Content-Type", ContentType)
}

// WritePart writes one multipart body part holding a JPEG image:
//
//	--FRAME\r\nContent-Type: image/jpeg\r\nContent-Length: n\r\n\r\n<n bytes>\r\n
func WritePart(w io.Writer, jpeg []byte) error {
	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("part header: %w", err)
	}
	if _, err := w.Write(jpeg); err != nil {
		return fmt.Errorf("part body: %w", err)
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("part trailer: %w", err)
	}
	return nil
}

// MJPEGSink writes frames as multipart parts and flushes after each one.
type MJPEGSink struct {
	w     io.Writer
	flush func() error
}

// NewMJPEGSink wraps an HTTP response. Headers must already be set.
func NewMJPEGSink(w http.ResponseWriter) *MJPEGSink {
	rc := http.NewResponseController(w)
	return &MJPEGSink{w: w, flush: rc.Flush}
}

// WriteFrame implements Sink.
func (s *MJPEGSink) WriteFrame(f types.Frame) error {
	if err := WritePart(s.w, f.Data); err != nil {
		return err
	}
	if s.flush != nil {
		if err := s.flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}
