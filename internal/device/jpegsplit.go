package device

import (
	"bytes"
	"context"
	"errors"
	"io"
)

var jpegSOI = []byte{0xFF, 0xD8}

const (
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerTEM  = 0x01
	markerRST0 = 0xD0
	markerRST7 = 0xD7
)

type jpegState int

const (
	jpegComplete jpegState = iota
	jpegIncomplete
	jpegInvalid
)

const maxPendingJPEG = 16 << 20

// ReadJPEGFrames splits a stream of back-to-back JPEG images (as written by
// rpicam-vid --codec mjpeg or ffmpeg image2pipe) and sends each complete
// image on out. Frames are found by walking the marker segments from SOI to
// EOI, so an EXIF thumbnail inside APP1 does not end a frame early. Bytes
// that do not parse as marker segments are skipped up to the next SOI. It
// returns nil at EOF.
func ReadJPEGFrames(ctx context.Context, r io.Reader, out chan<- []byte) error {
	buf := make([]byte, 0, 512<<10)
	chunk := make([]byte, 64<<10)

	for {
		n, readErr := r.Read(chunk)
		buf = append(buf, chunk[:n]...)

		for {
			start := bytes.Index(buf, jpegSOI)
			if start < 0 {
				// Keep a trailing 0xFF, it may start the next marker.
				if len(buf) > 0 && buf[len(buf)-1] == 0xFF {
					buf = append(buf[:0], 0xFF)
				} else {
					buf = buf[:0]
				}
				break
			}
			size, state := jpegLength(buf[start:])
			if state == jpegInvalid {
				buf = buf[:copy(buf, buf[start+len(jpegSOI):])]
				continue
			}
			if state == jpegIncomplete {
				if start > 0 {
					buf = buf[:copy(buf, buf[start:])]
				}
				break
			}
			end := start + size

			frame := make([]byte, end-start)
			copy(frame, buf[start:end])
			select {
			case out <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
			buf = buf[:copy(buf, buf[end:])]
		}

		if len(buf) > maxPendingJPEG {
			// Garbage with no EOI; drop it rather than grow forever.
			buf = buf[:0]
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// jpegLength returns the length of the image starting at b[0], which must be
// an SOI marker, by walking its segments up to EOI.
func jpegLength(b []byte) (int, jpegState) {
	i := len(jpegSOI)
	for {
		if i+1 >= len(b) {
			return 0, jpegIncomplete
		}
		if b[i] != 0xFF {
			return 0, jpegInvalid
		}
		m := b[i+1]
		switch {
		case m == 0xFF: // fill byte
			i++
			continue
		case m == markerEOI:
			return i + 2, jpegComplete
		case m == markerTEM, m >= markerRST0 && m <= markerRST7:
			i += 2
			continue
		case m == 0x00 || m == 0xD8:
			return 0, jpegInvalid
		}

		if i+3 >= len(b) {
			return 0, jpegIncomplete
		}
		segLen := int(b[i+2])<<8 | int(b[i+3])
		if segLen < 2 {
			return 0, jpegInvalid
		}
		i += 2 + segLen
		if m != markerSOS {
			continue
		}

		// Entropy-coded data runs until a marker that is neither a stuffed
		// 0xFF00 nor a restart marker.
		for {
			if i+1 >= len(b) {
				return 0, jpegIncomplete
			}
			if b[i] != 0xFF {
				i++
				continue
			}
			next := b[i+1]
			if next == 0x00 || (next >= markerRST0 && next <= markerRST7) {
				i += 2
				continue
			}
			break
		}
	}
}
