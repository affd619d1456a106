// Package server is the HTTP front of the streamer: the status page, the
// MJPEG stream, the snapshot and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/libcamera-streamer/internal/arbiter"
	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/internal/snapshot"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/internal/webrtc"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var log = logger.For("HTTP")

// maxOfferSize bounds the SDP offer body.
const maxOfferSize = 64 << 10

// Snapshotter takes one still image.
type Snapshotter interface {
	Run(ctx context.Context) ([]byte, error)
}

// Signaller answers WebRTC offers.
type Signaller interface {
	HandleOffer(ctx context.Context, remote string, offerJSON []byte) ([]byte, error)
	GetClientCount() int
}

// Options wires the server to the rest of the streamer.
type Options struct {
	Title    string
	Device   device.Info
	Stream   types.Profile
	Still    types.Profile
	Frames   *broadcast.Broadcaster
	Sessions *stream.Registry
	Arbiter  *arbiter.Arbiter
	Snapshot Snapshotter
	WebRTC   Signaller // nil disables /api/webrtc/offer
	Metrics  *metrics.Metrics

	StatusInterval time.Duration // period of /api/status/stream events
}

// Server serves the streamer endpoints.
type Server struct {
	opts Options
}

// New returns a configured server.
func New(opts Options) *Server {
	if opts.Title == "" {
		opts.Title = "libcamera-streamer"
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	return &Server{opts: opts}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware("HTTP"))

	r.Get("/", s.handleIndex)
	r.Get("/stream.mjpg", s.handleStream)
	r.Get("/snapshot.jpg", s.handleSnapshot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/status/stream", s.handleStatusStream)
	r.Post("/api/webrtc/offer", s.handleWebRTCOffer)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := renderIndex(s.indexData())
	if err != nil {
		log.Error("Render index: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(page)))
	stream.SetNoCache(h)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Open(r.Context(), "mjpeg", r.RemoteAddr)
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	stream.SetMJPEGHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	// Send the headers now; the first frame may be a while.
	_ = http.NewResponseController(w).Flush()

	err = sess.Run(s.opts.Frames, stream.NewMJPEGSink(w))
	log.Debug("Stream to %s ended: %v", r.RemoteAddr, err)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := s.opts.Snapshot.Run(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// Nobody left to answer.
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, arbiter.ErrDeviceBusy) || errors.Is(err, arbiter.ErrClosed) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, "Snapshot failed: "+snapshot.Kind(err), status)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	stream.SetNoCache(h)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Debug("Snapshot to %s not delivered: %v", r.RemoteAddr, err)
	}
}

// Health is the /healthz document.
type Health struct {
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Sequence uint64 `json:"sequence"`
	Sessions int    `json:"sessions"`
}

func (s *Server) health() Health {
	status := "ok"
	if s.opts.Arbiter.Stalled() {
		status = "degraded"
	}
	return Health{
		Status:   status,
		Mode:     s.opts.Arbiter.State().String(),
		Sequence: s.opts.Frames.Seq(),
		Sessions: s.opts.Sessions.Count(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSONWithStatus(w, h, code)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()

	if wantsProtobuf(r.Header.Get("Accept")) {
		msg, err := st.toStruct()
		if err == nil {
			var data []byte
			data, err = proto.Marshal(msg)
			if err == nil {
				w.Header().Set("Content-Type", "application/x-protobuf")
				w.Header().Set("Content-Length", strconv.Itoa(len(data)))
				_, _ = w.Write(data)
				return
			}
		}
		log.Warn("Protobuf status failed, sending JSON: %v", err)
	}
	writeJSON(w, st)
}

// handleStatusStream sends the status document as server-sent events until
// the client leaves or the server shuts down.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Open(r.Context(), "status", r.RemoteAddr)
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	stream.SetNoCache(h)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.status()); err != nil {
			sess.Close(fmt.Errorf("%w: %w", stream.ErrConsumerDisconnected, err))
			return
		}
		if err := rc.Flush(); err != nil {
			sess.Close(fmt.Errorf("%w: %w", stream.ErrConsumerDisconnected, err))
			return
		}
		select {
		case <-sess.Context().Done():
			sess.Close(context.Cause(sess.Context()))
			return
		case <-ticker.C:
		}
	}
}

func writeSSE(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func wantsProtobuf(accept string) bool {
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC is disabled"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferSize))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	answer, err := s.opts.WebRTC.HandleOffer(ctx, r.RemoteAddr, body)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrInvalidOffer):
			status = http.StatusBadRequest
		case errors.Is(err, webrtc.ErrTooManyClients), errors.Is(err, webrtc.ErrClosed), errors.Is(err, stream.ErrShutdown):
			status = http.StatusServiceUnavailable
		}
		log.Warn("WebRTC offer from %s rejected: %v", r.RemoteAddr, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	stream.SetNoCache(w.Header())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
