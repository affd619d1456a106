package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all streamer metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	// Frame distribution counters
	FramesPublished atomic.Uint64
	FramesEmpty     atomic.Uint64
	FramesDelivered atomic.Uint64
	FramesSkipped   atomic.Uint64
	LastSequence    atomic.Uint64

	// Viewer tracking
	ActiveMJPEG   atomic.Int64
	ActiveWebRTC  atomic.Int64
	ActiveStatus  atomic.Int64
	TotalSessions atomic.Uint64

	// Device arbitration
	ArbiterMode      atomic.Int64 // 0 = streaming, 1 = paused, 2 = exclusive
	PendingExclusive atomic.Int64
	ResumeFailures   atomic.Uint64
	ProducerRestarts atomic.Uint64

	snapshots        *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	pauseWindow      prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamer_snapshots_total",
			Help: "Snapshot requests by outcome",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamer_snapshot_duration_seconds",
			Help:    "Time from snapshot request to encoded image",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		pauseWindow: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamer_stream_pause_seconds",
			Help:    "Time continuous production spent paused for an exclusive capture",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
	}

	m.registry.MustRegister(m.snapshots, m.snapshotDuration, m.pauseWindow)
	m.registerFuncs()

	return m
}

func (m *Metrics) registerFuncs() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}
	gauge := func(name, help string, v *atomic.Int64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	counter("streamer_frames_published_total", "Frames published by the producer", &m.FramesPublished)
	counter("streamer_frames_empty_total", "Empty frames discarded before publish", &m.FramesEmpty)
	counter("streamer_frames_delivered_total", "Frames written to viewers", &m.FramesDelivered)
	counter("streamer_frames_skipped_total", "Frames a viewer never saw because it was behind", &m.FramesSkipped)
	counter("streamer_sessions_total", "Viewer sessions accepted", &m.TotalSessions)
	counter("streamer_resume_failures_total", "Failed attempts to restart continuous production", &m.ResumeFailures)
	counter("streamer_producer_restarts_total", "Continuous streams restarted after ending unexpectedly", &m.ProducerRestarts)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "streamer_last_sequence", Help: "Sequence number of the latest frame"},
		func() float64 { return float64(m.LastSequence.Load()) },
	))
	gauge("streamer_active_mjpeg_sessions", "Connected MJPEG viewers", &m.ActiveMJPEG)
	gauge("streamer_active_webrtc_sessions", "Connected WebRTC viewers", &m.ActiveWebRTC)
	gauge("streamer_active_status_streams", "Connected status event streams", &m.ActiveStatus)
	gauge("streamer_arbiter_mode", "Device arbiter mode (0=streaming, 1=paused, 2=exclusive)", &m.ArbiterMode)
	gauge("streamer_exclusive_pending", "Callers waiting for exclusive device access", &m.PendingExclusive)
}

// FramePublished records a published frame and its sequence.
func (m *Metrics) FramePublished(seq uint64) {
	if m == nil {
		return
	}
	m.FramesPublished.Add(1)
	m.LastSequence.Store(seq)
}

// FrameEmpty records a frame dropped for carrying no payload.
func (m *Metrics) FrameEmpty() {
	if m == nil {
		return
	}
	m.FramesEmpty.Add(1)
}

// FrameDelivered records one frame written to a viewer that had last seen
// prevSeq. Any gap counts as skipped frames.
func (m *Metrics) FrameDelivered(prevSeq, seq uint64) {
	if m == nil {
		return
	}
	m.FramesDelivered.Add(1)
	if prevSeq > 0 && seq > prevSeq+1 {
		m.FramesSkipped.Add(seq - prevSeq - 1)
	}
}

// FrameSkipped records a frame a viewer's sink dropped instead of sending.
func (m *Metrics) FrameSkipped() {
	if m == nil {
		return
	}
	m.FramesSkipped.Add(1)
}

// SessionOpened tracks a new client of the given kind ("mjpeg", "webrtc"
// or "status").
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.TotalSessions.Add(1)
	m.activeFor(kind).Add(1)
}

// SessionClosed undoes SessionOpened.
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.activeFor(kind).Add(-1)
}

func (m *Metrics) activeFor(kind string) *atomic.Int64 {
	switch kind {
	case "webrtc":
		return &m.ActiveWebRTC
	case "status":
		return &m.ActiveStatus
	default:
		return &m.ActiveMJPEG
	}
}

// SetArbiterState publishes the arbiter mode and queue length.
func (m *Metrics) SetArbiterState(mode int, pending int) {
	if m == nil {
		return
	}
	m.ArbiterMode.Store(int64(mode))
	m.PendingExclusive.Store(int64(pending))
}

// ResumeFailed counts one failed resume attempt.
func (m *Metrics) ResumeFailed() {
	if m == nil {
		return
	}
	m.ResumeFailures.Add(1)
}

// ProducerRestarted counts one supervised restart.
func (m *Metrics) ProducerRestarted() {
	if m == nil {
		return
	}
	m.ProducerRestarts.Add(1)
}

// ObserveSnapshot records a finished snapshot. result is "ok" or an error
// kind such as "busy", "reconfigure", "capture", "encode".
func (m *Metrics) ObserveSnapshot(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(result).Inc()
	if result == "ok" {
		m.snapshotDuration.Observe(d.Seconds())
	}
}

// ObservePause records how long continuous production was stopped.
func (m *Metrics) ObservePause(d time.Duration) {
	if m == nil {
		return
	}
	m.pauseWindow.Observe(d.Seconds())
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an http.Server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
