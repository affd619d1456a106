package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/libcamera-streamer/internal/arbiter"
	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/internal/producer"
	"github.com/dj-oyu/libcamera-streamer/internal/snapshot"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/internal/webrtc"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

var (
	streamProfile = types.Profile{Name: "stream", Size: types.Size{Width: 640, Height: 480}, Format: "MJPEG", Quality: 80}
	stillProfile  = types.Profile{Name: "still", Size: types.Size{Width: 1280, Height: 960}, Format: "RGB888", Quality: 80}
)

type testServer struct {
	dev  *device.Fake
	b    *broadcast.Broadcaster
	reg  *stream.Registry
	arb  *arbiter.Arbiter
	m    *metrics.Metrics
	opts Options
}

func newTestServer(t *testing.T, arbOpts arbiter.Options) *testServer {
	t.Helper()
	ts := &testServer{dev: device.NewFake(), m: metrics.New()}
	ts.b = broadcast.New(ts.m)
	ts.reg = stream.NewRegistry(ts.m)
	prod := producer.New(ts.dev, ts.b, streamProfile, time.Millisecond, ts.m)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, prod.Start(ctx))

	arbOpts.ResumeAttempts = 1
	ts.arb = arbiter.New(prod, arbOpts, ts.m)
	ts.opts = Options{
		Title:    "test camera",
		Device:   ts.dev.Info(),
		Stream:   streamProfile,
		Still:    stillProfile,
		Frames:   ts.b,
		Sessions: ts.reg,
		Arbiter:  ts.arb,
		Snapshot: snapshot.New(ts.arb, ts.dev, device.NewJPEGEncoder(80), stillProfile, streamProfile, 0, ts.m),
		Metrics:  ts.m,
	}
	return ts
}

func (ts *testServer) handler() http.Handler {
	return New(ts.opts).Handler()
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler().ServeHTTP(rec, req)
	return rec
}

func assertNoCache(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "no-cache, private", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
	assert.Equal(t, "0", h.Get("Age"))
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assertNoCache(t, rec.Header())

	body := rec.Body.String()
	assert.Contains(t, body, `<img src="stream.mjpg" width="640" height="480"`)
	assert.Contains(t, body, `href="snapshot.jpg"`)
	assert.Contains(t, body, "4608x2592")
	assert.NotContains(t, body, "webrtc/offer")
}

func TestUnknownPathIs404(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	for _, path := range []string{"/nope", "/stream.mjpeg", "/snapshot.png"} {
		rec := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// readPart reads one multipart part and checks its framing.
func readPart(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "--FRAME\r\n", line)

	hdr, err := textproto.NewReader(r).ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", hdr.Get("Content-Type"))
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	require.NoError(t, err)

	body := make([]byte, n+2)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	require.Equal(t, "\r\n", string(body[n:]))
	return body[:n]
}

func TestStreamDeliversFrames(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream.mjpg")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=FRAME", resp.Header.Get("Content-Type"))
	assertNoCache(t, resp.Header)
	require.Eventually(t, func() bool { return ts.reg.Count() == 1 }, time.Second, time.Millisecond)

	r := bufio.NewReader(resp.Body)
	require.True(t, ts.dev.Emit(context.Background(), []byte("frame-one")))
	assert.Equal(t, "frame-one", string(readPart(t, r)))
	require.True(t, ts.dev.Emit(context.Background(), []byte("frame-two")))
	assert.Equal(t, "frame-two", string(readPart(t, r)))

	resp.Body.Close()
	// The server notices the hang-up on its next write.
	require.Eventually(t, func() bool {
		ts.dev.Emit(context.Background(), []byte("x"))
		return ts.reg.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assertNoCache(t, rec.Header())
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 1280, cfg.Width)
	assert.Equal(t, 960, cfg.Height)
	assert.Equal(t, arbiter.Streaming, ts.arb.State())
}

func TestSnapshotFailureIs500AndStreamSurvives(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.dev.CaptureErr = errors.New("sensor timeout")

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "capture")

	assert.Equal(t, arbiter.Streaming, ts.arb.State())
	seq := ts.b.Seq()
	require.True(t, ts.dev.Emit(context.Background(), []byte("live")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := ts.b.WaitNext(ctx, seq)
	require.NoError(t, err)
	assert.Equal(t, "live", string(f.Data))
}

func TestSnapshotBusyIs503(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{AcquireTimeout: 20 * time.Millisecond})
	h, err := ts.arb.AcquireExclusive(context.Background())
	require.NoError(t, err)
	defer h.Release(context.Background())

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/snapshot.jpg", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.b.Publish(types.Frame{Data: []byte("a")})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, Health{Status: "ok", Mode: "streaming", Sequence: 1, Sessions: 0}, h)
}

func TestHealthDegradedAfterResumeFailure(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.dev.StartErr = errors.New("camera unplugged")

	_, err := ts.opts.Snapshot.Run(context.Background())
	require.NoError(t, err)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var h Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "paused", h.Mode)
}

func TestStatusJSON(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "test camera", st.Title)
	assert.Equal(t, types.Size{Width: 4608, Height: 2592}, st.Camera.SensorSize)
	assert.Equal(t, streamProfile.Size, st.Stream.Size)
	assert.Equal(t, stillProfile.Size, st.Still.Size)
	assert.Equal(t, "streaming", st.Mode)
	assert.Empty(t, st.Sessions)
}

func TestStatusProtobuf(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	_, err := ts.reg.Open(context.Background(), "mjpeg", "10.0.0.9:1234")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept", "application/x-protobuf")
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))
	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &msg))
	fields := msg.GetFields()
	assert.Equal(t, "streaming", fields["mode"].GetStringValue())
	assert.Equal(t, float64(640), fields["stream"].GetStructValue().GetFields()["size"].GetStructValue().GetFields()["width"].GetNumberValue())
	sessions := fields["sessions"].GetListValue().GetValues()
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.9:1234", sessions[0].GetStructValue().GetFields()["remote"].GetStringValue())
}

func TestStatusStream(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.opts.StatusInterval = 10 * time.Millisecond
	srv := httptest.NewServer(ts.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	for i := 0; i < 2; i++ {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, "data: "), line)
		var st Status
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st))
		assert.Equal(t, "streaming", st.Mode)
		blank, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "\n", blank)
	}
	assert.Equal(t, int64(1), ts.m.ActiveStatus.Load())

	// Shutdown ends the event stream.
	ts.reg.CloseAll()
	_, err = io.Copy(io.Discard, r)
	require.NoError(t, err)
	require.NoError(t, ts.reg.Drain(context.Background()))
	assert.Equal(t, int64(0), ts.m.ActiveStatus.Load())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.b.Publish(types.Frame{Data: []byte("a")})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "streamer_frames_published_total")
	assert.Contains(t, rec.Body.String(), "streamer_last_sequence 1")
}

type fakeSignaller struct {
	err     error
	clients int
	remote  string
}

func (f *fakeSignaller) HandleOffer(ctx context.Context, remote string, offer []byte) ([]byte, error) {
	f.remote = remote
	if f.err != nil {
		return nil, f.err
	}
	return []byte(`{"type":"answer","sdp":"v=0\r\n"}`), nil
}

func (f *fakeSignaller) GetClientCount() int { return f.clients }

func TestWebRTCOffer(t *testing.T) {
	offer := `{"type":"offer","sdp":"v=0\r\n"}`
	tests := []struct {
		name     string
		sig      Signaller
		wantCode int
	}{
		{"disabled", nil, http.StatusNotFound},
		{"answered", &fakeSignaller{}, http.StatusOK},
		{"bad offer", &fakeSignaller{err: fmt.Errorf("%w: no sdp", webrtc.ErrInvalidOffer)}, http.StatusBadRequest},
		{"full", &fakeSignaller{err: webrtc.ErrTooManyClients}, http.StatusServiceUnavailable},
		{"shutting down", &fakeSignaller{err: webrtc.ErrClosed}, http.StatusServiceUnavailable},
		{"internal", &fakeSignaller{err: errors.New("ice failure")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, arbiter.Options{})
			ts.opts.WebRTC = tt.sig
			req := httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(offer))
			req.Header.Set("Content-Type", "application/json")
			rec := ts.do(req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantCode == http.StatusOK {
				assert.JSONEq(t, `{"type":"answer","sdp":"v=0\r\n"}`, rec.Body.String())
				assert.Equal(t, req.RemoteAddr, tt.sig.(*fakeSignaller).remote)
			}
		})
	}
}

func TestWebRTCOfferMethod(t *testing.T) {
	ts := newTestServer(t, arbiter.Options{})
	ts.opts.WebRTC = &fakeSignaller{}
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/webrtc/offer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
