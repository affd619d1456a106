// Package httpcompat checks a running streamer over HTTP. The tests skip
// unless a streamer answers at STREAMER_BASE_URL (default
// http://localhost:8070).
package httpcompat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8070"
	defaultRequestTimeout = 2 * time.Second
	snapshotTimeout       = 30 * time.Second
)

type compatClient struct {
	baseURL string
	client  *http.Client
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	baseURL := os.Getenv("STREAMER_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/healthz") {
		t.Skipf("streamer not reachable at %s (set STREAMER_BASE_URL to run)", baseURL)
	}

	return &compatClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 600
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.getWith(t, c.client, path, nil)
}

func (c *compatClient) getWith(t *testing.T, client *http.Client, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// getStream opens a long-lived response without the client timeout.
func (c *compatClient) getStream(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(c.baseURL + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *compatClient) snapshot(t *testing.T) (*http.Response, []byte) {
	t.Helper()
	return c.getWith(t, &http.Client{Timeout: snapshotTimeout}, "/snapshot.jpg", nil)
}

// readPart reads one multipart part from an MJPEG stream.
func readPart(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("boundary: %w", err)
	}
	if line != "--FRAME\r\n" {
		return nil, fmt.Errorf("unexpected boundary line %q", line)
	}
	hdr, err := textproto.NewReader(r).ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("part header: %w", err)
	}
	if ct := hdr.Get("Content-Type"); ct != "image/jpeg" {
		return nil, fmt.Errorf("part content-type %q", ct)
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil {
		return nil, fmt.Errorf("part content-length: %w", err)
	}
	body := make([]byte, n+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("part body: %w", err)
	}
	if string(body[n:]) != "\r\n" {
		return nil, fmt.Errorf("part not terminated by CRLF")
	}
	return body[:n], nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertNoCache(t *testing.T, h http.Header, what string) {
	t.Helper()
	if got := h.Get("Cache-Control"); got != "no-cache, private" {
		t.Fatalf("%s Cache-Control = %q", what, got)
	}
	if got := h.Get("Pragma"); got != "no-cache" {
		t.Fatalf("%s Pragma = %q", what, got)
	}
}

func assertSize(t *testing.T, value any, field string) (int, int) {
	t.Helper()
	size := requireMap(t, value, field)
	w := requireNumber(t, size["width"], field+".width")
	h := requireNumber(t, size["height"], field+".height")
	return int(w), int(h)
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["title"], "title")
	camera := requireMap(t, payload["camera"], "camera")
	requireString(t, camera["model"], "camera.model")
	assertSize(t, camera["sensor_size"], "camera.sensor_size")
	stream := requireMap(t, payload["stream"], "stream")
	assertSize(t, stream["size"], "stream.size")
	still := requireMap(t, payload["still"], "still")
	assertSize(t, still["size"], "still.size")
	requireString(t, payload["mode"], "mode")
	requireNumber(t, payload["sequence"], "sequence")
	requireNumber(t, payload["timestamp"], "timestamp")
	for i, raw := range requireSlice(t, payload["sessions"], "sessions") {
		s := requireMap(t, raw, fmt.Sprintf("sessions[%d]", i))
		requireString(t, s["id"], "sessions.id")
		requireString(t, s["kind"], "sessions.kind")
		requireNumber(t, s["last_seen"], "sessions.last_seen")
	}
}
