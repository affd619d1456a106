package server

import (
	"bytes"
	"html/template"

	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

type indexData struct {
	Title  string
	Camera device.Info
	Stream types.Size
	Still  types.Size
	WebRTC bool
}

func (s *Server) indexData() indexData {
	return indexData{
		Title:  s.opts.Title,
		Camera: s.opts.Device,
		Stream: s.opts.Stream.Size,
		Still:  s.opts.Still.Size,
		WebRTC: s.opts.WebRTC != nil,
	}
}

func renderIndex(d indexData) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        html, body { margin: 0; padding: 0; color: white; background: #555; font-family: sans-serif; }
        p { margin: 10px; }
        a { color: #9cf; }
    </style>
</head>
<body>
    <p>
        Native resolution: {{.Camera.SensorSize}}<br>
        Native color: {{.Camera.PixelFormat}}<br>
        Attached camera: {{.Camera.Model}} ({{.Camera.Backend}})
    </p>
    <img src="stream.mjpg" width="{{.Stream.Width}}" height="{{.Stream.Height}}" alt="Live stream" />
    <p>
        <a href="snapshot.jpg">High-resolution snapshot</a> ({{.Still}})<br>
        <a href="api/status">Status</a>{{if .WebRTC}} &middot; WebRTC data channel at <code>POST /api/webrtc/offer</code>{{end}}
    </p>
</body>
</html>
`))
