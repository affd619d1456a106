package server

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/libcamera-streamer/internal/device"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// ProfileStatus describes one capture mode.
type ProfileStatus struct {
	Size      types.Size      `json:"size"`
	Format    string          `json:"format"`
	FrameRate int             `json:"framerate,omitempty"`
	Quality   int             `json:"quality"`
	Transform types.Transform `json:"transform"`
}

// Status is the /api/status document.
type Status struct {
	Title            string               `json:"title"`
	Camera           device.Info          `json:"camera"`
	Stream           ProfileStatus        `json:"stream"`
	Still            ProfileStatus        `json:"still"`
	Mode             string               `json:"mode"`
	Stalled          bool                 `json:"stalled"`
	PendingSnapshots int                  `json:"pending_snapshots"`
	Sequence         uint64               `json:"sequence"`
	Sessions         []stream.SessionInfo `json:"sessions"`
	WebRTCClients    int                  `json:"webrtc_clients"`
	Timestamp        float64              `json:"timestamp"`
}

func profileStatus(p types.Profile) ProfileStatus {
	return ProfileStatus{
		Size:      p.Size,
		Format:    p.Format,
		FrameRate: p.FrameRate,
		Quality:   p.Quality,
		Transform: p.Transform,
	}
}

func (s *Server) status() Status {
	st := Status{
		Title:            s.opts.Title,
		Camera:           s.opts.Device,
		Stream:           profileStatus(s.opts.Stream),
		Still:            profileStatus(s.opts.Still),
		Mode:             s.opts.Arbiter.State().String(),
		Stalled:          s.opts.Arbiter.Stalled(),
		PendingSnapshots: s.opts.Arbiter.Pending(),
		Sequence:         s.opts.Frames.Seq(),
		Sessions:         s.opts.Sessions.List(),
		Timestamp:        float64(time.Now().UnixMilli()) / 1000,
	}
	if s.opts.WebRTC != nil {
		st.WebRTCClients = s.opts.WebRTC.GetClientCount()
	}
	return st
}

// toStruct converts the document to a protobuf Struct with the same field
// names as the JSON form.
func (st Status) toStruct() (*structpb.Struct, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
