package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

const (
	// FramesLabel is the data channel the server opens for JPEG frames.
	FramesLabel = "frames"

	chunkSize = 16 << 10
	// A viewer with more than this queued is behind; its frames are skipped.
	maxBuffered = 1 << 20
)

var (
	ErrInvalidOffer   = errors.New("invalid offer")
	ErrTooManyClients = errors.New("maximum clients reached")
	ErrClosed         = errors.New("webrtc server closed")
)

// Client represents a connected WebRTC viewer
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	session  *stream.Session
}

// Server hands live frames to browsers over WebRTC data channels. Each
// peer is a stream.Session fed from the same source as the MJPEG viewers.
type Server struct {
	src        stream.Source
	reg        *stream.Registry
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API

	clientsMu sync.Mutex
	clients   map[string]*Client
	closed    bool
}

// NewServer creates a WebRTC server. An empty iceServers list restricts
// peers to host candidates, which is enough on a LAN.
func NewServer(src stream.Source, reg *stream.Registry, iceServers []string, maxClients int) *Server {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		src:        src,
		reg:        reg,
		config:     webrtc.Configuration{ICEServers: servers},
		maxClients: maxClients,
		api:        api,
		clients:    make(map[string]*Client),
	}
}

// HandleOffer answers an SDP offer (JSON encoded RTCSessionDescription).
// The offer must carry a data channel so the connection has an SCTP
// association; the server then opens the "frames" channel itself.
func (s *Server) HandleOffer(ctx context.Context, remote string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidOffer, offer.Type.String())
	}

	s.clientsMu.Lock()
	numClients, closed := len(s.clients), s.closed
	s.clientsMu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if numClients >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	session, err := s.reg.Open(context.Background(), "webrtc", remote)
	if err != nil {
		peerConn.Close()
		return nil, err
	}
	client := &Client{id: session.ID.String(), peerConn: peerConn, session: session}

	ordered := true
	frames, err := peerConn.CreateDataChannel(FramesLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		session.Close(err)
		peerConn.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	frames.OnOpen(func() {
		logger.Debug("WebRTC", "Client %s frames channel open", client.id)
		go func() {
			err := session.Run(s.src, &channelSink{dc: frames})
			logger.Debug("WebRTC", "Client %s session ended: %v", client.id, err)
			s.RemoveClient(client.id)
		}()
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			go s.RemoveClient(client.id)
		}
	})

	fail := func(err error) ([]byte, error) {
		session.Close(err)
		peerConn.Close()
		return nil, err
	}

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInvalidOffer, err))
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(fmt.Errorf("ICE gathering: %w", ctx.Err()))
	}
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		return fail(ErrClosed)
	}
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	logger.Info("WebRTC", "Client %s connected from %s", client.id, remote)
	return answerJSON, nil
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	client.session.Close(stream.ErrConsumerDisconnected)
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Client %s close: %v", clientID, err)
	}
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Close closes all client connections and refuses new offers.
func (s *Server) Close() error {
	s.clientsMu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.Unlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}

// FrameHeader precedes the binary chunks of every frame on the data channel.
type FrameHeader struct {
	Seq    uint64 `json:"seq"`
	Size   int    `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Time   int64  `json:"ts_ms"`
}

// channelSink sends a frame as a JSON header text message followed by
// binary chunks adding up to Size bytes.
type channelSink struct {
	dc *webrtc.DataChannel
}

func (c *channelSink) WriteFrame(f types.Frame) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel %s", c.dc.ReadyState())
	}
	if c.dc.BufferedAmount() > maxBuffered {
		return stream.ErrFrameSkipped
	}

	hdr, err := json.Marshal(FrameHeader{
		Seq:    f.Seq,
		Size:   len(f.Data),
		Width:  f.Width,
		Height: f.Height,
		Time:   f.Timestamp.UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := c.dc.SendText(string(hdr)); err != nil {
		return err
	}
	for off := 0; off < len(f.Data); off += chunkSize {
		end := min(off+chunkSize, len(f.Data))
		if err := c.dc.Send(f.Data[off:end]); err != nil {
			return err
		}
	}
	return nil
}
