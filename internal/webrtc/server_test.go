package webrtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/stream"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer(broadcast.New(nil), stream.NewRegistry(nil), nil, 2)
	ctx := context.Background()

	_, err := s.HandleOffer(ctx, "peer", []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidOffer)

	_, err = s.HandleOffer(ctx, "peer", []byte(`{"type":"answer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrInvalidOffer)

	_, err = s.HandleOffer(ctx, "peer", []byte(`{"type":"offer","sdp":""}`))
	assert.ErrorIs(t, err, ErrInvalidOffer)
	assert.Equal(t, 0, s.GetClientCount())
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer(broadcast.New(nil), stream.NewRegistry(nil), nil, 0)
	_, err := s.HandleOffer(context.Background(), "peer", []byte(`{"type":"offer","sdp":"v=0\r\n"}`))
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestHandleOfferAfterClose(t *testing.T) {
	s := NewServer(broadcast.New(nil), stream.NewRegistry(nil), nil, 2)
	require.NoError(t, s.Close())
	_, err := s.HandleOffer(context.Background(), "peer", []byte(`{"type":"offer","sdp":"v=0\r\n"}`))
	assert.ErrorIs(t, err, ErrClosed)
}

// TestFramesOverDataChannel connects a local pion peer and reads one frame.
func TestFramesOverDataChannel(t *testing.T) {
	b := broadcast.New(nil)
	reg := stream.NewRegistry(nil)
	s := NewServer(b, reg, nil, 2)
	defer s.Close()

	peer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.CreateDataChannel("control", nil)
	require.NoError(t, err)

	type message struct {
		text bool
		data []byte
	}
	msgs := make(chan message, 64)
	peer.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != FramesLabel {
			return
		}
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			msgs <- message{text: m.IsString, data: append([]byte(nil), m.Data...)}
		})
	})

	offer, err := peer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(peer)
	require.NoError(t, peer.SetLocalDescription(offer))
	<-gathered
	offerJSON, err := json.Marshal(peer.LocalDescription())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answerJSON, err := s.HandleOffer(ctx, "loopback", offerJSON)
	require.NoError(t, err)
	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.NoError(t, peer.SetRemoteDescription(answer))
	assert.Equal(t, 1, s.GetClientCount())

	connected := func() bool { return reg.Count() == 1 && peer.ConnectionState() == webrtc.PeerConnectionStateConnected }
	deadline := time.Now().Add(10 * time.Second)
	for !connected() {
		if time.Now().After(deadline) {
			t.Skip("no ICE connectivity between local peers in this environment")
		}
		time.Sleep(20 * time.Millisecond)
	}

	payload := make([]byte, chunkSize*2+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	// Keep publishing until the frames channel is open and a frame arrives.
	var hdr FrameHeader
	for hdr.Seq == 0 {
		b.Publish(types.Frame{Data: payload, Width: 640, Height: 480})
		select {
		case m := <-msgs:
			if m.text {
				require.NoError(t, json.Unmarshal(m.data, &hdr))
			}
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no frame received")
		}
	}

	var got []byte
	for len(got) < hdr.Size {
		select {
		case m := <-msgs:
			require.False(t, m.text, "header arrived before previous frame completed")
			got = append(got, m.data...)
		case <-ctx.Done():
			t.Fatal("frame incomplete")
		}
	}
	assert.Equal(t, len(payload), hdr.Size)
	assert.Equal(t, 640, hdr.Width)
	assert.Equal(t, payload, got)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.GetClientCount())
}
