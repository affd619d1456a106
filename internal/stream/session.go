// Package stream serves the live frames to viewers. Each viewer is a
// Session that owns nothing but its last-seen sequence number.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/libcamera-streamer/internal/broadcast"
	"github.com/dj-oyu/libcamera-streamer/internal/logger"
	"github.com/dj-oyu/libcamera-streamer/internal/metrics"
	"github.com/dj-oyu/libcamera-streamer/pkg/types"
)

// ErrConsumerDisconnected ends a session whose viewer stopped accepting
// data. It never leaves the session.
var ErrConsumerDisconnected = errors.New("consumer disconnected")

// ErrFrameSkipped is returned by a Sink that dropped a frame because its
// viewer is backed up. The session moves on without counting a delivery.
var ErrFrameSkipped = errors.New("frame skipped")

// ErrShutdown ends sessions closed by the registry.
var ErrShutdown = errors.New("server shutting down")

var log = logger.For("Stream")

// Source is where sessions wait for frames; *broadcast.Broadcaster
// satisfies it.
type Source interface {
	WaitNext(ctx context.Context, lastSeen uint64) (types.Frame, error)
}

// Sink delivers one frame to a viewer.
type Sink interface {
	WriteFrame(f types.Frame) error
}

// Registry tracks live sessions.
type Registry struct {
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics:  m,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Session is one connected viewer.
type Session struct {
	ID      uuid.UUID
	Kind    string // "mjpeg", "webrtc" or "status"
	Remote  string
	Started time.Time

	reg       *Registry
	ctx       context.Context
	cancel    context.CancelCauseFunc
	lastSeen  atomic.Uint64
	delivered atomic.Uint64
	closeOnce sync.Once
}

// Open registers a viewer. The session's context is derived from ctx and
// is cancelled by Close or Registry.CloseAll. Open fails after CloseAll.
func (r *Registry) Open(ctx context.Context, kind, remote string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShutdown
	}

	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		ID:      uuid.New(),
		Kind:    kind,
		Remote:  remote,
		Started: time.Now(),
		reg:     r,
		ctx:     sctx,
		cancel:  cancel,
	}
	r.sessions[s.ID] = s
	r.wg.Add(1)
	r.metrics.SessionOpened(kind)
	log.Info("Added %s client %s (%s), %d active", kind, remote, s.ID, len(r.sessions))
	return s, nil
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// LastSeen returns the sequence of the last frame delivered.
func (s *Session) LastSeen() uint64 {
	return s.lastSeen.Load()
}

// Run delivers every frame newer than the last one seen until the viewer
// goes away, the source closes or the session is cancelled. Frames that
// arrive while a write is in progress are skipped, not queued.
func (s *Session) Run(src Source, sink Sink) error {
	err := s.run(src, sink)
	s.Close(err)
	return err
}

func (s *Session) run(src Source, sink Sink) error {
	for {
		f, err := src.WaitNext(s.ctx, s.lastSeen.Load())
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				return ErrShutdown
			}
			if cause := context.Cause(s.ctx); cause != nil {
				return cause
			}
			return err
		}
		if err := sink.WriteFrame(f); err != nil {
			if errors.Is(err, ErrFrameSkipped) {
				s.lastSeen.Store(f.Seq)
				s.reg.metrics.FrameSkipped()
				continue
			}
			return fmt.Errorf("%w: %w", ErrConsumerDisconnected, err)
		}
		prev := s.lastSeen.Swap(f.Seq)
		s.delivered.Add(1)
		s.reg.metrics.FrameDelivered(prev, f.Seq)
	}
}

// Close ends the session with reason. It is safe to call more than once.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = context.Canceled
		}
		s.cancel(reason)

		r := s.reg
		r.mu.Lock()
		delete(r.sessions, s.ID)
		remaining := len(r.sessions)
		r.mu.Unlock()
		r.metrics.SessionClosed(s.Kind)
		r.wg.Done()

		log.Info("Removed %s client %s: %v (%d frames, %d active)",
			s.Kind, s.Remote, reason, s.delivered.Load(), remaining)
	})
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Remote    string    `json:"remote"`
	Started   time.Time `json:"started"`
	LastSeen  uint64    `json:"last_seen"`
	Delivered uint64    `json:"delivered"`
}

// List returns the active sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID.String(),
			Kind:      s.Kind,
			Remote:    s.Remote,
			Started:   s.Started,
			LastSeen:  s.lastSeen.Load(),
			Delivered: s.delivered.Load(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll cancels every session and refuses new ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.cancel(ErrShutdown)
	}
}

// Drain waits until every session has closed.
func (r *Registry) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain sessions: %d still open: %w", r.Count(), ctx.Err())
	}
}
