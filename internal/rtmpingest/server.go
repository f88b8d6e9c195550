// Package rtmpingest lets RTMP encoders (OBS, ffmpeg) cast to the receiver. H.264 video
// is converted to the Annex-B frames the cast protocol carries and shares the same
// frame queue and session slot.
package rtmpingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/yutopp/go-rtmp"

	"castreceiver/internal/framequeue"
	"castreceiver/internal/metrics"
	"castreceiver/internal/status"
	"castreceiver/pkg/models"
)

// transportName labels metrics for this transport
const transportName = "rtmp"

// FramePusher receives frames for decoding
type FramePusher interface {
	Push(frame models.VideoFrame) framequeue.PushResult
	Len() int
}

// Recorder receives a copy of every frame of a session
type Recorder interface {
	StartRecording(sessionID string) error
	RecordFrame(sessionID string, frame models.VideoFrame)
	StopRecording(sessionID string)
}

// Config holds ingest settings
type Config struct {
	Addr string // TCP listen address, e.g. ":1935"
	App  string // accepted application name, empty accepts any

	// RTMP carries no handshake with stream parameters, so publishers are announced
	// with these
	DefaultParams models.VideoParams
}

// Server represents the RTMP ingest server
type Server struct {
	cfg       Config
	queue     FramePusher
	publisher *status.Publisher
	slot      *status.Slot
	recorder  Recorder
	metrics   *metrics.Metrics

	server   *rtmp.Server
	listener net.Listener
	conns    map[net.Conn]struct{}
	mu       sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new RTMP ingest server. recorder and m may be nil.
func New(cfg Config, queue FramePusher, publisher *status.Publisher, slot *status.Slot, recorder Recorder, m *metrics.Metrics) *Server {
	if slot == nil {
		slot = &status.Slot{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		queue:     queue,
		publisher: publisher,
		slot:      slot,
		recorder:  recorder,
		metrics:   m,
		conns:     make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	// Create RTMP server with handler
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// Start binds the listen address and serves RTMP connections in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("rtmp ingest already started")
	}
	if s.ctx.Err() != nil {
		return errors.New("rtmp ingest stopped")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && s.ctx.Err() == nil {
			log.Printf("[rtmp] server stopped: %v", err)
		}
	}()

	log.Printf("[rtmp] listening on %s", listener.Addr())
	return nil
}

// Stop closes the listener and every open connection. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		started := s.listener != nil
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if !started {
			return
		}
		if err := s.server.Close(); err != nil {
			log.Printf("[rtmp] close failed: %v", err)
		}
		for _, c := range conns {
			c.Close()
		}
		s.wg.Wait()
		log.Printf("[rtmp] stopped")
	})
}

// Addr returns the listen address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	log.Printf("[rtmp] connection from %s", conn.RemoteAddr())

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	handler := newConnHandler(s, conn)

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
