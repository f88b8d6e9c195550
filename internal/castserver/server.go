// Package castserver accepts a sender's TCP connection and runs the cast protocol:
// handshake, heartbeats and video frames, framed with a 4-byte length prefix.
package castserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"castreceiver/internal/framequeue"
	"castreceiver/internal/metrics"
	"castreceiver/internal/status"
	"castreceiver/pkg/models"
)

// State is the lifecycle state of the server
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateConnected State = "connected"
	StateError     State = "error"
)

const (
	// DefaultIdleTimeout closes sessions that send nothing, heartbeats included
	DefaultIdleTimeout = 30 * time.Second
	// writeTimeout bounds replies to a peer that stopped reading
	writeTimeout = 5 * time.Second
	// transportName labels metrics for this transport
	transportName = "tcp"

	// Accept and re-bind retries back off from minRetryDelay up to maxRetryDelay
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = time.Second
)

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

// Config holds server settings
type Config struct {
	Addr        string        // TCP listen address, e.g. ":8888"
	IdleTimeout time.Duration // 0 disables the idle timeout
}

// Server accepts one cast session at a time. Further connections wait in the
// listen backlog until the active session ends.
type Server struct {
	cfg       Config
	queue     FramePusher
	publisher *status.Publisher
	slot      *status.Slot
	recorder  Recorder
	metrics   *metrics.Metrics
	listen    func(network, addr string) (net.Listener, error)

	mu       sync.RWMutex
	state    State
	listener net.Listener
	active   net.Conn
	session  string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new cast server. recorder and m may be nil.
func New(cfg Config, queue FramePusher, publisher *status.Publisher, slot *status.Slot, recorder Recorder, m *metrics.Metrics) *Server {
	if slot == nil {
		slot = &status.Slot{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		queue:     queue,
		publisher: publisher,
		slot:      slot,
		recorder:  recorder,
		metrics:   m,
		listen:    net.Listen,
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listen address and starts accepting connections
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("cast server already started")
	}
	if s.ctx.Err() != nil {
		return errors.New("cast server stopped")
	}

	listener, err := s.listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.setStateLocked(StateListening)

	s.wg.Add(1)
	go s.acceptLoop(listener)

	log.Printf("[castserver] listening on %s", listener.Addr())
	return nil
}

// Stop closes the listener and any active session, then waits for the accept loop
// to exit. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		listener := s.listener
		active := s.active
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		if active != nil {
			active.Close()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.setStateLocked(StateIdle)
		s.mu.Unlock()

		if listener != nil {
			log.Printf("[castserver] stopped")
		}
	})
}

// Addr returns the listen address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State returns the current server state
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionID returns the ID of the connection being served, or ""
func (s *Server) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

// setStateLocked changes state. Caller holds mu.
func (s *Server) setStateLocked(state State) {
	if s.state == state {
		return
	}
	log.Printf("[castserver] state %s -> %s", s.state, state)
	s.state = state
}

// acceptLoop serves connections one after another until the server stops.
// Temporary accept errors are retried; any other error closes the listener and
// binds the address again.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isTemporary(err) {
				delay = nextDelay(delay)
				log.Printf("[castserver] accept failed: %v; retrying in %v", err, delay)
				if !s.sleep(delay) {
					return
				}
				continue
			}

			log.Printf("[castserver] accept failed: %v", err)
			s.setState(StateError)
			s.publisher.Publish(models.Error(fmt.Sprintf("listener failed: %v", err)))
			listener.Close()
			s.setState(StateIdle)

			if listener = s.rebind(); listener == nil {
				return
			}
			delay = 0
			continue
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.serve(conn)
		s.untrack()
	}
}

// rebind listens on the configured address again, retrying until it succeeds or
// the server stops. It returns nil when the server stopped.
func (s *Server) rebind() net.Listener {
	var delay time.Duration
	for {
		listener, err := s.listen("tcp", s.cfg.Addr)
		if err == nil {
			s.mu.Lock()
			if s.ctx.Err() != nil {
				s.mu.Unlock()
				listener.Close()
				return nil
			}
			s.listener = listener
			s.setStateLocked(StateListening)
			s.mu.Unlock()
			log.Printf("[castserver] listening again on %s", listener.Addr())
			return listener
		}

		delay = nextDelay(delay)
		log.Printf("[castserver] failed to listen on %s: %v; retrying in %v", s.cfg.Addr, err, delay)
		if !s.sleep(delay) {
			return nil
		}
	}
}

// sleep waits for d and reports false if the server stopped meanwhile
func (s *Server) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minRetryDelay
	}
	return min(2*d, maxRetryDelay)
}

// isTemporary reports accept errors that clear on their own, such as running out
// of file descriptors
func isTemporary(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return true
	}
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// track records conn as the active connection, unless the server is stopping
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.active = conn
	return true
}

func (s *Server) untrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.session = ""
	if s.state != StateIdle {
		s.setStateLocked(StateListening)
	}
}
