package castserver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"castreceiver/internal/h264"
	"castreceiver/internal/protocol"
	"castreceiver/pkg/models"
)

// errBusy is sent to a sender whose handshake arrives while another transport
// holds the session slot
var errBusy = errors.New("receiver busy")

// Reasons a session ended, used for metrics and logs
const (
	endDisconnect = "disconnect"
	endError      = "error"
	endShutdown   = "shutdown"
	endBusy       = "busy"
)

// session handles one sender connection
type session struct {
	server    *Server
	conn      net.Conn
	id        string
	peer      string
	startedAt time.Time

	handshaken bool
	info       models.HandshakeInfo
}

// serve runs the protocol on conn until the peer leaves, an error occurs or the
// server stops. It closes conn.
func (s *Server) serve(conn net.Conn) {
	configureConn(conn)

	sess := &session{
		server: s,
		conn:   conn,
		id:     uuid.NewString(),
		peer:   conn.RemoteAddr().String(),
	}

	s.mu.Lock()
	s.session = sess.id
	s.mu.Unlock()

	log.Printf("[castserver] connection from %s (session %s)", sess.peer, sess.id)

	reason, err := sess.run()
	sess.close(reason, err)
}

// configureConn applies the socket options senders expect
func configureConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(true); err != nil {
		log.Printf("[castserver] failed to set TCP_NODELAY: %v", err)
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		log.Printf("[castserver] failed to enable keep-alive: %v", err)
	}
}

// run reads and dispatches messages in arrival order
func (ss *session) run() (string, error) {
	idle := ss.server.cfg.IdleTimeout

	for {
		if idle > 0 {
			ss.conn.SetReadDeadline(time.Now().Add(idle))
		}

		payload, err := protocol.ReadMessage(ss.conn)
		if err != nil {
			return ss.classifyReadError(err)
		}

		msg, err := protocol.ParseMessage(payload)
		if err != nil {
			log.Printf("[castserver] ignoring empty message from %s", ss.peer)
			continue
		}
		ss.server.metrics.RecordMessage(protocol.TypeName(msg.Type), len(payload))

		switch msg.Type {
		case protocol.TypeHandshake:
			err = ss.onHandshake(msg.Body)
		case protocol.TypeVideoFrame:
			ss.onVideoFrame(msg.Body)
		case protocol.TypeHeartbeat:
			err = ss.reply(protocol.HeartbeatAck)
		default:
			log.Printf("[castserver] ignoring message type 0x%02x from %s (%d bytes)", msg.Type, ss.peer, len(msg.Body))
		}

		if errors.Is(err, errBusy) {
			return endBusy, nil
		}
		if err != nil {
			if ss.server.ctx.Err() != nil {
				return endShutdown, nil
			}
			return endError, err
		}
	}
}

func (ss *session) classifyReadError(err error) (string, error) {
	if ss.server.ctx.Err() != nil {
		return endShutdown, nil
	}
	if errors.Is(err, io.EOF) {
		return endDisconnect, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return endError, fmt.Errorf("no data from sender for %v", ss.server.cfg.IdleTimeout)
	}
	return endError, err
}

// onHandshake configures the session from the sender's stream parameters.
// A malformed handshake is answered with an error reply and the connection stays open.
func (ss *session) onHandshake(body []byte) error {
	info, err := protocol.DecodeHandshake(body)
	if err == nil {
		err = protocol.ValidateHandshake(info)
	}
	if err != nil {
		log.Printf("[castserver] rejecting handshake from %s: %v", ss.peer, err)
		ss.server.metrics.RecordHandshakeRejected()
		return ss.reply(protocol.EncodeError(err.Error()))
	}

	if !ss.server.slot.Acquire(ss.id) {
		log.Printf("[castserver] rejecting handshake from %s: session slot held by %s", ss.peer, ss.server.slot.Owner())
		ss.server.metrics.RecordHandshakeRejected()
		if err := ss.reply(protocol.EncodeError(errBusy.Error())); err != nil {
			return err
		}
		return errBusy
	}

	first := !ss.handshaken
	ss.handshaken = true
	ss.info = info

	if first {
		ss.startedAt = time.Now()
		ss.server.metrics.RecordSessionStart(transportName)
		ss.server.setState(StateConnected)
		if rec := ss.server.recorder; rec != nil {
			if err := rec.StartRecording(ss.id); err != nil {
				log.Printf("[castserver] recording not started for session %s: %v", ss.id, err)
			}
		}
	}

	log.Printf("[castserver] handshake from %s: version=%d %dx%d@%d",
		ss.peer, info.ProtocolVersion, info.Width, info.Height, info.FPS)

	ss.server.publisher.Publish(models.Connected(ss.peer, info.Width, info.Height, info.FPS))
	return ss.reply(protocol.HandshakeAck)
}

// onVideoFrame queues a frame for decoding. Frames are never answered.
func (ss *session) onVideoFrame(body []byte) {
	if !ss.handshaken {
		log.Printf("[castserver] ignoring video frame from %s before handshake", ss.peer)
		ss.server.metrics.RecordFrameDropped("pre_handshake", 1)
		return
	}

	ts, data, err := protocol.DecodeVideoFrame(body)
	if err != nil {
		log.Printf("[castserver] ignoring video frame from %s: %v", ss.peer, err)
		ss.server.metrics.RecordFrameDropped("malformed", 1)
		return
	}

	frame := models.VideoFrame{
		Payload:    data,
		Timestamp:  int64(ts),
		IsKeyFrame: h264.IsKeyFrame(data),
	}
	ss.server.metrics.RecordFrame(frame.IsKeyFrame, len(data))

	result := ss.server.queue.Push(frame)
	if !result.Accepted {
		ss.server.metrics.RecordFrameDropped("backpressure", 1)
	}
	ss.server.metrics.RecordFrameDropped("evicted", result.Evicted)
	ss.server.metrics.SetQueueDepth(ss.server.queue.Len())

	if rec := ss.server.recorder; rec != nil {
		rec.RecordFrame(ss.id, frame)
	}
}

// reply writes one framed message to the sender
func (ss *session) reply(payload []byte) error {
	ss.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteMessage(ss.conn, payload); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// close tears the session down and publishes how it ended
func (ss *session) close(reason string, err error) {
	ss.conn.Close()

	srv := ss.server
	owner := srv.slot.Owner()
	ownsState := owner == "" || owner == ss.id

	switch reason {
	case endDisconnect:
		log.Printf("[castserver] sender %s disconnected (session %s)", ss.peer, ss.id)
		// a peer that never handshook never changed the published state
		if ownsState && ss.handshaken {
			srv.publisher.Publish(models.Disconnected())
		}
	case endError:
		log.Printf("[castserver] session %s with %s failed: %v", ss.id, ss.peer, err)
		srv.setState(StateError)
		if ownsState {
			srv.publisher.Publish(models.Error(err.Error()))
		}
	case endShutdown:
		log.Printf("[castserver] closing session %s with %s for shutdown", ss.id, ss.peer)
		if ss.handshaken {
			srv.publisher.Publish(models.Disconnected())
		}
	case endBusy:
		log.Printf("[castserver] closed busy connection from %s", ss.peer)
	}

	if !ss.handshaken {
		return
	}
	srv.metrics.RecordSessionEnd(transportName, reason, time.Since(ss.startedAt).Seconds())
	if srv.recorder != nil {
		srv.recorder.StopRecording(ss.id)
	}
	srv.slot.Release(ss.id)
}
