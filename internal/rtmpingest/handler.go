package rtmpingest

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"castreceiver/internal/h264"
	"castreceiver/pkg/models"
)

// ErrBusy is returned to a publisher while another session holds the receiver
var ErrBusy = errors.New("receiver busy")

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	conn   net.Conn
	peer   string

	mu         sync.RWMutex
	sessionID  string // set while publishing
	streamName string
	startedAt  time.Time
	sps        [][]byte // H.264 Sequence Parameter Sets
	pps        [][]byte // H.264 Picture Parameter Sets
}

func newConnHandler(s *Server, conn net.Conn) *ConnHandler {
	return &ConnHandler{
		server: s,
		conn:   conn,
		peer:   conn.RemoteAddr().String(),
	}
}

// OnServe is called when the connection starts serving
func (h *ConnHandler) OnServe(conn *rtmp.Conn) {
	log.Printf("[rtmp] serving %s", h.peer)
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	log.Printf("[rtmp] connect from %s: app=%s, tcUrl=%s", h.peer, cmd.Command.App, cmd.Command.TCURL)

	if app := h.server.cfg.App; app != "" && cmd.Command.App != app {
		return fmt.Errorf("unknown application %q", cmd.Command.App)
	}
	return nil
}

// OnCreateStream is called when createStream command is received
func (h *ConnHandler) OnCreateStream(timestamp uint32, cmd *rtmpmsg.NetConnectionCreateStream) error {
	return nil
}

// OnPublish starts a cast session if the receiver is free
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	name := streamName(cmd.PublishingName)
	log.Printf("[rtmp] publish from %s: name=%s, type=%s", h.peer, name, cmd.PublishingType)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionID != "" {
		return fmt.Errorf("already publishing %s", h.streamName)
	}

	id := uuid.NewString()
	srv := h.server
	if !srv.slot.Acquire(id) {
		log.Printf("[rtmp] rejecting publish from %s: session slot held by %s", h.peer, srv.slot.Owner())
		srv.metrics.RecordHandshakeRejected()
		return ErrBusy
	}

	h.sessionID = id
	h.streamName = name
	h.startedAt = time.Now()

	srv.metrics.RecordSessionStart(transportName)
	if srv.recorder != nil {
		if err := srv.recorder.StartRecording(id); err != nil {
			log.Printf("[rtmp] recording not started for session %s: %v", id, err)
		}
	}

	device := name
	if device == "" {
		device = h.peer
	}
	p := srv.cfg.DefaultParams
	srv.publisher.Publish(models.Connected(device, p.Width, p.Height, p.FPS))

	log.Printf("[rtmp] stream %s is now live from %s (session %s)", name, h.peer, id)
	return nil
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	log.Printf("[rtmp] metadata received from %s", h.peer)
	return nil
}

// OnAudio drops audio. The receiver only renders video.
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	h.server.metrics.RecordMessage("audio", 0)
	return nil
}

// OnVideo converts an FLV video tag to an Annex-B frame and queues it
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	h.mu.RLock()
	sessionID := h.sessionID
	h.mu.RUnlock()

	if sessionID == "" {
		return nil // Ignore video before publish
	}

	videoData, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.server.metrics.RecordMessage("video", len(videoData))

	if len(videoData) == 0 {
		return nil
	}

	pkt, err := h264.ParseFLVVideoPacket(videoData)
	if err != nil {
		log.Printf("[rtmp] skipping video packet from %s: %v", h.peer, err)
		return nil
	}

	// Handle AVC sequence header (contains SPS/PPS)
	if pkt.SequenceHeader {
		cfg, err := h264.ParseDecoderConfig(pkt.Data)
		if err != nil {
			log.Printf("[rtmp] invalid decoder configuration from %s: %v", h.peer, err)
			return nil
		}
		if cfg.NALUnitLength != 4 {
			log.Printf("[rtmp] unsupported NAL length size %d from %s", cfg.NALUnitLength, h.peer)
		}

		h.mu.Lock()
		h.sps = cfg.SPS
		h.pps = cfg.PPS
		h.mu.Unlock()

		log.Printf("[rtmp] stored %d SPS and %d PPS for session %s", len(cfg.SPS), len(cfg.PPS), sessionID)
		return nil
	}

	annexB, err := h264.ConvertAVCCToAnnexB(pkt.Data)
	if err != nil {
		log.Printf("[rtmp] skipping frame from %s: %v", h.peer, err)
		h.server.metrics.RecordFrameDropped("malformed", 1)
		return nil
	}

	// For keyframes, prepend SPS/PPS
	if pkt.KeyFrame {
		h.mu.RLock()
		sps, pps := h.sps, h.pps
		h.mu.RUnlock()

		if len(sps) > 0 && len(pps) > 0 {
			annexB = h264.PrependParameterSets(annexB, sps, pps)
		} else {
			log.Printf("[rtmp] keyframe from %s before sequence header", h.peer)
		}
	}

	frame := models.VideoFrame{
		Payload:    annexB,
		Timestamp:  int64(timestamp) + int64(pkt.CompositionTime),
		IsKeyFrame: pkt.KeyFrame,
	}
	h.push(sessionID, frame)
	return nil
}

func (h *ConnHandler) push(sessionID string, frame models.VideoFrame) {
	srv := h.server
	srv.metrics.RecordFrame(frame.IsKeyFrame, len(frame.Payload))

	result := srv.queue.Push(frame)
	if !result.Accepted {
		srv.metrics.RecordFrameDropped("backpressure", 1)
	}
	srv.metrics.RecordFrameDropped("evicted", result.Evicted)
	srv.metrics.SetQueueDepth(srv.queue.Len())

	if srv.recorder != nil {
		srv.recorder.RecordFrame(sessionID, frame)
	}
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	log.Printf("[rtmp] connection closed: %s", h.peer)
	h.server.forget(h.conn)

	h.mu.Lock()
	sessionID := h.sessionID
	startedAt := h.startedAt
	h.sessionID = ""
	h.mu.Unlock()

	if sessionID == "" {
		return
	}

	srv := h.server
	reason := "disconnect"
	if srv.ctx.Err() != nil {
		reason = "shutdown"
	}
	srv.publisher.Publish(models.Disconnected())
	srv.metrics.RecordSessionEnd(transportName, reason, time.Since(startedAt).Seconds())
	if srv.recorder != nil {
		srv.recorder.StopRecording(sessionID)
	}
	srv.slot.Release(sessionID)
	log.Printf("[rtmp] session %s ended (%s)", sessionID, reason)
}

// streamName strips query parameters from a publishing name ("key?token=x" -> "key")
func streamName(publishingName string) string {
	if i := strings.IndexByte(publishingName, '?'); i >= 0 {
		return publishingName[:i]
	}
	return publishingName
}
