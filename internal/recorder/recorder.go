// Package recorder stores the elementary stream of each cast session as a sliding
// window of keyframe-aligned segments, either raw Annex-B or fragmented MP4.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"castreceiver/internal/metrics"
	"castreceiver/internal/storage"
	"castreceiver/pkg/models"
)

const (
	DefaultSegmentDuration = 2 * time.Second
	DefaultMaxSegments     = 10
	DefaultBuffer          = 256

	// ManifestName is the per-session JSON description of the stored segments
	ManifestName = "recording.json"

	// keepFinished bounds how many ended sessions stay listed
	keepFinished = 16
	writeTimeout = 30 * time.Second
)

// Config holds recorder settings
type Config struct {
	SegmentDuration time.Duration // minimum segment length; segments end at the next keyframe
	MaxSegments     int           // segments kept per session, older ones are deleted
	Buffer          int           // frames buffered per session before dropping
	Format          string        // FormatH264 or FormatFMP4
}

// Recorder writes session frames to storage. Frames are handed over without
// blocking; when the writer falls behind, frames are dropped and counted.
type Recorder struct {
	storage storage.Storage
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*sessionRecorder
	finished []*sessionRecorder
	closed   bool

	wg sync.WaitGroup
}

// New creates a new recorder
func New(store storage.Storage, cfg Config, m *metrics.Metrics) *Recorder {
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = DefaultMaxSegments
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if !ValidFormat(cfg.Format) {
		cfg.Format = FormatH264
	}
	return &Recorder{
		storage:  store,
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*sessionRecorder),
	}
}

// StartRecording starts recording for a session
func (r *Recorder) StartRecording(sessionID string) error {
	if !storage.ValidPath(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	if _, exists := r.sessions[sessionID]; exists {
		return fmt.Errorf("already recording session %s", sessionID)
	}

	sr := &sessionRecorder{
		recorder: r,
		frames:   make(chan models.VideoFrame, r.cfg.Buffer),
		encoder:  newEncoder(r.cfg.Format),
		recording: models.Recording{
			SessionID:   sessionID,
			Format:      r.cfg.Format,
			Active:      true,
			StartedAt:   time.Now(),
			MaxSegments: r.cfg.MaxSegments,
		},
	}
	r.sessions[sessionID] = sr

	r.wg.Add(1)
	go sr.processFrames()

	log.Printf("[recorder] started recording session %s", sessionID)
	return nil
}

// RecordFrame queues a frame for the session's recording
func (r *Recorder) RecordFrame(sessionID string, frame models.VideoFrame) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sr, exists := r.sessions[sessionID]
	if !exists {
		return
	}

	select {
	case sr.frames <- frame:
	default:
		sr.dropped.Add(1)
		r.metrics.RecordFrameDropped("recorder", 1)
	}
}

// StopRecording stops recording for a session. The final segment is written in the
// background.
func (r *Recorder) StopRecording(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sr, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	delete(r.sessions, sessionID)
	close(sr.frames)

	r.finished = append(r.finished, sr)
	if len(r.finished) > keepFinished {
		r.finished = r.finished[len(r.finished)-keepFinished:]
	}
	log.Printf("[recorder] stopped recording session %s", sessionID)
}

// Close stops all recordings and waits for pending writes
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopRecording(id)
	}
	r.wg.Wait()
}

// Recording returns a snapshot of a session's recording
func (r *Recorder) Recording(sessionID string) (models.Recording, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sr, ok := r.sessions[sessionID]; ok {
		return sr.snapshot(), true
	}
	for _, sr := range r.finished {
		if sr.id() == sessionID {
			return sr.snapshot(), true
		}
	}
	return models.Recording{}, false
}

// Recordings returns snapshots of active and recently finished recordings, newest first
func (r *Recorder) Recordings() []models.Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Recording, 0, len(r.sessions)+len(r.finished))
	for _, sr := range r.sessions {
		out = append(out, sr.snapshot())
	}
	for _, sr := range r.finished {
		out = append(out, sr.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Format returns the recording format in use
func (r *Recorder) Format() string {
	return r.cfg.Format
}

// Storage returns the backend segments are written to
func (r *Recorder) Storage() storage.Storage {
	return r.storage
}

// sessionRecorder turns one session's frames into segments
type sessionRecorder struct {
	recorder *Recorder
	frames   chan models.VideoFrame
	dropped  atomic.Uint64
	encoder  segmentEncoder

	mu        sync.RWMutex
	recording models.Recording
	nextSeq   uint64

	// Owned by processFrames
	started   bool
	pending   []models.VideoFrame
	firstTS   int64
	lastTS    int64
	startedAt time.Time
}

func (sr *sessionRecorder) id() string {
	return sr.recording.SessionID
}

func (sr *sessionRecorder) snapshot() models.Recording {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	rec := sr.recording
	rec.Segments = make([]*models.Segment, len(sr.recording.Segments))
	for i, seg := range sr.recording.Segments {
		s := *seg
		rec.Segments[i] = &s
	}
	rec.Dropped = sr.dropped.Load()
	return rec
}

// processFrames cuts segments at keyframes once the current one is long enough
func (sr *sessionRecorder) processFrames() {
	defer sr.recorder.wg.Done()

	for frame := range sr.frames {
		if frame.IsKeyFrame && len(sr.pending) > 0 && time.Since(sr.startedAt) >= sr.recorder.cfg.SegmentDuration {
			sr.finalizeSegment(frame.Timestamp)
		}
		sr.addFrame(frame)
	}

	// Channel closed, finalize current segment
	sr.finalizeSegment(-1)

	sr.mu.Lock()
	sr.recording.Active = false
	sr.mu.Unlock()
	sr.writeManifest()
}

// addFrame appends a frame to the current segment. Segments must start with a
// keyframe, so frames before the encoder accepts one are skipped.
func (sr *sessionRecorder) addFrame(frame models.VideoFrame) {
	if !sr.started {
		header, ok, err := sr.encoder.start(frame)
		if err != nil {
			log.Printf("[recorder] session %s: skipping keyframe: %v", sr.id(), err)
			return
		}
		if !ok {
			return
		}
		sr.started = true
		if header != nil {
			sr.writeInit(header)
		}
	}
	if len(sr.pending) == 0 {
		sr.firstTS = frame.Timestamp
		sr.startedAt = time.Now()
	}
	sr.pending = append(sr.pending, frame)
	sr.lastTS = frame.Timestamp
}

// writeInit stores the header every segment of the session depends on
func (sr *sessionRecorder) writeInit(header []byte) {
	path := sr.id() + "/" + InitName
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := sr.recorder.storage.Write(ctx, path, header); err != nil {
		log.Printf("[recorder] failed to write init segment for session %s: %v", sr.id(), err)
		sr.recorder.metrics.RecordRecorderError()
		return
	}
	sr.mu.Lock()
	sr.recording.InitPath = path
	sr.mu.Unlock()
}

// finalizeSegment writes the current segment and applies the sliding window. next is
// the timestamp of the keyframe opening the following segment, or -1.
func (sr *sessionRecorder) finalizeSegment(next int64) {
	if len(sr.pending) == 0 {
		return
	}

	r := sr.recorder
	pending := sr.pending
	frames := len(pending)
	duration := float64(sr.lastTS-sr.firstTS) / 1000
	if duration <= 0 {
		duration = time.Since(sr.startedAt).Seconds()
	}
	sr.pending = nil

	sessionID := sr.id()
	seq := sr.nextSeq
	sr.nextSeq++

	data, err := sr.encoder.encode(seq, pending, next)
	if err != nil {
		log.Printf("[recorder] failed to encode segment %d for session %s: %v", seq, sessionID, err)
		r.metrics.RecordRecorderError()
		return
	}

	path := SegmentPath(sessionID, seq, r.cfg.Format)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.storage.Write(ctx, path, data); err != nil {
		log.Printf("[recorder] failed to write segment %d for session %s: %v", seq, sessionID, err)
		r.metrics.RecordRecorderError()
		return
	}
	r.metrics.RecordSegment(int64(len(data)))

	segment := &models.Segment{
		SessionID:   sessionID,
		SequenceNum: seq,
		Frames:      frames,
		Duration:    duration,
		FilePath:    path,
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	}

	sr.mu.Lock()
	evicted := sr.recording.AddSegment(segment)
	sr.mu.Unlock()

	for _, old := range evicted {
		if err := r.storage.Delete(ctx, old.FilePath); err != nil {
			log.Printf("[recorder] failed to delete segment %s: %v", old.FilePath, err)
			r.metrics.RecordRecorderError()
			continue
		}
		r.metrics.RecordSegmentDeleted()
	}

	log.Printf("[recorder] wrote segment %d for session %s (%d frames, %.2f KB)",
		seq, sessionID, frames, float64(len(data))/1024)
	sr.writeManifest()
}

// writeManifest stores the recording description next to its segments
func (sr *sessionRecorder) writeManifest() {
	rec := sr.snapshot()
	if len(rec.Segments) == 0 {
		return
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Printf("[recorder] failed to encode manifest for session %s: %v", rec.SessionID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := sr.recorder.storage.Write(ctx, rec.SessionID+"/"+ManifestName, data); err != nil {
		log.Printf("[recorder] failed to write manifest for session %s: %v", rec.SessionID, err)
		sr.recorder.metrics.RecordRecorderError()
	}
}
