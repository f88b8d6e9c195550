package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/internal/storage"
	"castreceiver/pkg/models"
)

func newStore(t *testing.T) *storage.LocalStorage {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func key(ts int64, b byte) models.VideoFrame {
	return models.VideoFrame{Payload: []byte{0, 0, 0, 1, 0x65, b}, Timestamp: ts, IsKeyFrame: true}
}

func inter(ts int64, b byte) models.VideoFrame {
	return models.VideoFrame{Payload: []byte{0, 0, 0, 1, 0x41, b}, Timestamp: ts}
}

func TestRecorderCutsSegmentsAtKeyFrames(t *testing.T) {
	store := newStore(t)
	r := New(store, Config{SegmentDuration: time.Nanosecond, MaxSegments: 2}, nil)
	ctx := context.Background()

	require.NoError(t, r.StartRecording("session-1"))
	r.RecordFrame("session-1", inter(0, 0xEE)) // before the first keyframe, skipped
	r.RecordFrame("session-1", key(0, 1))
	r.RecordFrame("session-1", inter(33, 2))
	r.RecordFrame("session-1", key(66, 3))
	r.RecordFrame("session-1", inter(100, 4))
	r.RecordFrame("session-1", key(133, 5))
	r.StopRecording("session-1")
	r.Close()

	files, err := store.List(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, []string{ManifestName, "segment_1.h264", "segment_2.h264"}, files)

	seg1, err := store.Read(ctx, SegmentPath("session-1", 1, FormatH264))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 3, 0, 0, 0, 1, 0x41, 4}, seg1)

	rec, ok := r.Recording("session-1")
	require.True(t, ok)
	assert.False(t, rec.Active)
	require.Len(t, rec.Segments, 2)
	assert.EqualValues(t, 1, rec.Segments[0].SequenceNum)
	assert.Equal(t, 2, rec.Segments[0].Frames)
	assert.InDelta(t, 0.034, rec.Segments[0].Duration, 0.0001)

	raw, err := store.Read(ctx, "session-1/"+ManifestName)
	require.NoError(t, err)
	var manifest models.Recording
	require.NoError(t, json.Unmarshal(raw, &manifest))
	assert.Equal(t, "session-1", manifest.SessionID)
	assert.False(t, manifest.Active)
	assert.Len(t, manifest.Segments, 2)
}

func TestRecorderKeepsShortSegmentsTogether(t *testing.T) {
	store := newStore(t)
	r := New(store, Config{SegmentDuration: time.Hour}, nil)

	require.NoError(t, r.StartRecording("s"))
	r.RecordFrame("s", key(0, 1))
	r.RecordFrame("s", inter(33, 2))
	r.RecordFrame("s", key(66, 3))
	r.StopRecording("s")
	r.Close()

	rec, ok := r.Recording("s")
	require.True(t, ok)
	require.Len(t, rec.Segments, 1)
	assert.Equal(t, 3, rec.Segments[0].Frames)
}

func TestRecorderSessionWithoutKeyFrameWritesNothing(t *testing.T) {
	store := newStore(t)
	r := New(store, Config{}, nil)

	require.NoError(t, r.StartRecording("s"))
	r.RecordFrame("s", inter(0, 1))
	r.StopRecording("s")
	r.Close()

	exists, err := store.Exists(context.Background(), "s/"+ManifestName)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecorderRejectsBadSessions(t *testing.T) {
	r := New(newStore(t), Config{}, nil)
	defer r.Close()

	assert.Error(t, r.StartRecording("../escape"))
	require.NoError(t, r.StartRecording("s"))
	assert.Error(t, r.StartRecording("s"))

	// frames and stops for unknown sessions are ignored
	r.RecordFrame("unknown", key(0, 1))
	r.StopRecording("unknown")
}

func TestRecorderClosedRejectsNewSessions(t *testing.T) {
	r := New(newStore(t), Config{}, nil)
	require.NoError(t, r.StartRecording("s"))

	r.Close()

	rec, ok := r.Recording("s")
	require.True(t, ok)
	assert.False(t, rec.Active)
	assert.Error(t, r.StartRecording("t"))
}

func TestRecordingsNewestFirst(t *testing.T) {
	r := New(newStore(t), Config{}, nil)
	defer r.Close()

	require.NoError(t, r.StartRecording("old"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.StartRecording("new"))
	r.StopRecording("old")

	list := r.Recordings()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].SessionID)
	assert.Equal(t, "old", list[1].SessionID)

	_, ok := r.Recording("missing")
	assert.False(t, ok)
}

// blockingStore holds segment writes until released
type blockingStore struct {
	storage.Storage
	writing chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) Write(ctx context.Context, p string, data []byte) error {
	s.once.Do(func() { close(s.writing) })
	<-s.release
	return s.Storage.Write(ctx, p, data)
}

func TestRecorderDropsFramesWhenWriterFallsBehind(t *testing.T) {
	store := &blockingStore{
		Storage: newStore(t),
		writing: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New(store, Config{SegmentDuration: time.Nanosecond, Buffer: 1}, nil)

	require.NoError(t, r.StartRecording("s"))
	r.RecordFrame("s", key(0, 1))
	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.sessions["s"].frames) == 0
	}, 2*time.Second, time.Millisecond)
	r.RecordFrame("s", key(33, 2)) // cuts the first segment, which blocks

	select {
	case <-store.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("segment write did not start")
	}

	r.RecordFrame("s", inter(66, 3)) // fills the buffer
	r.RecordFrame("s", inter(100, 4))
	r.RecordFrame("s", inter(133, 5))

	rec, ok := r.Recording("s")
	require.True(t, ok)
	assert.EqualValues(t, 2, rec.Dropped)

	close(store.release)
	r.StopRecording("s")
	r.Close()
}

func TestSegmentPath(t *testing.T) {
	assert.Equal(t, "abc/segment_7.h264", SegmentPath("abc", 7, FormatH264))
	assert.Equal(t, "abc/segment_7.m4s", SegmentPath("abc", 7, FormatFMP4))
}

func TestNewFallsBackToAnnexB(t *testing.T) {
	r := New(newStore(t), Config{Format: "avi"}, nil)
	assert.Equal(t, FormatH264, r.cfg.Format)
	assert.True(t, ValidFormat(FormatFMP4))
	assert.False(t, ValidFormat(""))
}
