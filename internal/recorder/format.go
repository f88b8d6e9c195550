package recorder

import (
	"bytes"
	"fmt"

	"castreceiver/pkg/models"
)

// Recording formats
const (
	FormatH264 = "h264" // raw Annex-B segments, playable with ffplay -f h264
	FormatFMP4 = "fmp4" // an init segment plus CMAF fragments
)

// InitName is the fMP4 initialization segment stored next to the fragments
const InitName = "init.mp4"

// ValidFormat reports whether format is a known recording format
func ValidFormat(format string) bool {
	return format == FormatH264 || format == FormatFMP4
}

// SegmentPath returns the storage path of a segment
func SegmentPath(sessionID string, seq uint64, format string) string {
	ext := "h264"
	if format == FormatFMP4 {
		ext = "m4s"
	}
	return fmt.Sprintf("%s/segment_%d.%s", sessionID, seq, ext)
}

// segmentEncoder turns keyframe-aligned runs of frames into stored segments
type segmentEncoder interface {
	// start is offered frames until it accepts one to open the recording. It returns
	// a header to store once, or nil.
	start(frame models.VideoFrame) (header []byte, ok bool, err error)
	// encode renders one segment. next is the timestamp of the frame that follows the
	// segment, or -1 at the end of the session.
	encode(seq uint64, frames []models.VideoFrame, next int64) ([]byte, error)
}

func newEncoder(format string) segmentEncoder {
	if format == FormatFMP4 {
		return &fmp4Encoder{}
	}
	return annexBEncoder{}
}

// annexBEncoder concatenates frame payloads
type annexBEncoder struct{}

func (annexBEncoder) start(frame models.VideoFrame) ([]byte, bool, error) {
	return nil, frame.IsKeyFrame, nil
}

func (annexBEncoder) encode(_ uint64, frames []models.VideoFrame, _ int64) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f.Payload)
	}
	return buf.Bytes(), nil
}
