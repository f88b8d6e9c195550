package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"castreceiver/internal/h264"
	"castreceiver/pkg/models"
)

const (
	fmp4Timescale   = 1000 // frame timestamps are milliseconds
	fmp4TrackID     = 1
	defaultFrameDur = 33
)

var errNoParameterSets = errors.New("no SPS/PPS seen yet")

// fmp4Encoder writes one video track. Decode times run on from segment to segment.
type fmp4Encoder struct {
	sps, pps   [][]byte
	decodeTime uint64
	lastDur    uint32
}

// start collects parameter sets from every frame and opens the recording at the first
// keyframe once both are known
func (e *fmp4Encoder) start(frame models.VideoFrame) ([]byte, bool, error) {
	sps, pps := h264.ParameterSets(frame.Payload)
	if len(sps) > 0 {
		e.sps = sps
	}
	if len(pps) > 0 {
		e.pps = pps
	}
	if !frame.IsKeyFrame {
		return nil, false, nil
	}
	if len(e.sps) == 0 || len(e.pps) == 0 {
		return nil, false, errNoParameterSets
	}

	initSeg := mp4.CreateEmptyInit()
	initSeg.AddEmptyTrack(fmp4Timescale, "video", "und")
	if err := initSeg.Moov.Trak.SetAVCDescriptor("avc1", e.sps, e.pps, true); err != nil {
		return nil, false, fmt.Errorf("failed to describe video track: %w", err)
	}

	var buf bytes.Buffer
	if err := initSeg.Encode(&buf); err != nil {
		return nil, false, fmt.Errorf("failed to encode init segment: %w", err)
	}
	e.lastDur = defaultFrameDur
	return buf.Bytes(), true, nil
}

func (e *fmp4Encoder) encode(seq uint64, frames []models.VideoFrame, next int64) ([]byte, error) {
	frag, err := mp4.CreateFragment(uint32(seq+1), fmp4TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment: %w", err)
	}

	for i, f := range frames {
		end := next
		if i+1 < len(frames) {
			end = frames[i+1].Timestamp
		}
		dur := e.lastDur
		if end > f.Timestamp {
			dur = uint32(end - f.Timestamp)
		}
		e.lastDur = dur

		var flags uint32 = mp4.NonSyncSampleFlags
		if f.IsKeyFrame {
			flags = mp4.SyncSampleFlags
		}
		data := lengthPrefixed(f.Payload)
		frag.AddFullSample(mp4.FullSample{
			Sample:     mp4.Sample{Flags: flags, Dur: dur, Size: uint32(len(data))},
			DecodeTime: e.decodeTime,
			Data:       data,
		})
		e.decodeTime += uint64(dur)
	}

	var buf bytes.Buffer
	if err := frag.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode fragment: %w", err)
	}
	return buf.Bytes(), nil
}

// lengthPrefixed converts an Annex-B frame to the 4-byte length form MP4 samples use.
// Access unit delimiters are dropped.
func lengthPrefixed(frame []byte) []byte {
	nalus := h264.SplitAnnexB(frame)
	if len(nalus) == 0 {
		nalus = [][]byte{frame}
	}

	var out []byte
	for _, nal := range nalus {
		if h264.NALType(nal[0]) == h264.NALUnitTypeAUD {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nal)))
		out = append(out, nal...)
	}
	return out
}
