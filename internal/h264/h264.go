// Package h264 holds the small amount of H.264 bitstream knowledge the receiver needs:
// keyframe classification of sender payloads, the AVCC/FLV to Annex-B conversion used
// by the RTMP ingest and NAL unit splitting for fMP4 recordings.
package h264

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit types
const (
	NALUnitTypeNonIDR = 1
	NALUnitTypeIDR    = 5
	NALUnitTypeSEI    = 6
	NALUnitTypeSPS    = 7
	NALUnitTypePPS    = 8
	NALUnitTypeAUD    = 9
)

// Annex-B start codes
var (
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// ErrEmptyAVCC is returned when there is nothing to convert
var ErrEmptyAVCC = errors.New("empty AVCC data")

// IsKeyFrame classifies a sender payload the way cast senders frame it: a 4-byte start
// code followed by the first NAL header, whose low 5 bits are 5 for an IDR slice.
func IsKeyFrame(payload []byte) bool {
	return len(payload) > 4 && payload[4]&0x1F == NALUnitTypeIDR
}

// NALType returns the type of the NAL unit whose header byte is b
func NALType(b byte) uint8 {
	return b & 0x1F
}

// ConvertAVCCToAnnexB converts length-prefixed NAL units (4-byte big-endian lengths, as
// carried by RTMP/FLV) to start-code-prefixed Annex-B.
//
//	[len][NAL][len][NAL]...  ->  [00 00 00 01][NAL][00 00 01][NAL]...
//
// Parameter sets and IDR slices get the 4-byte start code, everything else the 3-byte one.
func ConvertAVCCToAnnexB(avcc []byte) ([]byte, error) {
	if len(avcc) == 0 {
		return nil, ErrEmptyAVCC
	}

	var out bytes.Buffer
	out.Grow(len(avcc) + 8)
	offset := 0
	nalCount := 0

	for offset+4 <= len(avcc) {
		size := int(binary.BigEndian.Uint32(avcc[offset : offset+4]))
		offset += 4
		if size == 0 {
			continue
		}
		if offset+size > len(avcc) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", size, offset-4)
		}

		nal := avcc[offset : offset+size]
		offset += size

		switch NALType(nal[0]) {
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeIDR:
			out.Write(StartCode4)
		default:
			out.Write(StartCode3)
		}
		out.Write(nal)
		nalCount++
	}

	if nalCount == 0 {
		return nil, fmt.Errorf("no NAL units found in %d bytes of AVCC data", len(avcc))
	}
	return out.Bytes(), nil
}

// PrependParameterSets writes SPS and PPS in Annex-B form ahead of frame.
// Keyframes need them so a decoder can start from that frame after a gap.
func PrependParameterSets(frame []byte, sps, pps [][]byte) []byte {
	size := len(frame)
	for _, s := range sps {
		size += len(StartCode4) + len(s)
	}
	for _, p := range pps {
		size += len(StartCode4) + len(p)
	}

	out := make([]byte, 0, size)
	for _, s := range sps {
		out = append(out, StartCode4...)
		out = append(out, s...)
	}
	for _, p := range pps {
		out = append(out, StartCode4...)
		out = append(out, p...)
	}
	return append(out, frame...)
}

// SplitAnnexB returns the NAL units of an Annex-B stream without their start codes
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	for i := 0; i+3 <= len(data); {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			nalus = appendNALU(nalus, data[start:i])
		}
		i += 3
		start = i
	}
	if start >= 0 {
		nalus = appendNALU(nalus, data[start:])
	}
	return nalus
}

// appendNALU drops the zero byte a following 4-byte start code leaves behind
func appendNALU(nalus [][]byte, nal []byte) [][]byte {
	nal = bytes.TrimRight(nal, "\x00")
	if len(nal) == 0 {
		return nalus
	}
	return append(nalus, nal)
}

// ParameterSets returns the SPS and PPS NAL units carried in an Annex-B frame
func ParameterSets(frame []byte) (sps, pps [][]byte) {
	for _, nal := range SplitAnnexB(frame) {
		switch NALType(nal[0]) {
		case NALUnitTypeSPS:
			sps = append(sps, nal)
		case NALUnitTypePPS:
			pps = append(pps, nal)
		}
	}
	return sps, pps
}
