package h264

import (
	"encoding/binary"
	"fmt"
)

const flvCodecAVC = 7

// FLVVideoPacket is the parsed header of an FLV VIDEODATA tag body carrying H.264
type FLVVideoPacket struct {
	KeyFrame        bool
	SequenceHeader  bool  // AVCPacketType 0: payload is an AVCDecoderConfigurationRecord
	CompositionTime int32 // PTS offset in milliseconds
	Data            []byte
}

// ParseFLVVideoPacket splits an RTMP video message into its FLV header fields and AVC data.
//
//	byte 0    frame type (4 bits) | codec id (4 bits)
//	byte 1    AVCPacketType
//	byte 2-4  composition time (signed 24-bit)
//	byte 5-   AVC data
func ParseFLVVideoPacket(data []byte) (*FLVVideoPacket, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("video packet too short: %d bytes", len(data))
	}

	frameType := data[0] >> 4
	codecID := data[0] & 0x0F
	if codecID != flvCodecAVC {
		return nil, fmt.Errorf("not H.264/AVC codec: %d", codecID)
	}

	cts := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	if cts&0x800000 != 0 {
		cts -= 1 << 24
	}

	return &FLVVideoPacket{
		KeyFrame:        frameType == 1,
		SequenceHeader:  data[1] == 0,
		CompositionTime: cts,
		Data:            data[5:],
	}, nil
}

// DecoderConfig is an AVCDecoderConfigurationRecord (ISO/IEC 14496-15 §5.2.4.1)
type DecoderConfig struct {
	Version       uint8
	Profile       uint8
	Compatibility uint8
	Level         uint8
	NALUnitLength uint8
	SPS           [][]byte
	PPS           [][]byte
}

// ParseDecoderConfig parses the AVC sequence header sent before the first frame
func ParseDecoderConfig(data []byte) (*DecoderConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	cfg := &DecoderConfig{
		Version:       data[0],
		Profile:       data[1],
		Compatibility: data[2],
		Level:         data[3],
		NALUnitLength: data[4]&0x03 + 1,
	}

	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	var err error
	cfg.SPS, offset, err = readParameterSets(data, offset, numSPS, "SPS")
	if err != nil {
		return nil, err
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("missing PPS count at offset %d", offset)
	}
	numPPS := int(data[offset])
	offset++

	cfg.PPS, _, err = readParameterSets(data, offset, numPPS, "PPS")
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func readParameterSets(data []byte, offset, count int, kind string) ([][]byte, int, error) {
	sets := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, offset, fmt.Errorf("failed to read %s length at offset %d", kind, offset)
		}
		size := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+size > len(data) {
			return nil, offset, fmt.Errorf("failed to read %s data: need %d bytes, have %d", kind, size, len(data)-offset)
		}
		sets = append(sets, data[offset:offset+size])
		offset += size
	}
	return sets, offset, nil
}
