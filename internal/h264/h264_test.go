package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKeyFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{name: "idr", payload: []byte{0, 0, 0, 1, 0x65, 0x88}, want: true},
		{name: "idr with nri bits clear", payload: []byte{0, 0, 0, 1, 0x05}, want: true},
		{name: "non-idr slice", payload: []byte{0, 0, 0, 1, 0x41, 0x9A}},
		{name: "sps first", payload: []byte{0, 0, 0, 1, 0x67, 0x42}},
		{name: "exactly four bytes", payload: []byte{0, 0, 0, 1}},
		{name: "empty", payload: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsKeyFrame(tc.payload))
		})
	}
}

func TestConvertAVCCToAnnexB(t *testing.T) {
	avcc := []byte{
		0, 0, 0, 2, 0x65, 0xAA, // IDR
		0, 0, 0, 0, // empty NAL, skipped
		0, 0, 0, 3, 0x06, 0x01, 0x02, // SEI
	}

	got, err := ConvertAVCCToAnnexB(avcc)
	require.NoError(t, err)

	want := []byte{
		0, 0, 0, 1, 0x65, 0xAA,
		0, 0, 1, 0x06, 0x01, 0x02,
	}
	assert.Equal(t, want, got)
}

func TestConvertAVCCToAnnexBErrors(t *testing.T) {
	_, err := ConvertAVCCToAnnexB(nil)
	assert.ErrorIs(t, err, ErrEmptyAVCC)

	_, err = ConvertAVCCToAnnexB([]byte{0, 0, 0, 9, 0x41})
	assert.ErrorContains(t, err, "exceeds buffer")

	_, err = ConvertAVCCToAnnexB([]byte{0, 0, 0, 0})
	assert.ErrorContains(t, err, "no NAL units")
}

func TestPrependParameterSets(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0x65, 0x01}
	sps := [][]byte{{0x67, 0x64}}
	pps := [][]byte{{0x68, 0xEE}}

	got := PrependParameterSets(frame, sps, pps)

	want := []byte{
		0, 0, 0, 1, 0x67, 0x64,
		0, 0, 0, 1, 0x68, 0xEE,
		0, 0, 0, 1, 0x65, 0x01,
	}
	assert.Equal(t, want, got)
	assert.Equal(t, uint8(NALUnitTypeSPS), NALType(got[4]))
}

func TestParseFLVVideoPacket(t *testing.T) {
	t.Run("keyframe nalu", func(t *testing.T) {
		pkt, err := ParseFLVVideoPacket([]byte{0x17, 0x01, 0x00, 0x00, 0x21, 0xDE, 0xAD})
		require.NoError(t, err)
		assert.True(t, pkt.KeyFrame)
		assert.False(t, pkt.SequenceHeader)
		assert.EqualValues(t, 33, pkt.CompositionTime)
		assert.Equal(t, []byte{0xDE, 0xAD}, pkt.Data)
	})

	t.Run("sequence header", func(t *testing.T) {
		pkt, err := ParseFLVVideoPacket([]byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01})
		require.NoError(t, err)
		assert.True(t, pkt.SequenceHeader)
	})

	t.Run("inter frame with negative composition time", func(t *testing.T) {
		pkt, err := ParseFLVVideoPacket([]byte{0x27, 0x01, 0xFF, 0xFF, 0xFE})
		require.NoError(t, err)
		assert.False(t, pkt.KeyFrame)
		assert.EqualValues(t, -2, pkt.CompositionTime)
		assert.Empty(t, pkt.Data)
	})

	t.Run("not avc", func(t *testing.T) {
		_, err := ParseFLVVideoPacket([]byte{0x12, 0x01, 0, 0, 0})
		assert.ErrorContains(t, err, "not H.264")
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ParseFLVVideoPacket([]byte{0x17, 0x01})
		assert.Error(t, err)
	})
}

func TestParseDecoderConfig(t *testing.T) {
	record := []byte{
		0x01, 0x64, 0x00, 0x1F, 0xFF, // version, profile, compat, level, 4-byte lengths
		0xE1, 0x00, 0x03, 0x67, 0x64, 0x00, // one SPS
		0x01, 0x00, 0x02, 0x68, 0xEE, // one PPS
	}

	cfg, err := ParseDecoderConfig(record)
	require.NoError(t, err)

	assert.EqualValues(t, 0x64, cfg.Profile)
	assert.EqualValues(t, 0x1F, cfg.Level)
	assert.EqualValues(t, 4, cfg.NALUnitLength)
	assert.Equal(t, [][]byte{{0x67, 0x64, 0x00}}, cfg.SPS)
	assert.Equal(t, [][]byte{{0x68, 0xEE}}, cfg.PPS)
}

func TestParseDecoderConfigTruncated(t *testing.T) {
	_, err := ParseDecoderConfig([]byte{0x01, 0x64, 0x00})
	assert.Error(t, err)

	_, err = ParseDecoderConfig([]byte{0x01, 0x64, 0x00, 0x1F, 0xFF, 0xE1, 0x00, 0x09, 0x67})
	assert.ErrorContains(t, err, "SPS")

	_, err = ParseDecoderConfig([]byte{0x01, 0x64, 0x00, 0x1F, 0xFF, 0xE0, 0x01})
	assert.ErrorContains(t, err, "PPS")
}

func TestSplitAnnexB(t *testing.T) {
	stream := []byte{
		0, 0, 0, 1, 0x67, 0x42,
		0, 0, 1, 0x68, 0xCE,
		0, 0, 0, 1, 0x65, 0x88, 0x00,
	}

	assert.Equal(t, [][]byte{{0x67, 0x42}, {0x68, 0xCE}, {0x65, 0x88}}, SplitAnnexB(stream))
	assert.Empty(t, SplitAnnexB([]byte{0x65, 0x88}))
	assert.Empty(t, SplitAnnexB([]byte{0, 0, 0, 1}))
}

func TestParameterSets(t *testing.T) {
	frame := PrependParameterSets([]byte{0, 0, 0, 1, 0x65, 0x01}, [][]byte{{0x67, 0x64}}, [][]byte{{0x68, 0xEE}})

	sps, pps := ParameterSets(frame)
	assert.Equal(t, [][]byte{{0x67, 0x64}}, sps)
	assert.Equal(t, [][]byte{{0x68, 0xEE}}, pps)

	sps, pps = ParameterSets([]byte{0, 0, 0, 1, 0x41, 0x9A})
	assert.Empty(t, sps)
	assert.Empty(t, pps)
}
