package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/pkg/models"
)

func TestMessageFramingRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "single byte", payload: []byte{TypeHeartbeat}},
		{name: "video frame", payload: EncodeVideoFrame(42, []byte{0, 0, 0, 1, 0x65, 0x88})},
		{name: "max size", payload: bytes.Repeat([]byte{0xAB}, MaxPayloadSize)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tc.payload))
			assert.Equal(t, LengthFieldSize+len(tc.payload), buf.Len())

			got, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, tc.payload, got)

			_, err = ReadMessage(&buf)
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestReadMessageRejectsOversizeWithoutReadingPayload(t *testing.T) {
	header := make([]byte, LengthFieldSize)
	binary.BigEndian.PutUint32(header, MaxPayloadSize+1)
	r := bytes.NewReader(append(header, 0x01, 0x02, 0x03))

	_, err := ReadMessage(r)

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 3, r.Len(), "payload bytes must be left unread")
}

func TestWriteMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, make([]byte, MaxPayloadSize+1))

	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, buf.Len())
}

func TestReadMessageTruncated(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0, 0}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("payload", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 4, TypeHandshake}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte{TypeVideoFrame, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, TypeVideoFrame, msg.Type)
	assert.Equal(t, []byte{1, 2}, msg.Body)

	_, err = ParseMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHandshakeRoundTrip(t *testing.T) {
	info := models.HandshakeInfo{ProtocolVersion: 1, Width: 1920, Height: 1080, FPS: 30}

	payload := EncodeHandshake(info)
	require.Len(t, payload, 1+HandshakeBodySize)
	assert.Equal(t, TypeHandshake, payload[0])

	got, err := DecodeHandshake(payload[1:])
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.NoError(t, ValidateHandshake(got))
}

func TestDecodeHandshakeMissingBytes(t *testing.T) {
	payload := EncodeHandshake(models.HandshakeInfo{ProtocolVersion: 1, Width: 1280, Height: 720, FPS: 60})

	_, err := DecodeHandshake(payload[1:10])

	assert.ErrorIs(t, err, ErrMalformedHandshake)
}

func TestValidateHandshake(t *testing.T) {
	tests := []struct {
		name string
		info models.HandshakeInfo
	}{
		{name: "zero width", info: models.HandshakeInfo{Width: 0, Height: 720, FPS: 30}},
		{name: "negative height", info: models.HandshakeInfo{Width: 1280, Height: -1, FPS: 30}},
		{name: "zero fps", info: models.HandshakeInfo{Width: 1280, Height: 720}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateHandshake(tc.info), ErrMalformedHandshake)
		})
	}
}

func TestVideoFrameRoundTrip(t *testing.T) {
	frame := []byte{0, 0, 0, 1, 0x41, 0x9A}
	payload := EncodeVideoFrame(-5, frame)

	ts, got, err := DecodeVideoFrame(payload[1:])
	require.NoError(t, err)
	assert.EqualValues(t, -5, ts)
	assert.Equal(t, frame, got)

	_, _, err = DecodeVideoFrame([]byte{0, 1})
	assert.ErrorIs(t, err, ErrMalformedVideoFrame)
}

func TestErrorReply(t *testing.T) {
	payload := EncodeError("bad handshake")
	assert.Equal(t, TypeError, payload[0])
	assert.EqualValues(t, len("bad handshake"), binary.BigEndian.Uint32(payload[1:5]))

	msg, err := DecodeError(payload[1:])
	require.NoError(t, err)
	assert.Equal(t, "bad handshake", msg)

	_, err = DecodeError(payload[1:8])
	assert.True(t, errors.Is(err, ErrMalformedError))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "handshake", TypeName(TypeHandshake))
	assert.Equal(t, "heartbeat", TypeName(TypeHeartbeat))
	assert.Equal(t, "unknown(0x7f)", TypeName(0x7F))
}
