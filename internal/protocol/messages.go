package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"castreceiver/pkg/models"
)

// HandshakeBodySize is the size of version, width, height and fps
const HandshakeBodySize = 16

var (
	// ErrMalformedHandshake is returned when handshake fields are missing or invalid
	ErrMalformedHandshake = errors.New("malformed handshake")
	// ErrMalformedVideoFrame is returned when a video message has no timestamp
	ErrMalformedVideoFrame = errors.New("malformed video frame")
	// ErrMalformedError is returned when an error reply is truncated
	ErrMalformedError = errors.New("malformed error reply")
)

// Single-byte replies
var (
	HandshakeAck = []byte{TypeHandshake}
	HeartbeatAck = []byte{TypeHeartbeat}
)

// EncodeHandshake builds a handshake payload as senders do
func EncodeHandshake(info models.HandshakeInfo) []byte {
	buf := make([]byte, 1+HandshakeBodySize)
	buf[0] = TypeHandshake
	binary.BigEndian.PutUint32(buf[1:], uint32(info.ProtocolVersion))
	binary.BigEndian.PutUint32(buf[5:], uint32(info.Width))
	binary.BigEndian.PutUint32(buf[9:], uint32(info.Height))
	binary.BigEndian.PutUint32(buf[13:], uint32(info.FPS))
	return buf
}

// DecodeHandshake parses a handshake body (the payload after the type byte).
// Trailing bytes are ignored.
func DecodeHandshake(body []byte) (models.HandshakeInfo, error) {
	if len(body) < HandshakeBodySize {
		return models.HandshakeInfo{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedHandshake, HandshakeBodySize, len(body))
	}

	return models.HandshakeInfo{
		ProtocolVersion: int32(binary.BigEndian.Uint32(body[0:4])),
		Width:           int32(binary.BigEndian.Uint32(body[4:8])),
		Height:          int32(binary.BigEndian.Uint32(body[8:12])),
		FPS:             int32(binary.BigEndian.Uint32(body[12:16])),
	}, nil
}

// ValidateHandshake rejects stream parameters no decoder can be configured with
func ValidateHandshake(info models.HandshakeInfo) error {
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Errorf("%w: invalid resolution %dx%d", ErrMalformedHandshake, info.Width, info.Height)
	}
	if info.FPS <= 0 {
		return fmt.Errorf("%w: invalid frame rate %d", ErrMalformedHandshake, info.FPS)
	}
	return nil
}

// EncodeVideoFrame builds a video frame payload as senders do
func EncodeVideoFrame(timestamp int32, frame []byte) []byte {
	buf := make([]byte, 5+len(frame))
	buf[0] = TypeVideoFrame
	binary.BigEndian.PutUint32(buf[1:], uint32(timestamp))
	copy(buf[5:], frame)
	return buf
}

// DecodeVideoFrame parses a video frame body into its timestamp and encoded frame.
// The returned frame aliases body.
func DecodeVideoFrame(body []byte) (int32, []byte, error) {
	if len(body) < 4 {
		return 0, nil, fmt.Errorf("%w: need 4 timestamp bytes, got %d", ErrMalformedVideoFrame, len(body))
	}
	return int32(binary.BigEndian.Uint32(body[0:4])), body[4:], nil
}

// EncodeError builds an error reply: type 0xFF, a 4-byte message length, the UTF-8 message
func EncodeError(message string) []byte {
	msg := []byte(strings.ToValidUTF8(message, "\uFFFD"))
	if len(msg) > MaxPayloadSize-5 {
		msg = msg[:MaxPayloadSize-5]
	}

	buf := make([]byte, 5+len(msg))
	buf[0] = TypeError
	binary.BigEndian.PutUint32(buf[1:], uint32(len(msg)))
	copy(buf[5:], msg)
	return buf
}

// DecodeError parses an error reply body (the payload after the type byte)
func DecodeError(body []byte) (string, error) {
	if len(body) < 4 {
		return "", fmt.Errorf("%w: missing length", ErrMalformedError)
	}
	size := int(binary.BigEndian.Uint32(body[0:4]))
	if size > len(body)-4 {
		return "", fmt.Errorf("%w: length %d exceeds %d available bytes", ErrMalformedError, size, len(body)-4)
	}
	return string(body[4 : 4+size]), nil
}
