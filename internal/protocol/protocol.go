// Package protocol implements the cast wire format: a 4-byte big-endian length prefix
// followed by a payload whose first byte is the message type.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadSize is the largest payload a peer may send in one message
const MaxPayloadSize = 10 * 1024 * 1024

// LengthFieldSize is the size of the length prefix in bytes
const LengthFieldSize = 4

// Message types
const (
	TypeHandshake  byte = 0x00
	TypeVideoFrame byte = 0x01
	TypeHeartbeat  byte = 0x02
	TypeError      byte = 0xFF
)

// Discovery datagrams
const (
	DiscoveryProbe          = "CAST_DISCOVER"
	DiscoveryResponsePrefix = "CAST_RESPONSE:"
)

// Default ports used by senders
const (
	DefaultCastPort      = 8888
	DefaultDiscoveryPort = 8889
)

var (
	// ErrPayloadTooLarge is returned for length prefixes above MaxPayloadSize
	ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")
	// ErrEmptyMessage is returned for a zero-length payload, which carries no type
	ErrEmptyMessage = errors.New("empty message")
)

// ReadMessage reads one length-prefixed payload from r.
//
// It returns io.EOF only when r ends cleanly before a new message starts. A length above
// MaxPayloadSize is rejected before any of the payload is read.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [LengthFieldSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, size, MaxPayloadSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteMessage writes payload to w with its length prefix in a single Write call
func WriteMessage(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, LengthFieldSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthFieldSize:], payload)

	_, err := w.Write(buf)
	return err
}

// Message is a payload split into its type tag and body
type Message struct {
	Type byte
	Body []byte
}

// ParseMessage splits a payload read by ReadMessage
func ParseMessage(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return Message{}, ErrEmptyMessage
	}
	return Message{Type: payload[0], Body: payload[1:]}, nil
}

// TypeName returns a readable name for a message type
func TypeName(t byte) string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeVideoFrame:
		return "video"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", t)
	}
}
