package models

import (
	"fmt"
	"time"
)

// ConnectionKind names the variant of a ConnectionState
type ConnectionKind string

const (
	ConnectionWaiting      ConnectionKind = "waiting"
	ConnectionConnected    ConnectionKind = "connected"
	ConnectionDisconnected ConnectionKind = "disconnected"
	ConnectionError        ConnectionKind = "error"
)

// ConnectionState is the receiver's externally visible connection status.
// Only the fields belonging to Kind are meaningful.
type ConnectionState struct {
	Kind       ConnectionKind `json:"state"`
	DeviceName string         `json:"deviceName,omitempty"` // Connected
	Width      int32          `json:"width,omitempty"`      // Connected
	Height     int32          `json:"height,omitempty"`     // Connected
	FPS        int32          `json:"fps,omitempty"`        // Connected
	Message    string         `json:"message,omitempty"`    // Error
	Since      time.Time      `json:"since"`                // Set by the publisher
}

// Waiting is the state before any sender has connected
func Waiting() ConnectionState {
	return ConnectionState{Kind: ConnectionWaiting}
}

// Connected is the state after a successful handshake
func Connected(deviceName string, width, height, fps int32) ConnectionState {
	return ConnectionState{
		Kind:       ConnectionConnected,
		DeviceName: deviceName,
		Width:      width,
		Height:     height,
		FPS:        fps,
	}
}

// Disconnected is the state after the sender closed its connection
func Disconnected() ConnectionState {
	return ConnectionState{Kind: ConnectionDisconnected}
}

// Error is the state after a session was torn down by a failure
func Error(message string) ConnectionState {
	return ConnectionState{Kind: ConnectionError, Message: message}
}

// IsConnected reports whether a sender is streaming
func (s ConnectionState) IsConnected() bool {
	return s.Kind == ConnectionConnected
}

// Params returns the video parameters of a Connected state
func (s ConnectionState) Params() VideoParams {
	return VideoParams{Width: s.Width, Height: s.Height, FPS: s.FPS}
}

func (s ConnectionState) String() string {
	switch s.Kind {
	case ConnectionConnected:
		return fmt.Sprintf("connected(%s %dx%d@%d)", s.DeviceName, s.Width, s.Height, s.FPS)
	case ConnectionError:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return string(s.Kind)
	}
}
