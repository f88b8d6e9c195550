// Package decoder drives an external video decoder from the frame queue.
package decoder

import (
	"errors"
	"time"

	"castreceiver/pkg/models"
)

var (
	// ErrInputBusy is returned when input is submitted without an acquired input slot
	ErrInputBusy = errors.New("decoder input not available")
	// ErrNotInitialized is returned by a decoder that has not been initialized or was released
	ErrNotInitialized = errors.New("decoder not initialized")
)

// OutputStatus is the result of polling a decoder for output
type OutputStatus int

const (
	OutputNotReady OutputStatus = iota
	OutputReady
	OutputFormatChanged
)

func (s OutputStatus) String() string {
	switch s {
	case OutputReady:
		return "ready"
	case OutputFormatChanged:
		return "format-changed"
	default:
		return "not-ready"
	}
}

// Surface is a rendering target supplied by the host. The orchestrator only passes it
// to the decoder; creating and destroying it is the host's job.
type Surface interface {
	Name() string
}

// NamedSurface is a Surface identified only by name, for decoders that render on their own
type NamedSurface string

// Name returns the surface name
func (s NamedSurface) Name() string { return string(s) }

// Decoder is the decode capability the orchestrator drives.
// The orchestrator never calls it concurrently.
type Decoder interface {
	// Initialize configures the decoder for params and starts it rendering to surface
	Initialize(params models.VideoParams, surface Surface) error
	// AcquireInput waits up to timeout for an input slot
	AcquireInput(timeout time.Duration) bool
	// SubmitInput queues one encoded frame into the acquired slot.
	// An empty payload submits an empty input to keep the decoder polling.
	SubmitInput(payload []byte, timestamp int64) error
	// PollOutput waits up to timeout for a decoded output
	PollOutput(timeout time.Duration) (OutputStatus, error)
	// RenderOutput renders the output reported ready by PollOutput
	RenderOutput() error
	// Release stops the decoder and frees its resources
	Release() error
}
