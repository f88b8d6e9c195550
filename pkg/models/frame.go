package models

// VideoFrame is one encoded video frame received from a sender.
// Payload is an H.264 Annex-B access unit and must not be modified after creation.
type VideoFrame struct {
	Payload    []byte // Encoded frame bytes
	Timestamp  int64  // Sender timestamp in milliseconds
	IsKeyFrame bool   // true if this frame is an IDR frame
}

// HandshakeInfo carries the stream parameters announced by a sender
type HandshakeInfo struct {
	ProtocolVersion int32
	Width           int32
	Height          int32
	FPS             int32
}

// VideoParams are the parameters a decoder is configured with
type VideoParams struct {
	Width  int32
	Height int32
	FPS    int32
}

// Params returns the video parameters announced in the handshake
func (h HandshakeInfo) Params() VideoParams {
	return VideoParams{Width: h.Width, Height: h.Height, FPS: h.FPS}
}
