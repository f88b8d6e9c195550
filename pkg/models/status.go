package models

// QueueStats reports frame queue counters
type QueueStats struct {
	Capacity int    `json:"capacity"`
	Length   int    `json:"length"`
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"` // incoming frames rejected to protect a keyframe
	Evicted  uint64 `json:"evicted"` // queued frames removed to make room
}

// DecoderStats reports the decode orchestrator's lifecycle and counters
type DecoderStats struct {
	State           string `json:"state"`
	Width           int32  `json:"width,omitempty"`
	Height          int32  `json:"height,omitempty"`
	HasSurface      bool   `json:"hasSurface"`
	FramesSubmitted uint64 `json:"framesSubmitted"`
	EmptyInputs     uint64 `json:"emptyInputs"`
	FramesRendered  uint64 `json:"framesRendered"`
	Initializations uint64 `json:"initializations"`
	Failures        uint64 `json:"failures"`
}

// StatusResponse is the JSON view of the receiver served to UI collaborators
type StatusResponse struct {
	DeviceName string          `json:"deviceName"`
	Connection ConnectionState `json:"connection"`
	Server     string          `json:"server"`
	Queue      QueueStats      `json:"queue"`
	Decoder    DecoderStats    `json:"decoder"`
	Recording  bool            `json:"recording"`
	UptimeSec  int             `json:"uptime"`
}
