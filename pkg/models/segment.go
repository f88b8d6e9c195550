package models

import "time"

// Segment is a stored chunk of a recorded cast session.
// Every segment starts with a keyframe so it can be played on its own.
type Segment struct {
	SessionID   string    `json:"sessionId"`
	SequenceNum uint64    `json:"sequence"`
	Frames      int       `json:"frames"`
	Duration    float64   `json:"duration"` // seconds, from frame timestamps
	FilePath    string    `json:"path"`
	FileSize    int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Recording describes the segments kept for one session
type Recording struct {
	SessionID   string     `json:"sessionId"`
	Format      string     `json:"format"`
	InitPath    string     `json:"init,omitempty"`
	Active      bool       `json:"active"`
	StartedAt   time.Time  `json:"startedAt"`
	Segments    []*Segment `json:"segments"`
	MaxSegments int        `json:"maxSegments"`
	Dropped     uint64     `json:"droppedFrames"`
}

// AddSegment appends a segment and returns the ones that fell out of the sliding window
func (r *Recording) AddSegment(seg *Segment) []*Segment {
	r.Segments = append(r.Segments, seg)
	if r.MaxSegments <= 0 || len(r.Segments) <= r.MaxSegments {
		return nil
	}

	n := len(r.Segments) - r.MaxSegments
	evicted := make([]*Segment, n)
	copy(evicted, r.Segments[:n])
	r.Segments = append([]*Segment(nil), r.Segments[n:]...)
	return evicted
}
