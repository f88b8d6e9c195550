// Package framequeue buffers encoded frames between the network path and the decoder.
//
// The queue is bounded. When it is full, the oldest frame is evicted to make room,
// except that a keyframe at the head is never evicted for a non-keyframe: the incoming
// frame is dropped instead. Losing a keyframe breaks decoding of every frame that refers
// to it, while losing one inter frame is a brief skip.
package framequeue

import (
	"sync"
	"time"

	"castreceiver/pkg/models"
)

const (
	// DefaultCapacity bounds buffering to a few hundred milliseconds of video
	DefaultCapacity = 5
	// DefaultPopTimeout is how long a consumer waits for a frame per attempt
	DefaultPopTimeout = 100 * time.Millisecond
)

// PushResult describes what a push did to the queue.
// Dropping is a normal outcome under backpressure, not an error.
type PushResult struct {
	Accepted bool // false if the incoming frame was dropped
	Evicted  int  // number of queued frames removed to make room
}

// Queue is a bounded FIFO of video frames, safe for one producer and one consumer
// running concurrently.
type Queue struct {
	mu       sync.Mutex
	frames   []models.VideoFrame
	capacity int
	closed   bool

	notify    chan struct{} // 1-slot wake-up for a waiting Pop
	done      chan struct{}
	closeOnce sync.Once

	pushed  uint64
	popped  uint64
	dropped uint64
	evicted uint64
}

// New creates a queue holding at most capacity frames
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		frames:   make([]models.VideoFrame, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push adds frame at the tail, evicting or dropping per the keyframe policy,
// and wakes a waiting consumer.
func (q *Queue) Push(frame models.VideoFrame) PushResult {
	q.mu.Lock()

	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return PushResult{}
	}

	var result PushResult
	for len(q.frames) >= q.capacity {
		if q.frames[0].IsKeyFrame && !frame.IsKeyFrame {
			q.dropped++
			q.mu.Unlock()
			return result
		}
		q.removeHead()
		q.evicted++
		result.Evicted++
	}

	q.frames = append(q.frames, frame)
	q.pushed++
	result.Accepted = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return result
}

// Pop removes and returns the oldest frame, waiting up to timeout for one to arrive.
// It returns false on timeout or once the queue is closed.
func (q *Queue) Pop(timeout time.Duration) (models.VideoFrame, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			frame := q.frames[0]
			q.removeHead()
			q.popped++
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed || timeout <= 0 {
			return models.VideoFrame{}, false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-q.notify:
		case <-q.done:
			return models.VideoFrame{}, false
		case <-timer.C:
			return models.VideoFrame{}, false
		}
	}
}

// removeHead drops the oldest frame. Caller holds mu.
func (q *Queue) removeHead() {
	n := len(q.frames)
	copy(q.frames, q.frames[1:])
	q.frames[n-1] = models.VideoFrame{}
	q.frames = q.frames[:n-1]
}

// Clear discards all buffered frames and returns how many were discarded
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	for i := range q.frames {
		q.frames[i] = models.VideoFrame{}
	}
	q.frames = q.frames[:0]
	return n
}

// Close discards buffered frames and wakes any waiting consumer.
// Later pushes are dropped. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.Clear()
		close(q.done)
	})
}

// Len returns the number of buffered frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Capacity returns the maximum number of buffered frames
func (q *Queue) Capacity() int {
	return q.capacity
}

// Snapshot returns a copy of the buffered frames, oldest first
func (q *Queue) Snapshot() []models.VideoFrame {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.VideoFrame, len(q.frames))
	copy(out, q.frames)
	return out
}

// Stats returns the queue counters
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return models.QueueStats{
		Capacity: q.capacity,
		Length:   len(q.frames),
		Pushed:   q.pushed,
		Popped:   q.popped,
		Dropped:  q.dropped,
		Evicted:  q.evicted,
	}
}
