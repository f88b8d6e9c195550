// Package status holds the receiver's shared connection state.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"castreceiver/pkg/models"
)

// Publisher owns the current ConnectionState and notifies subscribers of transitions.
// Readers always see a complete state value.
type Publisher struct {
	current atomic.Pointer[models.ConnectionState]

	mu          sync.Mutex // serializes Publish and subscriber changes
	subscribers map[uint64]chan models.ConnectionState
	nextID      uint64
	transitions uint64

	now func() time.Time
}

// NewPublisher creates a publisher in the Waiting state
func NewPublisher() *Publisher {
	p := &Publisher{
		subscribers: make(map[uint64]chan models.ConnectionState),
		now:         time.Now,
	}
	initial := models.Waiting()
	initial.Since = p.now()
	p.current.Store(&initial)
	return p
}

// Current returns the latest published state
func (p *Publisher) Current() models.ConnectionState {
	return *p.current.Load()
}

// Publish replaces the current state and notifies subscribers.
// A subscriber that has not consumed its previous notification gets the newest state
// in its place.
func (p *Publisher) Publish(state models.ConnectionState) {
	state.Since = p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.current.Store(&state)
	p.transitions++

	for _, ch := range p.subscribers {
		select {
		case ch <- state:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}

// Subscribe returns a channel of state transitions and a function that ends the
// subscription and closes the channel.
func (p *Publisher) Subscribe(buffer int) (<-chan models.ConnectionState, func()) {
	if buffer < 1 {
		buffer = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan models.ConnectionState, buffer)
	p.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Transitions returns how many states have been published
func (p *Publisher) Transitions() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitions
}

// SubscriberCount returns the number of active subscriptions
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
