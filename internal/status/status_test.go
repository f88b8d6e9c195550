package status

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castreceiver/pkg/models"
)

func TestPublisherStartsWaiting(t *testing.T) {
	p := NewPublisher()

	st := p.Current()
	assert.Equal(t, models.ConnectionWaiting, st.Kind)
	assert.False(t, st.Since.IsZero())
	assert.Zero(t, p.Transitions())
}

func TestPublishNotifiesSubscribers(t *testing.T) {
	p := NewPublisher()
	a, cancelA := p.Subscribe(4)
	defer cancelA()
	b, cancelB := p.Subscribe(4)
	defer cancelB()

	p.Publish(models.Connected("10.0.0.2:5000", 1920, 1080, 30))

	for _, ch := range []<-chan models.ConnectionState{a, b} {
		select {
		case st := <-ch:
			assert.Equal(t, models.ConnectionConnected, st.Kind)
			assert.EqualValues(t, 1920, st.Width)
		case <-time.After(time.Second):
			t.Fatal("no notification")
		}
	}
	assert.Equal(t, models.ConnectionConnected, p.Current().Kind)
	assert.EqualValues(t, 1, p.Transitions())
}

func TestSlowSubscriberGetsLatestState(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe(1)
	defer cancel()

	p.Publish(models.Connected("peer", 1280, 720, 30))
	p.Publish(models.Disconnected())

	st := <-ch
	assert.Equal(t, models.ConnectionDisconnected, st.Kind)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra state %s", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPublisher()
	ch, cancel := p.Subscribe(0)
	require.Equal(t, 1, p.SubscriberCount())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, p.SubscriberCount())

	p.Publish(models.Error("boom"))
	assert.Equal(t, "boom", p.Current().Message)
}

func TestConcurrentReadersSeeWholeStates(t *testing.T) {
	p := NewPublisher()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int32(1); i <= 500; i++ {
			p.Publish(models.Connected("peer", i, i*2, 30))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				st := p.Current()
				if st.Kind == models.ConnectionConnected && st.Height != st.Width*2 {
					t.Errorf("torn state %+v", st)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestSlot(t *testing.T) {
	var s Slot

	assert.True(t, s.Acquire("a"))
	assert.True(t, s.Acquire("a"))
	assert.False(t, s.Acquire("b"))
	assert.Equal(t, "a", s.Owner())

	assert.False(t, s.Release("b"))
	assert.True(t, s.Release("a"))
	assert.Empty(t, s.Owner())

	assert.True(t, s.Acquire("b"))
}
