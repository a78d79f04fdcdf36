package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishFiltersBySessionAndTopic(t *testing.T) {
	bus := NewBus()

	all := bus.Subscribe("")
	s1 := bus.Subscribe("s1")
	s1Opened := bus.Subscribe("s1", TopicConnectionOpened)

	bus.Publish(Event{Topic: TopicPairingCode, SessionID: "s1", Code: "QR1"})
	bus.Publish(Event{Topic: TopicConnectionOpened, SessionID: "s1"})
	bus.Publish(Event{Topic: TopicConnectionOpened, SessionID: "s2"})

	assert.Len(t, drain(all), 3)

	got := drain(s1)
	require.Len(t, got, 2)
	assert.Equal(t, "QR1", got[0].Code)
	assert.False(t, got[0].At.IsZero())

	got = drain(s1Opened)
	require.Len(t, got, 1)
	assert.Equal(t, TopicConnectionOpened, got[0].Topic)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s1")
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.SubscriberCount())

	// publishing after unsubscribe must not panic on the closed channel
	bus.Publish(Event{Topic: TopicStatusUpdate, SessionID: "s1"})
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	bus.buffer = 1
	slow := bus.Subscribe("s1")
	fast := bus.Subscribe("s1")

	bus.Publish(Event{Topic: TopicStatusUpdate, SessionID: "s1", Status: "linking"})
	<-fast.C()
	bus.Publish(Event{Topic: TopicStatusUpdate, SessionID: "s1", Status: "connected"})

	got := drain(slow)
	require.Len(t, got, 1)
	assert.Equal(t, "linking", got[0].Status)

	got = drain(fast)
	require.Len(t, got, 1)
	assert.Equal(t, "connected", got[0].Status)
}
