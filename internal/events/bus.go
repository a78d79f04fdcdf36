// Package events carries session lifecycle notifications from the controller to observers.
package events

import (
	"sync"
	"time"

	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/metrics"
)

// Topic names a kind of lifecycle event
type Topic string

const (
	TopicPairingCode      Topic = "pairing-code"
	TopicConnectionOpened Topic = "connection-opened"
	TopicConnectionClosed Topic = "connection-closed"
	TopicStatusUpdate     Topic = "status-update"
)

// Event is one published notification. Code is set for pairing-code events, Status for
// connection-closed and status-update events.
type Event struct {
	Topic     Topic     `json:"topic"`
	SessionID string    `json:"sessionId"`
	Code      string    `json:"code,omitempty"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Subscription receives events matching its filter until Unsubscribe is called
type Subscription struct {
	bus       *Bus
	sessionID string
	topics    map[Topic]struct{}
	ch        chan Event
	once      sync.Once
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription from the bus and closes its channel
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

func (s *Subscription) matches(ev Event) bool {
	if s.sessionID != "" && s.sessionID != ev.SessionID {
		return false
	}
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[ev.Topic]
	return ok
}

// Bus is an in-process publish/subscribe hub. Publish never blocks: a subscriber whose buffer
// is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	now    func() time.Time
}

// NewBus creates a bus whose subscriptions buffer consts.SubscriberBuffer events
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: consts.SubscriberBuffer,
		now:    time.Now,
	}
}

// Subscribe registers interest in events for sessionID (empty for all sessions) on the given
// topics (none for all topics).
func (b *Bus) Subscribe(sessionID string, topics ...Topic) *Subscription {
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan Event, b.buffer),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every matching subscription. A zero At is set to the current time.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	metrics.RecordBusEvent(string(ev.Topic))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.RecordBusDrop(string(ev.Topic))
			logger.Warn("event bus: subscriber for %q is full, dropping %s", sub.sessionID, ev.Topic)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
