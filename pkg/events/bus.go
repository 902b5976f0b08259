package events

import "sync"

// BusConfig configures an in-memory event bus.
type BusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// Bus is an in-memory publish/subscribe event bus. Subscribers may listen to
// a single event type or to everything; publishing to a full subscriber
// drops the event instead of blocking.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Type][]*busSub // type -> subscribers
	globalSubs []*busSub
	bufSize    int
	closed     bool
}

// NewBus creates an in-memory event bus.
func NewBus(config BusConfig) *Bus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		subs:    make(map[Type][]*busSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers. If the bus is closed,
// the event is silently dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.Type] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a single event type.
func (b *Bus) Subscribe(t Type) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newBusSub(b.bufSize)
	b.subs[t] = append(b.subs[t], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
func (b *Bus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newBusSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	return nil
}

type busSub struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newBusSub(bufSize int) *busSub {
	return &busSub{ch: make(chan Event, bufSize)}
}

func (s *busSub) Events() <-chan Event { return s.ch }

func (s *busSub) Close() error {
	s.close()
	return nil
}

func (s *busSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event, dropping it if the subscriber is full or closed.
func (s *busSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}
