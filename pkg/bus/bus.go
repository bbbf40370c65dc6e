package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus carries inbound messages to the dispatch pipeline, outbound
// send requests to the outbox, and session events to named subscribers.
type MessageBus struct {
	inbound     chan InboundMessage
	outbound    chan OutboundMessage
	subscribers map[uint64]*subscriber
	nextSubID   uint64
	closed      bool
	dropped     droppedCounters
	mu          sync.RWMutex
	publishMu   sync.Mutex
}

type droppedCounters struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
	events   atomic.Uint64
}

type subscriber struct {
	name    string
	events  chan SessionEvent
	handler EventHandler
	done    chan struct{}
}

const (
	publishTimeout       = 100 * time.Millisecond
	defaultEventBuffer   = 64
	defaultMessageBuffer = 100
)

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultMessageBuffer),
		outbound:    make(chan OutboundMessage, defaultMessageBuffer),
		subscribers: make(map[uint64]*subscriber),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.inbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
		case <-timer.C:
			mb.dropped.inbound.Add(1)
		}
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	select {
	case mb.outbound <- msg:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.outbound <- msg:
		case <-timer.C:
			mb.dropped.outbound.Add(1)
		}
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler for session events. Each subscriber has its
// own buffered queue and goroutine, so a slow handler delays only itself.
// Events reach a subscriber in publish order and at most once. The returned
// func unsubscribes and waits for the handler goroutine to exit.
func (mb *MessageBus) Subscribe(name string, buffer int, handler EventHandler) func() {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	sub := &subscriber{
		name:    name,
		events:  make(chan SessionEvent, buffer),
		handler: handler,
		done:    make(chan struct{}),
	}

	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	mb.nextSubID++
	id := mb.nextSubID
	mb.subscribers[id] = sub
	mb.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			mb.mu.Lock()
			if _, ok := mb.subscribers[id]; ok {
				delete(mb.subscribers, id)
				close(sub.events)
			}
			mb.mu.Unlock()
			<-sub.done
		})
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for ev := range s.events {
		if s.handler != nil {
			s.handler(ev)
		}
	}
}

// PublishEvent fans ev out to every subscriber. Publishes are serialized so
// all subscribers observe the same order. A subscriber whose queue stays full
// past the publish timeout misses the event and the drop is counted.
func (mb *MessageBus) PublishEvent(ev SessionEvent) {
	mb.publishMu.Lock()
	defer mb.publishMu.Unlock()

	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}

	for _, sub := range mb.subscribers {
		select {
		case sub.events <- ev:
		default:
			timer := time.NewTimer(publishTimeout)
			select {
			case sub.events <- ev:
			case <-timer.C:
				mb.dropped.events.Add(1)
			}
			timer.Stop()
		}
	}
}

func (mb *MessageBus) Subscribers() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.subscribers)
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
	subs := make([]*subscriber, 0, len(mb.subscribers))
	for id, sub := range mb.subscribers {
		close(sub.events)
		subs = append(subs, sub)
		delete(mb.subscribers, id)
	}
	mb.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.inbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.dropped.outbound.Load()
}

func (mb *MessageBus) DroppedEvents() uint64 {
	return mb.dropped.events.Load()
}
