package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{SenderID: "u", ChatID: "c", Text: "msg"})
	}

	mb.PublishInbound(InboundMessage{SenderID: "u", ChatID: "c", Text: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{RecipientID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{RecipientID: "c", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *recorder) handle(ev SessionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionEvent(nil), r.events...)
}

func TestMessageBus_EventsDeliveredInOrderToEverySubscriber(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	var a, b recorder
	unsubA := mb.Subscribe("a", 0, a.handle)
	unsubB := mb.Subscribe("b", 0, b.handle)

	for i := 0; i < 20; i++ {
		mb.PublishEvent(SessionEvent{Kind: EventSessionClosing, Attempt: i})
	}
	unsubA()
	unsubB()

	for _, r := range []*recorder{&a, &b} {
		got := r.snapshot()
		require.Len(t, got, 20)
		for i, ev := range got {
			assert.Equal(t, i, ev.Attempt)
		}
	}
}

func TestMessageBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	release := make(chan struct{})
	mb.Subscribe("slow", 1, func(SessionEvent) { <-release })

	var fast recorder
	unsub := mb.Subscribe("fast", 16, fast.handle)

	for i := 0; i < 4; i++ {
		mb.PublishEvent(SessionEvent{Kind: EventSessionOpened, Attempt: i})
	}
	close(release)
	unsub()

	assert.Len(t, fast.snapshot(), 4)
	assert.Greater(t, mb.DroppedEvents(), uint64(0))
}

func TestMessageBus_UnsubscribeStopsDelivery(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	var r recorder
	unsub := mb.Subscribe("r", 0, r.handle)
	mb.PublishEvent(SessionEvent{Kind: EventPairing})
	unsub()
	unsub()
	mb.PublishEvent(SessionEvent{Kind: EventSessionOpened})

	got := r.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, EventPairing, got[0].Kind)
	assert.Equal(t, 0, mb.Subscribers())
}

func TestMessageBus_SubscribeAfterCloseIsNoop(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	called := make(chan struct{}, 1)
	unsub := mb.Subscribe("late", 0, func(SessionEvent) { called <- struct{}{} })
	mb.PublishEvent(SessionEvent{Kind: EventSessionTerminated})
	unsub()

	select {
	case <-called:
		t.Fatal("handler should not run after close")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInboundMessage_ReplyTarget(t *testing.T) {
	assert.Equal(t, "group-1", InboundMessage{SenderID: "u", ChatID: "group-1"}.ReplyTarget())
	assert.Equal(t, "u", InboundMessage{SenderID: "u"}.ReplyTarget())
}
