package bus

import "time"

// ContentKind classifies the payload of an inbound message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
	ContentOther    ContentKind = "other"
)

// InboundMessage is a normalized message received from the transport.
// Values are treated as immutable once published.
type InboundMessage struct {
	ID          string            `json:"id"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	RecipientID string            `json:"recipient_id"`
	ChatID      string            `json:"chat_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Kind        ContentKind       `json:"kind"`
	Text        string            `json:"text"`
	IsFromSelf  bool              `json:"is_from_self"`
	IsGroup     bool              `json:"is_group"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ReplyTarget is where a reply to m should go: the chat it arrived in.
func (m InboundMessage) ReplyTarget() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.SenderID
}

// OutboundMessage is a send request queued for the outbox.
type OutboundMessage struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	Source      string `json:"source,omitempty"`
}

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventPairing           EventKind = "session.pairing"
	EventSessionOpened     EventKind = "session.opened"
	EventSessionClosing    EventKind = "session.closing"
	EventSessionTerminated EventKind = "session.terminated"
)

// SessionEvent describes one session state transition.
type SessionEvent struct {
	Kind     EventKind `json:"kind"`
	Previous string    `json:"previous"`
	State    string    `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Attempt  int       `json:"attempt"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// EventHandler receives session events on a subscriber's own goroutine.
type EventHandler func(SessionEvent)
