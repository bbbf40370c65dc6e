package session

import (
	"context"

	"github.com/dotsetgreg/relaybot/pkg/bus"
)

// EventType tags a TransportEvent.
type EventType int

const (
	EventQR EventType = iota
	EventOpened
	EventCredentialsUpdate
	EventClosed
	EventInbound
)

// TransportEvent is one item of the stream returned by Transport.Connect.
type TransportEvent struct {
	Type        EventType
	QRCode      string
	Credentials []byte
	SelfID      string
	Reason      CloseReason
	Err         error
	Message     bus.InboundMessage
}

// Transport is the wire-level connection to the messaging service.
// Each Connect opens a fresh connection and returns its event stream; the
// stream is closed when the connection ends.
type Transport interface {
	Name() string
	Connect(ctx context.Context, creds []byte) (<-chan TransportEvent, error)
	Send(ctx context.Context, recipientID, text string) (string, error)
	Close() error
}

// Logouter is implemented by transports that can revoke the session remotely.
type Logouter interface {
	Logout(ctx context.Context) error
}

// PairingPresenter shows a pairing challenge to the operator.
type PairingPresenter interface {
	PresentPairing(code string)
}

// PairingPresenterFunc adapts a func to PairingPresenter.
type PairingPresenterFunc func(code string)

func (f PairingPresenterFunc) PresentPairing(code string) { f(code) }
