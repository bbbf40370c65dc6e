package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

const bridgeIOTimeout = 10 * time.Second

// Bridge frame types.
const (
	frameHello   = "hello"
	frameSend    = "send"
	frameLogout  = "logout"
	frameQR      = "qr"
	frameOpen    = "open"
	frameCreds   = "creds"
	frameClose   = "close"
	frameMessage = "message"
	frameAck     = "ack"
)

// bridgeFrame is the JSON envelope exchanged with the pairing bridge.
type bridgeFrame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	To          string          `json:"to,omitempty"`
	Text        string          `json:"text,omitempty"`
	Code        string          `json:"code,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	SelfID      string          `json:"self_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	Message     *bridgeMessage  `json:"message,omitempty"`
}

// bridgeMessage is an inbound message as the bridge reports it.
type bridgeMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Chat      string `json:"chat"`
	PushName  string `json:"push_name,omitempty"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Mimetype  string `json:"mimetype,omitempty"`
}

type ackResult struct {
	messageID string
	err       error
}

// BridgeTransport talks to a pairing bridge over a WebSocket. The bridge
// owns the wire protocol of the messaging service; this side only sees
// JSON frames.
type BridgeTransport struct {
	*BaseTransport
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	stream  *eventStream
	selfID  string
	closed  bool
	pending map[string]chan ackResult

	writeMu sync.Mutex
}

func NewBridgeTransport(url string, allowFrom []string) *BridgeTransport {
	return &BridgeTransport{
		BaseTransport: NewBaseTransport("bridge", allowFrom),
		url:           url,
		dialer:        &websocket.Dialer{HandshakeTimeout: bridgeIOTimeout},
		pending:       make(map[string]chan ackResult),
	}
}

func (b *BridgeTransport) Connect(ctx context.Context, creds []byte) (<-chan session.TransportEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge transport closed")
	}
	prev := b.conn
	b.conn = nil
	b.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge websocket: %w", err)
	}

	hello := bridgeFrame{Type: frameHello}
	if len(creds) > 0 {
		hello.Credentials = encodeCredentials(creds)
	}
	if err := writeFrame(conn, &b.writeMu, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	stream := newEventStream()
	b.mu.Lock()
	b.conn = conn
	b.stream = stream
	b.mu.Unlock()

	logger.InfoCF("bridge", "Connected to bridge", map[string]interface{}{
		"url":     b.url,
		"resumed": len(creds) > 0,
	})

	go b.readLoop(conn, stream)
	return stream.ch, nil
}

// encodeCredentials passes JSON blobs through untouched and quotes anything else.
func encodeCredentials(creds []byte) json.RawMessage {
	if json.Valid(creds) {
		return json.RawMessage(creds)
	}
	quoted, _ := json.Marshal(string(creds))
	return quoted
}

func writeFrame(conn *websocket.Conn, mu *sync.Mutex, f bridgeFrame) error {
	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(bridgeIOTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (b *BridgeTransport) readLoop(conn *websocket.Conn, stream *eventStream) {
	defer b.detach(conn)
	for {
		var f bridgeFrame
		if err := conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closing := b.closed || b.conn != conn
			b.mu.Unlock()
			if !closing {
				logger.WarnCF("bridge", "Bridge connection lost", map[string]interface{}{
					"error": err.Error(),
				})
				stream.end(closedEvent(session.ReasonConnectionLost, err))
			} else {
				stream.end(nil)
			}
			return
		}

		switch f.Type {
		case frameQR:
			stream.emit(session.TransportEvent{Type: session.EventQR, QRCode: f.Code})
		case frameOpen:
			b.mu.Lock()
			b.selfID = f.SelfID
			b.mu.Unlock()
			stream.emit(session.TransportEvent{
				Type:        session.EventOpened,
				Credentials: []byte(f.Credentials),
				SelfID:      f.SelfID,
			})
		case frameCreds:
			stream.emit(session.TransportEvent{Type: session.EventCredentialsUpdate, Credentials: []byte(f.Credentials)})
		case frameClose:
			var err error
			if f.Error != "" {
				err = errors.New(f.Error)
			}
			stream.end(closedEvent(closeReason(f.Reason), err))
			_ = conn.Close()
			return
		case frameMessage:
			if f.Message == nil {
				continue
			}
			msg, ok := b.normalize(*f.Message)
			if !ok {
				continue
			}
			stream.emit(session.TransportEvent{Type: session.EventInbound, Message: msg})
		case frameAck:
			b.resolveAck(f)
		default:
			logger.DebugCF("bridge", "Ignoring unknown frame", map[string]interface{}{"type": f.Type})
		}
	}
}

// closeReason maps bridge close reasons onto session close reasons.
func closeReason(raw string) session.CloseReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "logged_out", "loggedout", "logout":
		return session.ReasonLoggedOut
	case "timed_out", "timeout":
		return session.ReasonTimedOut
	case "connection_replaced", "replaced":
		return session.ReasonReplaced
	case "restart_required":
		return session.ReasonRestartRequired
	case "connection_closed":
		return session.ReasonConnectionClosed
	default:
		return session.ReasonConnectionLost
	}
}

func (b *BridgeTransport) normalize(m bridgeMessage) (bus.InboundMessage, bool) {
	if m.From == "" && m.Chat == "" {
		return bus.InboundMessage{}, false
	}
	chat := m.Chat
	if chat == "" {
		chat = m.From
	}
	if !m.FromMe && !b.IsAllowed(m.From) {
		logger.DebugCF("bridge", "Message rejected by allowlist", map[string]interface{}{"from": m.From})
		return bus.InboundMessage{}, false
	}

	kind := bridgeContentKind(m.Type, m.FileName, m.Mimetype)
	ts := time.Now().UTC()
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0).UTC()
	}

	b.mu.Lock()
	selfID := b.selfID
	b.mu.Unlock()

	isGroup := IsGroupChat(chat)
	recipient := selfID
	if isGroup {
		recipient = chat
	}

	return bus.InboundMessage{
		ID:          m.ID,
		SenderID:    m.From,
		SenderName:  m.PushName,
		RecipientID: recipient,
		ChatID:      chat,
		Timestamp:   ts,
		Kind:        kind,
		Text:        DerivedText(kind, m.Text, m.Caption, m.FileName),
		IsFromSelf:  m.FromMe,
		IsGroup:     isGroup,
		Metadata: map[string]string{
			"message_type": m.Type,
		},
	}, true
}

func bridgeContentKind(msgType, filename, mimetype string) bus.ContentKind {
	switch msgType {
	case "conversation", "extendedTextMessage", "text":
		return bus.ContentText
	case "imageMessage", "stickerMessage", "image":
		return bus.ContentImage
	case "videoMessage", "video":
		return bus.ContentVideo
	case "audioMessage", "audio":
		return bus.ContentAudio
	case "documentMessage", "document":
		return bus.ContentDocument
	}
	if filename != "" || mimetype != "" {
		return ContentKindFor(filename, mimetype)
	}
	return bus.ContentOther
}

func (b *BridgeTransport) resolveAck(f bridgeFrame) {
	b.mu.Lock()
	ch, ok := b.pending[f.RequestID]
	delete(b.pending, f.RequestID)
	b.mu.Unlock()
	if !ok {
		return
	}
	res := ackResult{messageID: f.MessageID}
	if f.Error != "" {
		res.err = errors.New(f.Error)
	}
	ch <- res
}

// detach fails pending sends that belong to a finished connection.
func (b *BridgeTransport) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	pending := b.pending
	b.pending = make(map[string]chan ackResult)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: fmt.Errorf("bridge connection closed")}
	}
}

// Send asks the bridge to deliver text and waits for its ack.
func (b *BridgeTransport) Send(ctx context.Context, recipientID, text string) (string, error) {
	if strings.TrimSpace(recipientID) == "" {
		return "", fmt.Errorf("recipient is empty")
	}

	reqID := uuid.NewString()
	ackCh := make(chan ackResult, 1)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return "", fmt.Errorf("bridge not connected")
	}
	b.pending[reqID] = ackCh
	b.mu.Unlock()

	if err := writeFrame(conn, &b.writeMu, bridgeFrame{Type: frameSend, RequestID: reqID, To: recipientID, Text: text}); err != nil {
		b.dropPending(reqID)
		return "", err
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case res := <-ackCh:
		return res.messageID, res.err
	case <-timer.C:
		b.dropPending(reqID)
		return "", fmt.Errorf("send ack timeout")
	case <-ctx.Done():
		b.dropPending(reqID)
		return "", ctx.Err()
	}
}

func (b *BridgeTransport) dropPending(reqID string) {
	b.mu.Lock()
	delete(b.pending, reqID)
	b.mu.Unlock()
}

// Logout asks the bridge to revoke the linked device.
func (b *BridgeTransport) Logout(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	return writeFrame(conn, &b.writeMu, bridgeFrame{Type: frameLogout})
}

func (b *BridgeTransport) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn, stream := b.conn, b.stream
	b.mu.Unlock()

	if stream != nil {
		stream.end(nil)
	}
	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		b.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}
