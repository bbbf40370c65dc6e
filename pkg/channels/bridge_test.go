package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

// fakeBridge upgrades one connection at a time and hands it to script.
func fakeBridge(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade websocket: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, ch <-chan session.TransportEvent) session.TransportEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return session.TransportEvent{}
	}
}

func TestBridgeTransport_PairingAndMessages(t *testing.T) {
	helloCh := make(chan bridgeFrame, 1)
	sentCh := make(chan bridgeFrame, 1)

	url := fakeBridge(t, func(conn *websocket.Conn) {
		var hello bridgeFrame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		helloCh <- hello

		_ = conn.WriteJSON(bridgeFrame{Type: frameQR, Code: "pair-me"})
		_ = conn.WriteJSON(bridgeFrame{Type: frameOpen, SelfID: "bot@s.whatsapp.net", Credentials: []byte(`{"k":1}`)})
		_ = conn.WriteJSON(bridgeFrame{Type: frameMessage, Message: &bridgeMessage{
			ID: "m1", From: "9665@s.whatsapp.net", Chat: "9665@s.whatsapp.net",
			Type: "conversation", Text: "hello", Timestamp: 1700000000, PushName: "Sam",
		}})
		_ = conn.WriteJSON(bridgeFrame{Type: frameMessage, Message: &bridgeMessage{
			ID: "m2", From: "9665@s.whatsapp.net", Chat: "team@g.us",
			Type: "imageMessage", Caption: "look",
		}})

		var send bridgeFrame
		if err := conn.ReadJSON(&send); err != nil {
			return
		}
		sentCh <- send
		_ = conn.WriteJSON(bridgeFrame{Type: frameAck, RequestID: send.RequestID, MessageID: "wa-1"})

		var f bridgeFrame
		_ = conn.ReadJSON(&f)
	})

	tr := NewBridgeTransport(url, nil)
	defer tr.Close()

	events, err := tr.Connect(context.Background(), nil)
	require.NoError(t, err)

	hello := <-helloCh
	assert.Equal(t, frameHello, hello.Type)
	assert.Empty(t, hello.Credentials)

	ev := nextEvent(t, events)
	assert.Equal(t, session.EventQR, ev.Type)
	assert.Equal(t, "pair-me", ev.QRCode)

	ev = nextEvent(t, events)
	assert.Equal(t, session.EventOpened, ev.Type)
	assert.JSONEq(t, `{"k":1}`, string(ev.Credentials))

	ev = nextEvent(t, events)
	require.Equal(t, session.EventInbound, ev.Type)
	assert.Equal(t, "hello", ev.Message.Text)
	assert.Equal(t, bus.ContentText, ev.Message.Kind)
	assert.Equal(t, "bot@s.whatsapp.net", ev.Message.RecipientID)
	assert.False(t, ev.Message.IsGroup)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Message.Timestamp)

	ev = nextEvent(t, events)
	require.Equal(t, session.EventInbound, ev.Type)
	assert.Equal(t, bus.ContentImage, ev.Message.Kind)
	assert.Equal(t, "look", ev.Message.Text)
	assert.True(t, ev.Message.IsGroup)
	assert.Equal(t, "team@g.us", ev.Message.ReplyTarget())

	id, err := tr.Send(context.Background(), "9665@s.whatsapp.net", "hi back")
	require.NoError(t, err)
	assert.Equal(t, "wa-1", id)

	send := <-sentCh
	assert.Equal(t, frameSend, send.Type)
	assert.Equal(t, "hi back", send.Text)
	assert.NotEmpty(t, send.RequestID)
}

func TestBridgeTransport_ResumeSendsCredentials(t *testing.T) {
	helloCh := make(chan bridgeFrame, 1)
	url := fakeBridge(t, func(conn *websocket.Conn) {
		var hello bridgeFrame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		helloCh <- hello
		var f bridgeFrame
		_ = conn.ReadJSON(&f)
	})

	tr := NewBridgeTransport(url, nil)
	defer tr.Close()

	_, err := tr.Connect(context.Background(), []byte(`{"session":"abc"}`))
	require.NoError(t, err)
	hello := <-helloCh
	assert.JSONEq(t, `{"session":"abc"}`, string(hello.Credentials))
}

func TestBridgeTransport_CloseFrameMapsReason(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		var hello bridgeFrame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(bridgeFrame{Type: frameClose, Reason: "logged_out"})
		time.Sleep(50 * time.Millisecond)
	})

	tr := NewBridgeTransport(url, nil)
	defer tr.Close()

	events, err := tr.Connect(context.Background(), nil)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, session.EventClosed, ev.Type)
	assert.Equal(t, session.ReasonLoggedOut, ev.Reason)
}

func TestBridgeTransport_DroppedConnectionIsConnectionLost(t *testing.T) {
	url := fakeBridge(t, func(conn *websocket.Conn) {
		var hello bridgeFrame
		_ = conn.ReadJSON(&hello)
	})

	tr := NewBridgeTransport(url, nil)
	defer tr.Close()

	events, err := tr.Connect(context.Background(), nil)
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, session.EventClosed, ev.Type)
	assert.Equal(t, session.ReasonConnectionLost, ev.Reason)
	assert.Error(t, ev.Err)
}

func TestBridgeTransport_SendWithoutConnection(t *testing.T) {
	tr := NewBridgeTransport("ws://127.0.0.1:1/none", nil)
	_, err := tr.Send(context.Background(), "x", "y")
	assert.Error(t, err)
}

func TestBridgeTransport_AllowListFiltersInbound(t *testing.T) {
	tr := NewBridgeTransport("ws://unused", []string{"111"})

	_, ok := tr.normalize(bridgeMessage{ID: "a", From: "222@s.whatsapp.net", Type: "conversation", Text: "x"})
	assert.False(t, ok)

	msg, ok := tr.normalize(bridgeMessage{ID: "b", From: "111@s.whatsapp.net", Type: "conversation", Text: "x"})
	require.True(t, ok)
	assert.Equal(t, "111@s.whatsapp.net", msg.ChatID)

	// own messages pass so the pipeline can apply loop prevention
	msg, ok = tr.normalize(bridgeMessage{ID: "c", From: "999@s.whatsapp.net", FromMe: true, Type: "conversation", Text: "x"})
	require.True(t, ok)
	assert.True(t, msg.IsFromSelf)
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, session.ReasonLoggedOut, closeReason("loggedOut"))
	assert.Equal(t, session.ReasonTimedOut, closeReason("timeout"))
	assert.Equal(t, session.ReasonConnectionLost, closeReason("whatever"))
}
