package channels

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

const (
	sendTimeout        = 10 * time.Second
	streamCloseTimeout = 2 * time.Second
	streamBuffer       = 64
)

// BaseTransport holds what every transport shares: a name and an allow-list.
type BaseTransport struct {
	name      string
	allowList []string
}

func NewBaseTransport(name string, allowList []string) *BaseTransport {
	return &BaseTransport{name: name, allowList: allowList}
}

func (b *BaseTransport) Name() string {
	return b.name
}

// IsAllowed matches senderID against the allow-list. An empty list allows
// everyone. Compound ids like "123456|username" match on either part.
func (b *BaseTransport) IsAllowed(senderID string) bool {
	if len(b.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	// phone-style ids carry a service suffix, e.g. 9665...@s.whatsapp.net
	if at := strings.Index(idPart, "@"); at > 0 {
		idPart = idPart[:at]
	}

	for _, allowed := range b.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate == "" {
			continue
		}
		if candidate == senderID || candidate == idPart || (userPart != "" && candidate == userPart) {
			return true
		}
	}

	return false
}

// eventStream is the per-connection event channel handed to the session
// manager. The channel itself is never closed; done marks the end.
type eventStream struct {
	ch   chan session.TransportEvent
	done chan struct{}
	once sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		ch:   make(chan session.TransportEvent, streamBuffer),
		done: make(chan struct{}),
	}
}

func (s *eventStream) emit(ev session.TransportEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// end finishes the stream, delivering final first if it is non-nil and the
// reader keeps up.
func (s *eventStream) end(final *session.TransportEvent) {
	s.once.Do(func() {
		if final != nil {
			timer := time.NewTimer(streamCloseTimeout)
			select {
			case s.ch <- *final:
			case <-timer.C:
			}
			timer.Stop()
		}
		close(s.done)
	})
}

func closedEvent(reason session.CloseReason, err error) *session.TransportEvent {
	return &session.TransportEvent{Type: session.EventClosed, Reason: reason, Err: err}
}

// ContentKindFor guesses the content kind of an attachment.
func ContentKindFor(filename, mimeType string) bus.ContentKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return bus.ContentImage
	case strings.HasPrefix(mt, "video/"):
		return bus.ContentVideo
	case strings.HasPrefix(mt, "audio/"):
		return bus.ContentAudio
	case strings.HasPrefix(mt, "application/"), strings.HasPrefix(mt, "text/"):
		return bus.ContentDocument
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return bus.ContentImage
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return bus.ContentVideo
	case ".mp3", ".ogg", ".opus", ".wav", ".m4a", ".flac", ".aac":
		return bus.ContentAudio
	case ".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt", ".csv", ".zip":
		return bus.ContentDocument
	case "":
		return bus.ContentOther
	default:
		return bus.ContentDocument
	}
}

// DerivedText is the text stored and dispatched for a message: the body or
// caption when present, a file name for documents, otherwise a placeholder.
func DerivedText(kind bus.ContentKind, body, caption, filename string) string {
	if s := strings.TrimSpace(body); s != "" {
		return s
	}
	if s := strings.TrimSpace(caption); s != "" {
		return s
	}
	switch kind {
	case bus.ContentText:
		return ""
	case bus.ContentDocument:
		if filename != "" {
			return "[document: " + filename + "]"
		}
		return "[document]"
	case bus.ContentImage, bus.ContentVideo, bus.ContentAudio:
		return "[" + string(kind) + "]"
	default:
		return "[unsupported message]"
	}
}

// IsGroupChat reports whether chatID names a group conversation.
func IsGroupChat(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
