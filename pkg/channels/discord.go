package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

const (
	typingRefreshInterval = 8 * time.Second
	typingMaxDuration     = time.Minute
	discordChunkLimit     = 1500 // Discord allows 2000; the rest is slack for keeping code blocks whole
)

// DiscordTransport runs the bot over a Discord gateway session. discordgo's
// own reconnect is disabled so the session manager decides on retries.
type DiscordTransport struct {
	*BaseTransport
	token string

	mu      sync.Mutex
	session *discordgo.Session
	stream  *eventStream
	selfID  string
	closed  bool

	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordTransport(cfg config.DiscordConfig, allowFrom []string) (*DiscordTransport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordTransport{
		BaseTransport: NewBaseTransport("discord", allowFrom),
		token:         cfg.Token,
		typing:        make(map[string]*typingSession),
	}, nil
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "Bot ") {
		return token
	}
	return "Bot " + token
}

// Connect opens a fresh gateway session. The bot token is the credential, so
// creds is ignored; Ready reports the bot identity as the session blob.
func (c *DiscordTransport) Connect(ctx context.Context, creds []byte) (<-chan session.TransportEvent, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("discord transport closed")
	}
	prev, prevStream := c.session, c.stream
	c.session, c.stream = nil, nil
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	if prevStream != nil {
		prevStream.end(nil)
	}

	s, err := discordgo.New(normalizeBotToken(c.token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.ShouldReconnectOnError = false
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	stream := newEventStream()
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		c.handleReady(stream, r)
	})
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		logger.WarnC("discord", "Gateway disconnected")
		stream.end(closedEvent(session.ReasonConnectionLost, nil))
	})
	s.AddHandler(func(ds *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(stream, ds, m)
	})

	logger.InfoC("discord", "Opening Discord gateway session")
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}

	c.mu.Lock()
	c.session, c.stream = s, stream
	c.mu.Unlock()

	return stream.ch, nil
}

func (c *DiscordTransport) handleReady(stream *eventStream, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	c.mu.Lock()
	c.selfID = r.User.ID
	c.mu.Unlock()

	blob, _ := json.Marshal(map[string]string{
		"user_id":    r.User.ID,
		"username":   r.User.Username,
		"session_id": r.SessionID,
	})
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": r.User.Username,
		"user_id":  r.User.ID,
	})
	stream.emit(session.TransportEvent{Type: session.EventOpened, Credentials: blob, SelfID: r.User.ID})
}

func (c *DiscordTransport) Close() error {
	c.mu.Lock()
	s, stream := c.session, c.stream
	c.session, c.stream = nil, nil
	c.closed = true
	c.mu.Unlock()

	c.stopAllTyping()
	if stream != nil {
		stream.end(nil)
	}
	if s == nil {
		return nil
	}
	logger.InfoC("discord", "Stopping Discord bot")
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// Send posts text to a channel id, splitting it into chunks. The returned id
// is that of the last chunk.
func (c *DiscordTransport) Send(ctx context.Context, channelID, text string) (string, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return "", fmt.Errorf("discord session not open")
	}
	if channelID == "" {
		return "", fmt.Errorf("channel ID is empty")
	}
	defer c.endTyping(channelID)

	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	var lastID string
	for _, chunk := range splitMessage(text, discordChunkLimit) {
		id, err := c.sendChunk(ctx, s, channelID, chunk)
		if err != nil {
			return lastID, err
		}
		lastID = id
	}
	return lastID, nil
}

// splitMessage splits long messages into chunks, preserving code block integrity.
// Splits on newlines or spaces near the limit and extends a chunk up to 500
// chars to avoid cutting a code block in half.
func splitMessage(content string, limit int) []string {
	var messages []string

	for len(content) > 0 {
		if len(content) <= limit {
			messages = append(messages, content)
			break
		}

		msgEnd := findLastNewline(content[:limit], 200)
		if msgEnd <= 0 {
			msgEnd = findLastSpace(content[:limit], 100)
		}
		if msgEnd <= 0 {
			msgEnd = limit
		}

		if unclosedIdx := findLastUnclosedCodeBlock(content[:msgEnd]); unclosedIdx >= 0 {
			extendedLimit := limit + 500
			if len(content) <= extendedLimit {
				msgEnd = len(content)
			} else if closingIdx := findNextClosingCodeBlock(content, msgEnd); closingIdx > 0 && closingIdx <= extendedLimit {
				msgEnd = closingIdx
			} else {
				msgEnd = findLastNewline(content[:unclosedIdx], 200)
				if msgEnd <= 0 {
					msgEnd = findLastSpace(content[:unclosedIdx], 100)
				}
				if msgEnd <= 0 {
					msgEnd = unclosedIdx
				}
			}
		}

		if msgEnd <= 0 {
			msgEnd = limit
		}

		messages = append(messages, content[:msgEnd])
		content = strings.TrimSpace(content[msgEnd:])
	}

	return messages
}

// findLastUnclosedCodeBlock returns the index of an opening ``` with no
// closing fence, or -1.
func findLastUnclosedCodeBlock(text string) int {
	count := 0
	lastOpenIdx := -1

	for i := 0; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			if count%2 == 0 {
				lastOpenIdx = i
			}
			count++
			i += 2
		}
	}

	if count%2 == 1 {
		return lastOpenIdx
	}
	return -1
}

// findNextClosingCodeBlock returns the index just past the next ``` at or
// after startIdx, or -1.
func findNextClosingCodeBlock(text string, startIdx int) int {
	for i := startIdx; i+2 < len(text); i++ {
		if text[i] == '`' && text[i+1] == '`' && text[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}

func findLastNewline(s string, searchWindow int) int {
	return findLastByte(s, searchWindow, func(b byte) bool { return b == '\n' })
}

func findLastSpace(s string, searchWindow int) int {
	return findLastByte(s, searchWindow, func(b byte) bool { return b == ' ' || b == '\t' })
}

func findLastByte(s string, searchWindow int, match func(byte) bool) int {
	searchStart := len(s) - searchWindow
	if searchStart < 0 {
		searchStart = 0
	}
	for i := len(s) - 1; i >= searchStart; i-- {
		if match(s[i]) {
			return i
		}
	}
	return -1
}

func (c *DiscordTransport) sendChunk(ctx context.Context, s *discordgo.Session, channelID, content string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	type result struct {
		msg *discordgo.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.ChannelMessageSend(channelID, content)
		done <- result{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("send discord message: %w", r.err)
		}
		if r.msg == nil {
			return "", nil
		}
		return r.msg.ID, nil
	case <-sendCtx.Done():
		return "", fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordTransport) sendTyping(channelID string) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if channelID == "" || s == nil {
		return
	}
	if err := s.ChannelTyping(channelID); err != nil {
		logger.DebugCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *DiscordTransport) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), typingMaxDuration)
	sess := &typingSession{pending: 1, cancel: cancel}
	c.typing[channelID] = sess
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// messages that get no reply never call endTyping
				c.typingMu.Lock()
				if c.typing[channelID] == sess {
					delete(c.typing, channelID)
				}
				c.typingMu.Unlock()
				return
			case <-ticker.C:
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordTransport) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordTransport) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

func appendContent(content, suffix string) string {
	if content == "" {
		return suffix
	}
	return content + "\n" + suffix
}

func (c *DiscordTransport) handleMessage(stream *eventStream, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}

	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{
			"user_id": m.Author.ID,
		})
		return
	}

	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" && s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}

	senderName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		senderName += "#" + m.Author.Discriminator
	}

	kind := bus.ContentText
	content := m.Content
	for i, attachment := range m.Attachments {
		akind := ContentKindFor(attachment.Filename, attachment.ContentType)
		if i == 0 && strings.TrimSpace(m.Content) == "" {
			kind = akind
		}
		content = appendContent(content, fmt.Sprintf("[%s: %s]", akind, attachment.Filename))
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	isFromSelf := m.Author.ID == selfID
	isGroup := m.GuildID != ""
	recipient := selfID
	if isGroup {
		recipient = m.ChannelID
	}

	ts := m.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if !isFromSelf {
		c.beginTyping(m.ChannelID)
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"preview":     truncate(content, 50),
	})

	stream.emit(session.TransportEvent{
		Type: session.EventInbound,
		Message: bus.InboundMessage{
			ID:          m.ID,
			SenderID:    m.Author.ID,
			SenderName:  senderName,
			RecipientID: recipient,
			ChatID:      m.ChannelID,
			Timestamp:   ts,
			Kind:        kind,
			Text:        content,
			IsFromSelf:  isFromSelf,
			IsGroup:     isGroup,
			Metadata: map[string]string{
				"username":   m.Author.Username,
				"guild_id":   m.GuildID,
				"channel_id": m.ChannelID,
				"is_dm":      fmt.Sprintf("%t", !isGroup),
			},
		},
	})
}
