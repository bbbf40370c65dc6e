package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/session"
)

const (
	ConsoleUserID = "console-user"
	consoleSelfID = "relaybot"
)

// LineReader is the subset of *readline.Instance the console needs.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// ConsoleTransport is a local interactive session on the terminal. Every
// line typed becomes an inbound message from ConsoleUserID; sends are
// printed. Done is closed when the operator quits.
type ConsoleTransport struct {
	*BaseTransport
	open   func() (LineReader, error)
	out    io.Writer
	prefix string

	mu     sync.Mutex
	reader LineReader
	stream *eventStream
	done   chan struct{}
	quit   sync.Once
	seq    int
}

// NewConsoleTransport builds a readline-backed console transport.
func NewConsoleTransport(botName string) *ConsoleTransport {
	return NewConsoleTransportWith(func() (LineReader, error) {
		return readline.NewEx(&readline.Config{
			Prompt:          "You: ",
			HistoryFile:     filepath.Join(os.TempDir(), ".relaybot_history"),
			HistoryLimit:    100,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
	}, os.Stdout, botName)
}

func NewConsoleTransportWith(open func() (LineReader, error), out io.Writer, botName string) *ConsoleTransport {
	if botName == "" {
		botName = "relaybot"
	}
	return &ConsoleTransport{
		BaseTransport: NewBaseTransport("console", nil),
		open:          open,
		out:           out,
		prefix:        botName + ":",
		done:          make(chan struct{}),
	}
}

func (c *ConsoleTransport) Connect(ctx context.Context, creds []byte) (<-chan session.TransportEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return nil, fmt.Errorf("console closed")
	default:
	}
	if c.reader == nil {
		r, err := c.open()
		if err != nil {
			return nil, fmt.Errorf("initialize readline: %w", err)
		}
		c.reader = r
	}
	if c.stream != nil {
		c.stream.end(nil)
	}
	stream := newEventStream()
	c.stream = stream

	stream.emit(session.TransportEvent{
		Type:        session.EventOpened,
		Credentials: []byte(`{"console":true}`),
		SelfID:      consoleSelfID,
	})
	go c.readLoop(c.reader, stream)
	return stream.ch, nil
}

func (c *ConsoleTransport) readLoop(r LineReader, stream *eventStream) {
	for {
		line, err := r.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				c.signalQuit()
				return
			}
			stream.end(closedEvent(session.ReasonConnectionLost, err))
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			c.signalQuit()
			return
		}

		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		ok := stream.emit(session.TransportEvent{
			Type: session.EventInbound,
			Message: bus.InboundMessage{
				ID:          fmt.Sprintf("console-%d", seq),
				SenderID:    ConsoleUserID,
				SenderName:  "You",
				RecipientID: consoleSelfID,
				ChatID:      ConsoleUserID,
				Timestamp:   time.Now().UTC(),
				Kind:        bus.ContentText,
				Text:        input,
			},
		})
		if !ok {
			return
		}
	}
}

func (c *ConsoleTransport) signalQuit() {
	c.quit.Do(func() { close(c.done) })
}

// Done is closed when the operator leaves the console.
func (c *ConsoleTransport) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleTransport) Send(ctx context.Context, recipientID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "\n%s %s\n\n", c.prefix, text); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

func (c *ConsoleTransport) Close() error {
	c.signalQuit()
	c.mu.Lock()
	r, stream := c.reader, c.stream
	c.reader, c.stream = nil, nil
	c.mu.Unlock()
	if stream != nil {
		stream.end(nil)
	}
	if r != nil {
		return r.Close()
	}
	return nil
}
