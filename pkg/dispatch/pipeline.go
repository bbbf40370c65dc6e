// Package dispatch turns inbound messages into replies and owns the outbound
// paths: direct replies, the outbox queue and scheduled broadcasts.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/commands"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

// Sender transmits through the live session.
type Sender interface {
	Send(ctx context.Context, recipientID, text string) (string, error)
}

type UserRepository interface {
	GetOrCreateUser(ctx context.Context, externalID, displayName string) (store.User, error)
}

type MessageLog interface {
	RecordInbound(ctx context.Context, rec store.MessageRecord) error
	RecordOutbound(ctx context.Context, rec store.MessageRecord) error
}

type RuleResolver interface {
	Resolve(ctx context.Context, text string) (autoreply.Rule, bool, error)
}

type CommandDispatcher interface {
	Dispatch(ctx context.Context, req commands.Request) commands.Outcome
}

// Replier is the AI reply path.
type Replier interface {
	Reply(ctx context.Context, userID, text string) (string, error)
}

// Reply sources recorded in the message log.
const (
	SourceCommand   = "command"
	SourceAutoReply = "auto_reply"
	SourceAI        = "ai"
	SourceNoMatch   = "no_match"
	SourceFallback  = "fallback"
	SourceBroadcast = "broadcast"
)

// DispatchError is reported on Errors() for failures the user only saw as a
// fallback reply.
type DispatchError struct {
	MessageID string
	SenderID  string
	Stage     string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s from %s failed at %s: %v", e.MessageID, e.SenderID, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type Options struct {
	Prefix        string
	Messages      config.MessagesConfig
	AIEnabled     bool
	MaxConcurrent int
}

// Identity is who sent a message. Guest is set when the user repository
// could not be reached.
type Identity struct {
	User  store.User
	Guest bool
}

// Result describes what happened to one inbound message.
type Result struct {
	Dropped   bool
	Reply     string
	Source    string
	MessageID string
	Err       error
}

type Pipeline struct {
	sender   Sender
	users    UserRepository
	log      MessageLog
	rules    RuleResolver
	commands CommandDispatcher
	ai       Replier
	opts     Options

	errs     chan *DispatchError
	sem      chan struct{}
	inflight sync.WaitGroup

	mu      sync.Mutex
	runDone chan struct{}
}

// NewPipeline wires the collaborators. users, log and ai may be nil.
func NewPipeline(sender Sender, users UserRepository, log MessageLog, rules RuleResolver, cmds CommandDispatcher, ai Replier, opts Options) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Prefix == "" {
		opts.Prefix = "/"
	}
	return &Pipeline{
		sender:   sender,
		users:    users,
		log:      log,
		rules:    rules,
		commands: cmds,
		ai:       ai,
		opts:     opts,
		errs:     make(chan *DispatchError, 64),
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Errors delivers dispatch failures for operators. Reports are dropped when
// nobody drains the channel.
func (p *Pipeline) Errors() <-chan *DispatchError { return p.errs }

func (p *Pipeline) report(msg bus.InboundMessage, stage string, err error) {
	de := &DispatchError{MessageID: msg.ID, SenderID: msg.SenderID, Stage: stage, Err: err}
	logger.ErrorCF("dispatch", "Dispatch failed", map[string]interface{}{
		"message_id": msg.ID,
		"sender_id":  msg.SenderID,
		"stage":      stage,
		"error":      err.Error(),
	})
	select {
	case p.errs <- de:
	default:
	}
}

// Run consumes the inbound queue until ctx is done, handling up to
// MaxConcurrent messages at once.
func (p *Pipeline) Run(ctx context.Context, mb *bus.MessageBus) {
	p.run(ctx, mb, p.markRunning())
}

// Start is Run on its own goroutine. A Wait that follows Start always waits
// for the consumer loop to exit.
func (p *Pipeline) Start(ctx context.Context, mb *bus.MessageBus) {
	done := p.markRunning()
	go p.run(ctx, mb, done)
}

func (p *Pipeline) markRunning() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runDone = make(chan struct{})
	return p.runDone
}

func (p *Pipeline) run(ctx context.Context, mb *bus.MessageBus, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok || ctx.Err() != nil {
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.inflight.Add(1)
		go func() {
			defer func() {
				<-p.sem
				p.inflight.Done()
			}()
			// In-flight messages finish even after shutdown starts.
			p.Handle(context.WithoutCancel(ctx), msg)
		}()
	}
}

// Wait blocks until the consumer loop has exited and in-flight messages
// finish, or grace elapses, and reports whether everything finished. Call it
// after cancelling the context given to Run or Start.
func (p *Pipeline) Wait(grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	p.mu.Lock()
	runDone := p.runDone
	p.mu.Unlock()
	if runDone != nil {
		select {
		case <-runDone:
		case <-timer.C:
			return false
		}
	}

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Handle runs one message through the pipeline.
func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) Result {
	if msg.IsFromSelf {
		return Result{Dropped: true}
	}

	id := p.identify(ctx, msg)
	p.recordInbound(ctx, msg)

	reply, source, err := p.safeResolve(ctx, msg, id)
	if err != nil {
		p.report(msg, "resolve", err)
		return p.sendFallback(ctx, msg, err)
	}
	if reply == "" {
		return Result{Source: source}
	}

	msgID, err := p.sender.Send(ctx, msg.ReplyTarget(), reply)
	if err != nil {
		p.report(msg, "send", err)
		return p.sendFallback(ctx, msg, err)
	}
	p.recordOutbound(ctx, msg, msgID, reply, source)
	return Result{Reply: reply, Source: source, MessageID: msgID}
}

func (p *Pipeline) identify(ctx context.Context, msg bus.InboundMessage) Identity {
	guest := Identity{User: store.User{ExternalID: msg.SenderID, Name: msg.SenderName}, Guest: true}
	if p.users == nil {
		return guest
	}
	u, err := p.users.GetOrCreateUser(ctx, msg.SenderID, msg.SenderName)
	if err != nil {
		logger.WarnCF("dispatch", "User lookup failed, continuing as guest", map[string]interface{}{
			"sender_id": msg.SenderID,
			"error":     err.Error(),
		})
		return guest
	}
	return Identity{User: u}
}

func (p *Pipeline) recordInbound(ctx context.Context, msg bus.InboundMessage) {
	if p.log == nil {
		return
	}
	err := p.log.RecordInbound(ctx, store.MessageRecord{
		MessageID: msg.ID,
		UserID:    msg.SenderID,
		ChatID:    msg.ChatID,
		Kind:      string(msg.Kind),
		Content:   msg.Text,
		CreatedAt: msg.Timestamp,
	})
	if err != nil {
		logger.WarnCF("dispatch", "Failed to record inbound message", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
}

func (p *Pipeline) recordOutbound(ctx context.Context, msg bus.InboundMessage, msgID, text, source string) {
	if p.log == nil {
		return
	}
	err := p.log.RecordOutbound(ctx, store.MessageRecord{
		MessageID: msgID,
		UserID:    msg.SenderID,
		ChatID:    msg.ReplyTarget(),
		Content:   text,
		Source:    source,
	})
	if err != nil {
		logger.WarnCF("dispatch", "Failed to record outbound message", map[string]interface{}{
			"message_id": msgID,
			"error":      err.Error(),
		})
	}
}

func (p *Pipeline) safeResolve(ctx context.Context, msg bus.InboundMessage, id Identity) (reply, source string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Resolve panicked", map[string]interface{}{
				"message_id": msg.ID,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.resolve(ctx, msg, id)
}

// resolve picks the reply text. An empty reply with a nil error means there
// is nothing to send.
func (p *Pipeline) resolve(ctx context.Context, msg bus.InboundMessage, id Identity) (string, string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", "", nil
	}

	if name, args, ok := commands.Parse(text, p.opts.Prefix); ok {
		out := p.commands.Dispatch(ctx, commands.Request{
			Name:       name,
			Args:       args,
			SenderID:   msg.SenderID,
			SenderName: id.User.Name,
			ChatID:     msg.ChatID,
		})
		switch out.Kind {
		case commands.Handled:
			return out.Reply, SourceCommand, nil
		case commands.UnknownCommand:
			return p.opts.Messages.UnknownCommand, SourceCommand, nil
		case commands.Unauthorized:
			return p.opts.Messages.Unauthorized, SourceCommand, nil
		default:
			p.report(msg, "command "+out.Command, out.Err)
			return p.opts.Messages.CommandFailed, SourceCommand, nil
		}
	}

	rule, ok, err := p.rules.Resolve(ctx, text)
	if err != nil {
		return "", "", err
	}
	if ok {
		return rule.Response, SourceAutoReply, nil
	}

	if p.opts.AIEnabled && p.ai != nil && msg.Kind == bus.ContentText {
		reply, err := p.ai.Reply(ctx, msg.SenderID, text)
		if err != nil {
			// reply is already the localized fallback
			p.report(msg, "ai", err)
		}
		return reply, SourceAI, nil
	}
	return p.opts.Messages.NoMatch, SourceNoMatch, nil
}

// sendFallback sends the generic apology once. Its own failure is only logged.
func (p *Pipeline) sendFallback(ctx context.Context, msg bus.InboundMessage, cause error) Result {
	res := Result{Source: SourceFallback, Err: cause}
	text := p.opts.Messages.Fallback
	if text == "" {
		return res
	}
	msgID, err := p.sender.Send(ctx, msg.ReplyTarget(), text)
	if err != nil {
		logger.WarnCF("dispatch", "Fallback reply not delivered", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return res
	}
	p.recordOutbound(ctx, msg, msgID, text, SourceFallback)
	res.Reply = text
	res.MessageID = msgID
	return res
}
