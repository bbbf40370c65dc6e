package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/relaybot/pkg/autoreply"
	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/commands"
	"github.com/dotsetgreg/relaybot/pkg/config"
	"github.com/dotsetgreg/relaybot/pkg/conversation"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

type sent struct {
	To   string
	Text string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	fail  error
	calls int
	delay time.Duration
}

func (s *fakeSender) Send(ctx context.Context, to, text string) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return "", s.fail
	}
	s.sent = append(s.sent, sent{To: to, Text: text})
	return fmt.Sprintf("m%d", len(s.sent)), nil
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

type fakeLog struct {
	mu       sync.Mutex
	inbound  []store.MessageRecord
	outbound []store.MessageRecord
	fail     error
}

func (l *fakeLog) RecordInbound(ctx context.Context, rec store.MessageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.inbound = append(l.inbound, rec)
	return nil
}

func (l *fakeLog) RecordOutbound(ctx context.Context, rec store.MessageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.outbound = append(l.outbound, rec)
	return nil
}

type fakeUsers struct{ fail error }

func (u fakeUsers) GetOrCreateUser(ctx context.Context, externalID, name string) (store.User, error) {
	if u.fail != nil {
		return store.User{}, u.fail
	}
	return store.User{ID: 1, ExternalID: externalID, Name: name, MessageCount: 1}, nil
}

type resolverFunc func(ctx context.Context, text string) (autoreply.Rule, bool, error)

func (f resolverFunc) Resolve(ctx context.Context, text string) (autoreply.Rule, bool, error) {
	return f(ctx, text)
}

func testMessages() config.MessagesConfig {
	return config.MessagesConfig{
		Fallback:       "something broke",
		UnknownCommand: "unknown command",
		Unauthorized:   "admins only",
		CommandFailed:  "command failed",
		AIUnavailable:  "ai unavailable",
		NoMatch:        "no match",
	}
}

type harness struct {
	sender *fakeSender
	log    *fakeLog
	p      *Pipeline
}

func newHarness(t *testing.T, rules []autoreply.Rule, ai Replier) *harness {
	t.Helper()
	d := commands.NewDispatcher([]string{"admin"}, nil)
	require.NoError(t, commands.RegisterBuiltins(d, commands.Deps{BotName: "bot"}))
	require.NoError(t, d.Register(commands.Command{Name: "boom", Handler: func(context.Context, commands.Request) (string, error) {
		return "", errors.New("handler exploded")
	}}))

	h := &harness{sender: &fakeSender{}, log: &fakeLog{}}
	h.p = NewPipeline(h.sender, fakeUsers{}, h.log, autoreply.NewResolver(autoreply.StaticRules(rules)), d, ai, Options{
		Prefix:    "/",
		Messages:  testMessages(),
		AIEnabled: ai != nil,
	})
	return h
}

func inbound(text string) bus.InboundMessage {
	return bus.InboundMessage{
		ID:        "in-1",
		SenderID:  "alice",
		ChatID:    "chat-1",
		Kind:      bus.ContentText,
		Text:      text,
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestPipeline_SelfMessagesAreDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	msg := inbound("/ping")
	msg.IsFromSelf = true

	res := h.p.Handle(context.Background(), msg)
	assert.True(t, res.Dropped)
	assert.Empty(t, h.sender.all())
	assert.Empty(t, h.log.inbound)
	assert.Empty(t, h.log.outbound)
}

func TestPipeline_CommandReply(t *testing.T) {
	h := newHarness(t, nil, nil)
	res := h.p.Handle(context.Background(), inbound("/ping"))
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Reply)
	assert.Equal(t, SourceCommand, res.Source)
	assert.Equal(t, []sent{{To: "chat-1", Text: "pong"}}, h.sender.all())

	require.Len(t, h.log.inbound, 1)
	assert.Equal(t, "/ping", h.log.inbound[0].Content)
	require.Len(t, h.log.outbound, 1)
	assert.Equal(t, res.MessageID, h.log.outbound[0].MessageID)
	assert.Equal(t, SourceCommand, h.log.outbound[0].Source)
}

func TestPipeline_CommandOutcomes(t *testing.T) {
	h := newHarness(t, nil, nil)

	res := h.p.Handle(context.Background(), inbound("/nope"))
	assert.Equal(t, "unknown command", res.Reply)

	res = h.p.Handle(context.Background(), inbound("/debug"))
	assert.Equal(t, "admins only", res.Reply)

	res = h.p.Handle(context.Background(), inbound("/boom"))
	assert.Equal(t, "command failed", res.Reply)
	select {
	case de := <-h.p.Errors():
		assert.Equal(t, "in-1", de.MessageID)
		assert.EqualError(t, errors.Unwrap(de), "handler exploded")
	default:
		t.Fatal("handler failure was not reported")
	}
}

func TestPipeline_AutoReply(t *testing.T) {
	rules := []autoreply.Rule{
		{ID: 1, Keyword: "hello", Strategy: autoreply.Contains, Response: "R1", Active: true},
		{ID: 2, Keyword: "hi", Strategy: autoreply.StartsWith, Response: "R2", Active: true},
	}
	h := newHarness(t, rules, nil)
	res := h.p.Handle(context.Background(), inbound("Hi there"))
	assert.Equal(t, "R2", res.Reply)
	assert.Equal(t, SourceAutoReply, res.Source)
}

func TestPipeline_NoMatchWithoutAI(t *testing.T) {
	h := newHarness(t, nil, nil)
	res := h.p.Handle(context.Background(), inbound("what is the weather"))
	assert.Equal(t, "no match", res.Reply)
	assert.Equal(t, SourceNoMatch, res.Source)
}

func TestPipeline_EmptyTextSendsNothing(t *testing.T) {
	h := newHarness(t, nil, nil)
	res := h.p.Handle(context.Background(), inbound("   "))
	assert.False(t, res.Dropped)
	assert.Empty(t, res.Reply)
	assert.Empty(t, h.sender.all())
	assert.Len(t, h.log.inbound, 1)
}

func TestPipeline_AIReply(t *testing.T) {
	var seen []int
	hist := conversation.NewStore(10, "sys", nil)
	ai := conversation.NewAssistant(hist, conversation.CompleterFunc(func(ctx context.Context, history []conversation.Turn) (string, error) {
		seen = append(seen, len(history))
		return "sunny", nil
	}), "ai unavailable")
	h := newHarness(t, nil, ai)

	res := h.p.Handle(context.Background(), inbound("what is the weather"))
	assert.Equal(t, "sunny", res.Reply)
	assert.Equal(t, SourceAI, res.Source)

	h.p.Handle(context.Background(), inbound("and tomorrow"))
	assert.Equal(t, []int{2, 4}, seen)
}

func TestPipeline_AIFailureSendsFallbackAndReports(t *testing.T) {
	ai := conversation.NewAssistant(conversation.NewStore(10, "sys", nil), conversation.CompleterFunc(func(ctx context.Context, history []conversation.Turn) (string, error) {
		return "", errors.New("quota exceeded")
	}), "ai unavailable")
	h := newHarness(t, nil, ai)

	res := h.p.Handle(context.Background(), inbound("tell me a story"))
	assert.Equal(t, "ai unavailable", res.Reply)
	assert.Len(t, h.sender.all(), 1)

	de := <-h.p.Errors()
	assert.Equal(t, "ai", de.Stage)
	var ce *conversation.CompletionError
	assert.ErrorAs(t, de, &ce)
}

func TestPipeline_PanicBecomesSingleFallback(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.p.rules = resolverFunc(func(ctx context.Context, text string) (autoreply.Rule, bool, error) {
		panic("rules exploded")
	})

	res := h.p.Handle(context.Background(), inbound("hello"))
	require.Error(t, res.Err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, []sent{{To: "chat-1", Text: "something broke"}}, h.sender.all())
	assert.Len(t, h.p.Errors(), 1)
}

func TestPipeline_RuleSourceErrorBecomesFallback(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.p.rules = resolverFunc(func(ctx context.Context, text string) (autoreply.Rule, bool, error) {
		return autoreply.Rule{}, false, errors.New("db locked")
	})

	res := h.p.Handle(context.Background(), inbound("hello"))
	assert.EqualError(t, res.Err, "db locked")
	assert.Equal(t, "something broke", res.Reply)
}

func TestPipeline_SendFailureTriesFallbackOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.sender.fail = errors.New("not connected")

	res := h.p.Handle(context.Background(), inbound("/ping"))
	require.Error(t, res.Err)
	assert.Empty(t, res.Reply)
	assert.Equal(t, 2, h.sender.calls)
	assert.Empty(t, h.log.outbound)
}

func TestPipeline_StorageFailuresDoNotBlockReplies(t *testing.T) {
	sender := &fakeSender{}
	log := &fakeLog{fail: errors.New("disk full")}
	d := commands.NewDispatcher(nil, nil)
	require.NoError(t, commands.RegisterBuiltins(d, commands.Deps{}))
	p := NewPipeline(sender, fakeUsers{fail: errors.New("db down")}, log, autoreply.NewResolver(autoreply.StaticRules(nil)), d, nil, Options{Messages: testMessages()})

	res := p.Handle(context.Background(), inbound("/ping"))
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Reply)
	assert.Len(t, sender.all(), 1)
}

func TestPipeline_RunBoundsConcurrency(t *testing.T) {
	var active, peak int32
	d := commands.NewDispatcher(nil, nil)
	require.NoError(t, d.Register(commands.Command{Name: "slow", Handler: func(context.Context, commands.Request) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "done", nil
	}}))
	sender := &fakeSender{}
	p := NewPipeline(sender, nil, nil, autoreply.NewResolver(autoreply.StaticRules(nil)), d, nil, Options{Messages: testMessages(), MaxConcurrent: 2})

	mb := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, mb)
		close(done)
	}()
	for i := 0; i < 6; i++ {
		msg := inbound("/slow")
		msg.ID = fmt.Sprintf("in-%d", i)
		mb.PublishInbound(msg)
	}

	require.Eventually(t, func() bool { return len(sender.all()) == 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, p.Wait(time.Second))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPipeline_WaitTimesOut(t *testing.T) {
	d := commands.NewDispatcher(nil, nil)
	release := make(chan struct{})
	require.NoError(t, d.Register(commands.Command{Name: "hang", Handler: func(context.Context, commands.Request) (string, error) {
		<-release
		return "", nil
	}}))
	p := NewPipeline(&fakeSender{}, nil, nil, autoreply.NewResolver(autoreply.StaticRules(nil)), d, nil, Options{Messages: testMessages()})

	mb := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, mb)
	mb.PublishInbound(inbound("/hang"))

	require.Eventually(t, func() bool { return len(p.sem) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.False(t, p.Wait(20*time.Millisecond))
	close(release)
	assert.True(t, p.Wait(time.Second))
}

func TestPipeline_WaitCoversConsumerLoopAfterCancel(t *testing.T) {
	sender := &fakeSender{}
	d := commands.NewDispatcher(nil, nil)
	require.NoError(t, commands.RegisterBuiltins(d, commands.Deps{}))
	p := NewPipeline(sender, nil, nil, autoreply.NewResolver(autoreply.StaticRules(nil)), d, nil, Options{Messages: testMessages()})

	mb := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx, mb)
	cancel()
	for i := 0; i < 5; i++ {
		mb.PublishInbound(inbound("/ping"))
	}

	require.True(t, p.Wait(time.Second))
	assert.Zero(t, sender.calls, "messages picked up after cancel must not be handled")
}
