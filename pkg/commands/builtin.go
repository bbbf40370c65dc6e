package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"time"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/session"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

type StatusSource interface {
	Status() session.Status
}

type HistoryResetter interface {
	Reset(ctx context.Context, userID string)
}

type Subscriptions interface {
	SetSubscribed(ctx context.Context, externalID string, subscribed bool) error
	ListSubscribers(ctx context.Context) ([]store.User, error)
}

// ScheduleManager keeps stored broadcasts and scheduler jobs in step.
type ScheduleManager interface {
	List(ctx context.Context) ([]store.ScheduledMessage, error)
	Add(ctx context.Context, trigger, message string) (store.ScheduledMessage, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// Broadcaster delivers text to every subscriber in the background and
// reports the counts through done.
type Broadcaster interface {
	BroadcastAll(text string, done func(sent, failed int, err error))
}

type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// Deps are the collaborators of the built-in commands. Nil fields disable the
// commands that need them.
type Deps struct {
	BotName       string
	Prefix        string
	Version       string
	Started       time.Time
	Now           func() time.Time
	Intn          func(n int) int
	Session       StatusSource
	History       HistoryResetter
	Subscriptions Subscriptions
	Bus           *bus.MessageBus
	Broadcasts    Broadcaster
	Schedules     ScheduleManager
	Stats         StatsSource
}

var quotes = []string{
	"The best way to get started is to quit talking and begin doing. (Walt Disney)",
	"Simplicity is prerequisite for reliability. (Edsger W. Dijkstra)",
	"It always seems impossible until it's done. (Nelson Mandela)",
	"Well done is better than well said. (Benjamin Franklin)",
	"Patience is bitter, but its fruit is sweet. (Aristotle)",
}

var jokes = []string{
	"I told my computer I needed a break, and it said: no problem, I'll go to sleep.",
	"Why do programmers prefer dark mode? Because light attracts bugs.",
	"There are 10 kinds of people: those who understand binary and those who don't.",
	"A SQL query walks into a bar, walks up to two tables and asks: can I join you?",
}

type builtins struct {
	d    *Dispatcher
	deps Deps
}

// RegisterBuiltins adds the standard command set to d.
func RegisterBuiltins(d *Dispatcher, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Started.IsZero() {
		deps.Started = deps.Now()
	}
	if deps.Intn == nil {
		deps.Intn = rand.Intn
	}
	if deps.Prefix == "" {
		deps.Prefix = "/"
	}
	b := &builtins{d: d, deps: deps}

	cmds := []Command{
		{Name: "help", Aliases: []string{"commands"}, Description: "List the available commands", Handler: b.help},
		{Name: "menu", Description: "Show the main menu", Handler: b.menu},
		{Name: "ping", Description: "Check that the bot answers", Handler: b.ping},
		{Name: "status", Aliases: []string{"info"}, Description: "Bot name, connection state and uptime", Handler: b.status},
		{Name: "quote", Description: "Get a random quote", Handler: b.pick(quotes)},
		{Name: "joke", Description: "Get a random joke", Handler: b.pick(jokes)},
	}
	if deps.History != nil {
		cmds = append(cmds, Command{Name: "reset", Description: "Forget our AI conversation", Handler: b.reset})
	}
	if deps.Subscriptions != nil {
		cmds = append(cmds,
			Command{Name: "subscribe", Description: "Receive broadcasts", Handler: b.subscribe(true)},
			Command{Name: "unsubscribe", Aliases: []string{"stop"}, Description: "Stop receiving broadcasts", Handler: b.subscribe(false)},
		)
	}
	if deps.Broadcasts != nil {
		cmds = append(cmds, Command{
			Name: "broadcast", Usage: "<text>", Description: "Send a message to every subscriber",
			AdminOnly: true, Handler: b.broadcast,
		})
	}
	cmds = append(cmds, Command{Name: "debug", Description: "Runtime diagnostics", AdminOnly: true, Handler: b.debug})
	if deps.Schedules != nil {
		cmds = append(cmds, Command{
			Name: "schedule", Usage: "list | add <cron> | <text> | remove <id>",
			Description: "Manage scheduled broadcasts", AdminOnly: true, Handler: b.schedule,
		})
	}

	for _, c := range cmds {
		if err := d.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *builtins) usage(c Command) string {
	line := b.deps.Prefix + c.Name
	if c.Usage != "" {
		line += " " + c.Usage
	}
	return line
}

func (b *builtins) help(ctx context.Context, req Request) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s commands*\n", b.deps.BotName)
	for _, c := range b.d.Commands(false) {
		fmt.Fprintf(&sb, "%s - %s\n", b.usage(c), c.Description)
	}
	if req.IsAdmin {
		sb.WriteString("\n*Admin*\n")
		for _, c := range b.d.Commands(true) {
			if c.AdminOnly {
				fmt.Fprintf(&sb, "%s - %s\n", b.usage(c), c.Description)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *builtins) menu(ctx context.Context, req Request) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Welcome to %s! Send one of:\n", b.deps.BotName)
	i := 1
	for _, c := range b.d.Commands(false) {
		if c.Name == "menu" {
			continue
		}
		fmt.Fprintf(&sb, "%d. %s%s - %s\n", i, b.deps.Prefix, c.Name, c.Description)
		i++
	}
	sb.WriteString("Or just write to me and I'll do my best to answer.")
	return sb.String(), nil
}

func (b *builtins) ping(context.Context, Request) (string, error) {
	return "pong", nil
}

func (b *builtins) status(ctx context.Context, req Request) (string, error) {
	lines := []string{"*" + b.deps.BotName + "*"}
	if b.deps.Version != "" {
		lines = append(lines, "Version: "+b.deps.Version)
	}
	if b.deps.Session != nil {
		st := b.deps.Session.Status()
		lines = append(lines, fmt.Sprintf("Connection: %s (%s)", st.StateName, st.Transport))
	}
	uptime := b.deps.Now().Sub(b.deps.Started).Truncate(time.Second)
	lines = append(lines, "Uptime: "+uptime.String())
	lines = append(lines, "Time: "+b.deps.Now().Format("2006-01-02 15:04 MST"))
	return strings.Join(lines, "\n"), nil
}

func (b *builtins) pick(list []string) Handler {
	return func(context.Context, Request) (string, error) {
		return list[b.deps.Intn(len(list))], nil
	}
}

func (b *builtins) reset(ctx context.Context, req Request) (string, error) {
	b.deps.History.Reset(ctx, req.SenderID)
	return "Our conversation history has been cleared.", nil
}

func (b *builtins) subscribe(on bool) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		if err := b.deps.Subscriptions.SetSubscribed(ctx, req.SenderID, on); err != nil {
			return "", err
		}
		if on {
			return "You are subscribed to broadcasts.", nil
		}
		return fmt.Sprintf("You will no longer receive broadcasts. Send %ssubscribe to opt back in.", b.deps.Prefix), nil
	}
}

func (b *builtins) broadcast(ctx context.Context, req Request) (string, error) {
	text := strings.TrimSpace(req.ArgText())
	if text == "" {
		return "Usage: " + b.deps.Prefix + "broadcast <text>", nil
	}
	admin := req.SenderID
	b.deps.Broadcasts.BroadcastAll(text, func(sent, failed int, err error) {
		report := fmt.Sprintf("Broadcast finished: %d sent, %d failed.", sent, failed)
		if errors.Is(err, context.Canceled) {
			report = fmt.Sprintf("Broadcast interrupted: %d sent, %d failed.", sent, failed)
		}
		if b.deps.Bus != nil {
			b.deps.Bus.PublishOutbound(bus.OutboundMessage{
				RecipientID: admin,
				Content:     report,
				Source:      "command",
			})
		}
	})
	return "Broadcast started. I'll report back when every subscriber was tried.", nil
}

func (b *builtins) debug(ctx context.Context, req Request) (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	lines := []string{
		fmt.Sprintf("Goroutines: %d", runtime.NumGoroutine()),
		fmt.Sprintf("Heap: %.1f MiB", float64(mem.HeapAlloc)/(1<<20)),
	}
	if b.deps.Session != nil {
		st := b.deps.Session.Status()
		lines = append(lines, fmt.Sprintf("Session: %s attempts=%d revision=%d", st.StateName, st.Attempts, st.Revision))
	}
	if b.deps.Bus != nil {
		lines = append(lines, fmt.Sprintf("Bus drops: inbound=%d outbound=%d events=%d",
			b.deps.Bus.DroppedInbound(), b.deps.Bus.DroppedOutbound(), b.deps.Bus.DroppedEvents()))
	}
	if b.deps.Stats != nil {
		st, err := b.deps.Stats.Stats(ctx)
		if err != nil {
			lines = append(lines, "Stats: unavailable ("+err.Error()+")")
		} else {
			lines = append(lines, fmt.Sprintf("Users: %d (subscribed %d), messages in/out: %d/%d, rules: %d, schedules: %d",
				st.Users, st.Subscribers, st.Inbound, st.Outbound, st.Rules, st.Schedules))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (b *builtins) schedule(ctx context.Context, req Request) (string, error) {
	usage := "Usage: " + b.deps.Prefix + "schedule list | add <cron> | <text> | remove <id>"
	if len(req.Args) == 0 {
		return usage, nil
	}
	switch strings.ToLower(req.Args[0]) {
	case "list":
		items, err := b.deps.Schedules.List(ctx)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "No scheduled broadcasts.", nil
		}
		lines := []string{"Scheduled broadcasts:"}
		for _, m := range items {
			next := "-"
			if !m.NextRun.IsZero() {
				next = m.NextRun.Format("2006-01-02 15:04")
			}
			lines = append(lines, fmt.Sprintf("- %s [%s] next %s: %s", m.ID, m.Cron, next, m.Message))
		}
		return strings.Join(lines, "\n"), nil
	case "add":
		trigger, text, ok := strings.Cut(strings.Join(req.Args[1:], " "), "|")
		trigger, text = strings.TrimSpace(trigger), strings.TrimSpace(text)
		if !ok || trigger == "" || text == "" {
			return usage, nil
		}
		m, err := b.deps.Schedules.Add(ctx, trigger, text)
		if err != nil {
			return "Could not schedule: " + err.Error(), nil
		}
		return fmt.Sprintf("Scheduled %s (%s).", m.ID, m.Cron), nil
	case "remove", "rm":
		if len(req.Args) < 2 {
			return usage, nil
		}
		ok, err := b.deps.Schedules.Remove(ctx, req.Args[1])
		if err != nil {
			return "", err
		}
		if !ok {
			return "No scheduled broadcast with id " + req.Args[1] + ".", nil
		}
		return "Removed " + req.Args[1] + ".", nil
	}
	return usage, nil
}
