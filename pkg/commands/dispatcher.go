// Package commands maps prefixed chat commands to handlers with admin checks.
package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/relaybot/pkg/logger"
)

type OutcomeKind int

const (
	Handled OutcomeKind = iota
	UnknownCommand
	Unauthorized
	HandlerFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case Handled:
		return "handled"
	case UnknownCommand:
		return "unknown_command"
	case Unauthorized:
		return "unauthorized"
	case HandlerFailed:
		return "handler_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the result of one dispatch. Reply is set only for Handled; the
// caller picks the standard text for the other kinds. Err is set only for
// HandlerFailed and is meant for logs.
type Outcome struct {
	Kind    OutcomeKind
	Command string
	Reply   string
	Err     error
}

type Request struct {
	Name       string
	Args       []string
	SenderID   string
	SenderName string
	ChatID     string
	IsAdmin    bool
}

// ArgText joins the arguments back into one string.
func (r Request) ArgText() string { return strings.Join(r.Args, " ") }

type Handler func(ctx context.Context, req Request) (string, error)

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	AdminOnly   bool
	Handler     Handler
}

var ErrDuplicateCommand = errors.New("command already registered")

// AdminChecker looks senders up in the user repository.
type AdminChecker interface {
	IsAdmin(ctx context.Context, senderID string) (bool, error)
}

type Dispatcher struct {
	mu       sync.RWMutex
	commands map[string]*Command
	order    []*Command
	admins   map[string]bool
	lookup   AdminChecker
}

// NewDispatcher takes the configured admin ids; lookup may be nil.
func NewDispatcher(admins []string, lookup AdminChecker) *Dispatcher {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		if id := normalizeID(a); id != "" {
			set[id] = true
		}
	}
	return &Dispatcher{
		commands: make(map[string]*Command),
		admins:   set,
		lookup:   lookup,
	}
}

// normalizeID drops transport suffixes ("@s.whatsapp.net") so configured
// phone numbers match sender ids.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i > 0 {
		id = id[:i]
	}
	return strings.TrimPrefix(id, "+")
}

func (d *Dispatcher) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" || cmd.Handler == nil {
		return fmt.Errorf("command needs a name and a handler")
	}
	cmd.Name = name

	d.mu.Lock()
	defer d.mu.Unlock()
	keys := append([]string{name}, cmd.Aliases...)
	for i, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if _, exists := d.commands[k]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateCommand, k)
		}
		keys[i] = k
	}
	c := &cmd
	for _, k := range keys {
		d.commands[k] = c
	}
	d.order = append(d.order, c)
	return nil
}

func (d *Dispatcher) lookupCommand(name string) (*Command, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[strings.ToLower(name)]
	return c, ok
}

// Commands lists registered commands sorted by name, without admin-only ones
// unless includeAdmin is set.
func (d *Dispatcher) Commands(includeAdmin bool) []Command {
	d.mu.RLock()
	out := make([]Command, 0, len(d.order))
	for _, c := range d.order {
		if c.AdminOnly && !includeAdmin {
			continue
		}
		out = append(out, *c)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsAdmin checks the configured set first, then the repository. Repository
// failures count as not admin.
func (d *Dispatcher) IsAdmin(ctx context.Context, senderID string) bool {
	if d.admins[normalizeID(senderID)] {
		return true
	}
	if d.lookup == nil {
		return false
	}
	ok, err := d.lookup.IsAdmin(ctx, senderID)
	if err != nil {
		logger.WarnCF("commands", "Admin lookup failed", map[string]interface{}{
			"sender_id": senderID,
			"error":     err.Error(),
		})
		return false
	}
	return ok
}

// Parse splits "<prefix>name arg..." and reports ok=false when text does not
// start with prefix or names nothing.
func Parse(text, prefix string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Dispatch runs the named command for req.SenderID. Handler errors and panics
// become HandlerFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	cmd, ok := d.lookupCommand(req.Name)
	if !ok {
		return Outcome{Kind: UnknownCommand, Command: req.Name}
	}
	req.Name = cmd.Name
	req.IsAdmin = d.IsAdmin(ctx, req.SenderID)
	if cmd.AdminOnly && !req.IsAdmin {
		logger.WarnCF("commands", "Unauthorized command", map[string]interface{}{
			"command":   cmd.Name,
			"sender_id": req.SenderID,
		})
		return Outcome{Kind: Unauthorized, Command: cmd.Name}
	}

	reply, err := invoke(ctx, cmd, req)
	if err != nil {
		return Outcome{Kind: HandlerFailed, Command: cmd.Name, Err: err}
	}
	return Outcome{Kind: Handled, Command: cmd.Name, Reply: reply}
}

func invoke(ctx context.Context, cmd *Command, req Request) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("commands", "Command panicked", map[string]interface{}{
				"command": cmd.Name,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	return cmd.Handler(ctx, req)
}
