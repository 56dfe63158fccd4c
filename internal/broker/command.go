package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zulandar/seshat/internal/presence"
	"github.com/zulandar/seshat/internal/registry"
)

// commandPrefix marks a message as a command rather than conversation text.
const commandPrefix = "!"

// HandlerFunc executes one command for operator and returns the reply. An
// empty reply sends nothing.
type HandlerFunc func(ctx context.Context, operator, args string) string

// Command is one entry in the dispatcher's table.
type Command struct {
	Name    string // upper case, without the prefix
	Usage   string // e.g. "!ACCEPT n"
	Summary string
	Handler HandlerFunc
}

// Dispatcher interprets operator messages. Text starting with "!" is looked
// up in the command table; anything else is conversation text for the
// operator's current chat.
type Dispatcher struct {
	registry *registry.Registry
	presence *presence.Tracker
	router   *Router

	mu       sync.RWMutex
	commands map[string]Command
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Registry *registry.Registry
	Presence *presence.Tracker
	Router   *Router
}

// NewDispatcher creates a Dispatcher with the built-in commands registered.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("broker: dispatcher: registry is required")
	}
	if opts.Presence == nil {
		return nil, fmt.Errorf("broker: dispatcher: presence is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("broker: dispatcher: router is required")
	}
	d := &Dispatcher{
		registry: opts.Registry,
		presence: opts.Presence,
		router:   opts.Router,
		commands: make(map[string]Command),
	}
	for _, c := range []Command{
		{Name: "ACCEPT", Usage: "!ACCEPT n", Summary: "Accept chat request #n.", Handler: d.cmdAccept},
		{Name: "CANCEL", Usage: "!CANCEL n", Summary: "Cancel chat request #n.", Handler: d.cmdCancel},
		{Name: "FINISH", Usage: "!FINISH", Summary: "Close your current chat.", Handler: d.cmdFinish},
		{Name: "HELP", Usage: "!HELP", Summary: "Show this list.", Handler: d.cmdHelp},
		{Name: "STATUS", Usage: "!STATUS", Summary: "Show whether you are in a chat.", Handler: d.cmdStatus},
		{Name: "WAITING", Usage: "!WAITING", Summary: "List chats waiting to be accepted.", Handler: d.cmdWaiting},
	} {
		if err := d.Register(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register adds a command to the table. Names are case-insensitive and must
// be unique.
func (d *Dispatcher) Register(c Command) error {
	name := strings.ToUpper(strings.TrimSpace(c.Name))
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("broker: dispatcher: invalid command name %q", c.Name)
	}
	if c.Handler == nil {
		return fmt.Errorf("broker: dispatcher: command %s has no handler", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.commands[name]; dup {
		return fmt.Errorf("broker: dispatcher: command %s already registered", name)
	}
	c.Name = name
	if c.Usage == "" {
		c.Usage = commandPrefix + name
	}
	d.commands[name] = c
	return nil
}

// Dispatch handles one message from operator and returns the reply to send
// back to them, or "" for none.
func (d *Dispatcher) Dispatch(ctx context.Context, operator, text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, commandPrefix) {
		return d.relay(ctx, operator, text)
	}

	body := strings.TrimSpace(strings.TrimPrefix(trimmed, commandPrefix))
	name, args, _ := strings.Cut(body, " ")
	name = strings.ToUpper(name)
	args = strings.TrimSpace(args)

	d.mu.RLock()
	c, ok := d.commands[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Unknown command '%s%s'.\n\n%s", commandPrefix, name, d.helpText())
	}
	return c.Handler(ctx, operator, args)
}

// relay forwards conversation text to the operator's visitor.
func (d *Dispatcher) relay(ctx context.Context, operator, text string) string {
	chatID, err := d.router.RelayFromOperator(ctx, operator, text)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, registry.ErrNotBusy):
		return "You are not currently in a chat. Send '!WAITING' to see a list of available chats, or '!HELP' for other options."
	default:
		log.Printf("broker: relay from %s to chat #%d: %v", operator, chatID, err)
		return "Your message could not be delivered. Please try again." + helpHint
	}
}

// parseChatID reads the single chat number argument of ACCEPT and CANCEL.
func parseChatID(args string) (uint, bool) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "#"), 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func (d *Dispatcher) cmdAccept(ctx context.Context, operator, args string) string {
	chatID, ok := parseChatID(args)
	if !ok {
		return "Usage: !ACCEPT n, where n is the number of a waiting chat." + helpHint
	}

	s, err := d.registry.TryAccept(ctx, chatID, operator)
	switch {
	case err == nil:
		log.Printf("broker: %s accepted chat #%d", operator, chatID)
		d.router.NotifyVisitor(ctx, chatID, NoticeStarted)
		return fmt.Sprintf("You are now handling chat #%d. Send '!FINISH' when you are done.", chatID)
	case errors.Is(err, registry.ErrOperatorBusy):
		current, _ := d.registry.CurrentSession(operator)
		return fmt.Sprintf("You are already handling chat #%d. Send '!FINISH' to close it first.", current)
	case errors.Is(err, registry.ErrNotFound):
		return fmt.Sprintf("Chat #%d does not exist.", chatID) + helpHint
	case errors.Is(err, registry.ErrAlreadyAccepted):
		if s != nil && s.OperatorName() == operator {
			return fmt.Sprintf("You are already handling chat #%d.", chatID)
		}
		if s != nil && s.OperatorName() != "" {
			return fmt.Sprintf("Chat #%d is already handled by %s.", chatID, s.OperatorName()) + helpHint
		}
		return fmt.Sprintf("Chat #%d has already been accepted.", chatID) + helpHint
	case errors.Is(err, registry.ErrNotWaiting):
		return fmt.Sprintf("Chat #%d is already finished.", chatID) + helpHint
	default:
		log.Printf("broker: %s accept chat #%d: %v", operator, chatID, err)
		return fmt.Sprintf("Chat #%d could not be accepted right now. Please try again.", chatID)
	}
}

func (d *Dispatcher) cmdCancel(ctx context.Context, operator, args string) string {
	chatID, ok := parseChatID(args)
	if !ok {
		return "Usage: !CANCEL n, where n is the number of a waiting chat." + helpHint
	}

	s, err := d.registry.Cancel(ctx, chatID, operator)
	switch {
	case err == nil:
		log.Printf("broker: %s cancelled chat #%d", operator, chatID)
		d.router.NotifyVisitor(ctx, chatID, NoticeCancelled)
		return fmt.Sprintf("You canceled chat #%d.", chatID)
	case errors.Is(err, registry.ErrNotFound):
		return fmt.Sprintf("Chat #%d does not exist.", chatID) + helpHint
	case errors.Is(err, registry.ErrNotWaiting):
		switch {
		case s != nil && s.Status.Closed():
			return fmt.Sprintf("Chat #%d is already closed.", chatID) + helpHint
		case s != nil && s.OperatorName() == operator:
			return fmt.Sprintf("You have already accepted chat #%d. Send '!FINISH' to close it.", chatID)
		case s != nil && s.OperatorName() != "":
			return fmt.Sprintf("Chat #%d has already been accepted by %s.", chatID, s.OperatorName()) + helpHint
		default:
			return fmt.Sprintf("Chat #%d is no longer waiting.", chatID) + helpHint
		}
	default:
		log.Printf("broker: %s cancel chat #%d: %v", operator, chatID, err)
		return fmt.Sprintf("Chat #%d could not be canceled right now. Please try again.", chatID)
	}
}

func (d *Dispatcher) cmdFinish(ctx context.Context, operator, args string) string {
	s, err := d.registry.Finish(ctx, operator)
	switch {
	case err == nil:
		log.Printf("broker: %s finished chat #%d", operator, s.ChatID)
		d.router.NotifyVisitor(ctx, s.ChatID, NoticeClosed)
		return NoticeClosed
	case errors.Is(err, registry.ErrNotBusy):
		return "You are not currently in a chat." + helpHint
	default:
		log.Printf("broker: %s finish: %v", operator, err)
		return "Your chat could not be closed right now. Please try again."
	}
}

func (d *Dispatcher) cmdHelp(ctx context.Context, operator, args string) string {
	return d.helpText()
}

func (d *Dispatcher) cmdStatus(ctx context.Context, operator, args string) string {
	chatID, busy := d.registry.CurrentSession(operator)
	online := FormatOnline(d.presence.Online())
	if !busy {
		return "You are IDLE and not in a chat. " + online
	}
	label := "a visitor"
	if s, err := d.registry.GetSession(ctx, chatID); err == nil {
		label = s.VisitorLabel
	}
	return fmt.Sprintf("You are in chat #%d with %s. Send '!FINISH' when you are done. %s", chatID, label, online)
}

func (d *Dispatcher) cmdWaiting(ctx context.Context, operator, args string) string {
	waiting, err := d.registry.ListWaiting(ctx)
	if err != nil {
		log.Printf("broker: %s list waiting: %v", operator, err)
		return "The waiting list is unavailable right now. Please try again."
	}
	return FormatWaiting(waiting) + "\n" + FormatOnline(d.presence.Online())
}

// helpText lists every registered command in name order.
func (d *Dispatcher) helpText() string {
	d.mu.RLock()
	cmds := make([]Command, 0, len(d.commands))
	for _, c := range d.commands {
		cmds = append(cmds, c)
	}
	d.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "  %s - %s\n", c.Usage, c.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
