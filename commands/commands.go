// Package commands is the closed table of chat commands the bot answers.
// Commands are registered statically at construction; inbound text only selects
// an entry, it is never evaluated.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/telemetry"
)

// TextStore persists per-channel text commands.
type TextStore interface {
	GetTextCommand(ctx context.Context, channel, name string) (string, bool, error)
	ListTextCommands(ctx context.Context, channel string) ([]string, error)
	UpsertTextCommand(ctx context.Context, channel, name, text string) error
	DeleteTextCommand(ctx context.Context, channel, name string) (bool, error)
}

// Invocation is one parsed command call.
type Invocation struct {
	Msg  chat.ChatMessage
	Name string
	Args []string
}

// Command is a table entry. Allowed nil means anyone may run it.
type Command struct {
	Name        string
	Description string
	Allowed     func(chat.ChatMessage) bool
	Handle      func(ctx context.Context, inv Invocation) (string, error)
}

func (c Command) allowed(msg chat.ChatMessage) bool {
	return c.Allowed == nil || c.Allowed(msg)
}

// Table dispatches "!name args" messages to registered commands, then static text
// replies, then stored text commands.
type Table struct {
	commands map[string]Command
	static   map[string]string
	store    TextStore
}

var validName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// New builds the table with the built-in commands. store may be nil, which
// disables stored text commands.
func New(store TextStore) *Table {
	t := &Table{
		commands: make(map[string]Command),
		static:   map[string]string{"drop": "Drop from the sky!"},
		store:    store,
	}
	t.register(Command{Name: "ping", Description: "Check that the bot is alive", Handle: t.ping})
	t.register(Command{Name: "commands", Description: "Show all commands", Handle: t.list})
	t.register(Command{Name: "help", Description: "Show what a command does. Use !help <name>", Handle: t.help})
	t.register(Command{
		Name:        "addcommand",
		Description: "Create a text command. Use !addcommand <name> <text>",
		Allowed:     IsBroadcaster,
		Handle:      t.add,
	})
	t.register(Command{
		Name:        "delcommand",
		Description: "Remove a text command. Use !delcommand <name>",
		Allowed:     IsModerator,
		Handle:      t.remove,
	})
	return t
}

func (t *Table) register(c Command) { t.commands[c.Name] = c }

// IsBroadcaster allows only the channel owner.
func IsBroadcaster(m chat.ChatMessage) bool { return m.Flags.Broadcaster }

// IsModerator allows moderators and the channel owner.
func IsModerator(m chat.ChatMessage) bool { return m.Flags.Broadcaster || m.Flags.Moderator }

// Parse splits "!name arg1 arg2" into a lower-cased name and its args.
func Parse(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Run implements chat.CommandRunner.
func (t *Table) Run(ctx context.Context, msg chat.ChatMessage) (string, bool) {
	name, args, ok := Parse(msg.Text)
	if !ok {
		return "", false
	}
	inv := Invocation{Msg: msg, Name: name, Args: args}

	if c, ok := t.commands[name]; ok {
		if !c.allowed(msg) {
			return "", false
		}
		reply, err := c.Handle(ctx, inv)
		if err != nil {
			slog.Warn("command failed", slog.String("component", "commands"), slog.String("command", name), slog.Any("err", err))
			return mention(msg, "something went wrong"), true
		}
		telemetry.IncLabel(telemetry.CommandsRun, name)
		return reply, reply != ""
	}
	if text, ok := t.static[name]; ok {
		telemetry.IncLabel(telemetry.CommandsRun, "static")
		return text, true
	}
	if t.store == nil {
		return "", false
	}
	text, found, err := t.store.GetTextCommand(ctx, msg.Channel, name)
	if err != nil {
		slog.Warn("text command lookup failed", slog.String("component", "commands"), slog.String("command", name), slog.Any("err", err))
		return "", false
	}
	if !found {
		return "", false
	}
	telemetry.IncLabel(telemetry.CommandsRun, "text")
	return text, true
}

func mention(msg chat.ChatMessage, text string) string {
	name := msg.DisplayName
	if name == "" {
		name = msg.Username
	}
	return "@" + name + ", " + text
}

func (t *Table) ping(_ context.Context, inv Invocation) (string, error) {
	return mention(inv.Msg, "pong"), nil
}

func (t *Table) list(ctx context.Context, inv Invocation) (string, error) {
	var names []string
	for name, c := range t.commands {
		if c.allowed(inv.Msg) {
			names = append(names, name)
		}
	}
	for name := range t.static {
		names = append(names, name)
	}
	if t.store != nil {
		stored, err := t.store.ListTextCommands(ctx, inv.Msg.Channel)
		if err != nil {
			return "", err
		}
		names = append(names, stored...)
	}
	sort.Strings(names)
	for i, n := range names {
		names[i] = "!" + n
	}
	return mention(inv.Msg, strings.Join(names, ", ")), nil
}

func (t *Table) help(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) == 0 {
		return mention(inv.Msg, "specify a command name to see its description"), nil
	}
	name := strings.ToLower(strings.TrimPrefix(inv.Args[0], "!"))
	if c, ok := t.commands[name]; ok {
		if !c.allowed(inv.Msg) {
			return mention(inv.Msg, "you are not authorized to run this command"), nil
		}
		return mention(inv.Msg, c.Description), nil
	}
	if text, ok := t.static[name]; ok {
		return mention(inv.Msg, text), nil
	}
	if t.store != nil {
		_, found, err := t.store.GetTextCommand(ctx, inv.Msg.Channel, name)
		if err != nil {
			return "", err
		}
		if found {
			return mention(inv.Msg, "a text command with useful information"), nil
		}
	}
	return mention(inv.Msg, name+" not found"), nil
}

func (t *Table) add(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) < 2 {
		return mention(inv.Msg, "provide a command name and its text"), nil
	}
	if t.store == nil {
		return mention(inv.Msg, "text commands are disabled"), nil
	}
	name := strings.ToLower(strings.TrimPrefix(inv.Args[0], "!"))
	if !validName.MatchString(name) {
		return mention(inv.Msg, "command names use letters, digits and underscores"), nil
	}
	if _, builtin := t.commands[name]; builtin {
		return mention(inv.Msg, fmt.Sprintf("!%s is a built-in command", name)), nil
	}
	if _, static := t.static[name]; static {
		return mention(inv.Msg, fmt.Sprintf("!%s is a built-in command", name)), nil
	}
	if err := t.store.UpsertTextCommand(ctx, inv.Msg.Channel, name, strings.Join(inv.Args[1:], " ")); err != nil {
		return "", err
	}
	return mention(inv.Msg, "command successfully created"), nil
}

func (t *Table) remove(ctx context.Context, inv Invocation) (string, error) {
	if len(inv.Args) < 1 {
		return mention(inv.Msg, "provide a command name"), nil
	}
	if t.store == nil {
		return mention(inv.Msg, "text commands are disabled"), nil
	}
	name := strings.ToLower(strings.TrimPrefix(inv.Args[0], "!"))
	removed, err := t.store.DeleteTextCommand(ctx, inv.Msg.Channel, name)
	if err != nil {
		return "", err
	}
	if !removed {
		return mention(inv.Msg, name+" not found"), nil
	}
	return mention(inv.Msg, "command removed"), nil
}
