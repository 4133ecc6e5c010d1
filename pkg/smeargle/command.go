package smeargle

import "strings"

// CommandPrefix introduces every chat command.
const CommandPrefix = "!"

const (
	// CommandPing is answered with "Pong!".
	CommandPing = "ping"
	// CommandDing is answered with "Dong!".
	CommandDing = "ding"
	// CommandRandom resolves a random album instead of a named one.
	CommandRandom = "random"
)

// Command is one parsed `!` invocation.
type Command struct {
	// Name is the text after the leading prefix run with surrounding space trimmed.
	Name string
	// RawInput is the original message text.
	RawInput string
}

// ParseCommand extracts a command from message text.
//
// Any run of leading prefixes is stripped, so "!!Pikachu" names "Pikachu".
// Text without the prefix, or with nothing after it, is not a command.
func ParseCommand(text string) (Command, bool) {
	if !strings.HasPrefix(text, CommandPrefix) {
		return Command{}, false
	}
	name := strings.TrimSpace(strings.TrimLeft(text, CommandPrefix))
	if name == "" {
		return Command{}, false
	}

	return Command{Name: name, RawInput: text}, true
}

// IsExact reports whether the raw input is exactly the prefixed name.
func (c Command) IsExact(name string) bool {
	return c.RawInput == CommandPrefix+name
}

// HasPrefixFold reports whether the raw input starts with the prefixed word, ignoring case.
func (c Command) HasPrefixFold(word string) bool {
	head := CommandPrefix + word
	if len(c.RawInput) < len(head) {
		return false
	}

	return strings.EqualFold(c.RawInput[:len(head)], head)
}

// IsBuiltin reports whether the command is answered without the gallery.
func (c Command) IsBuiltin() bool {
	return c.IsExact(CommandPing) || c.IsExact(CommandDing)
}
