package bridge

import "strings"

// CommandKind classifies an inbound chat message.
type CommandKind int

const (
	// CommandLiteral injects the text verbatim and submits it.
	CommandLiteral CommandKind = iota
	// CommandInterrupt sends the Escape key.
	CommandInterrupt
	// CommandKill sends Control-C.
	CommandKill
	// CommandForward types the payload as a CLI slash command.
	CommandForward
)

// ChatCommand is the classified form of one chat message.
type ChatCommand struct {
	Kind CommandKind
	// Text is the payload: the original message for CommandLiteral, the
	// command name for CommandForward, empty for key commands.
	Text string
}

var (
	interruptWords = map[string]bool{
		"stop": true, "cancel": true, "abort": true, "esc": true, "escape": true,
	}
	killWords = map[string]bool{
		"kill": true, "exit": true, "quit": true, "ctrl+c": true, "ctrl-c": true, "^c": true,
	}
)

// ClassifyInput maps chat text onto a command. Matching is case-insensitive
// and tolerates a leading slash; anything unrecognized is literal input for
// the CLI, preserved byte for byte.
func ClassifyInput(text string) ChatCommand {
	trimmed := strings.TrimSpace(text)
	normal := strings.ToLower(strings.TrimPrefix(trimmed, "/"))

	switch {
	case interruptWords[normal]:
		return ChatCommand{Kind: CommandInterrupt}
	case killWords[normal]:
		return ChatCommand{Kind: CommandKill}
	case strings.HasPrefix(normal, "cc "):
		// Payload keeps the user's casing; only the prefix is normalized.
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, "/"))
		rest = strings.TrimSpace(rest[len("cc"):])
		if rest == "" {
			return ChatCommand{Kind: CommandLiteral, Text: text}
		}
		return ChatCommand{Kind: CommandForward, Text: rest}
	default:
		return ChatCommand{Kind: CommandLiteral, Text: text}
	}
}
