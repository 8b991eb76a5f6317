package bridge

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xcawolfe-amzn/ccbridge/internal/event"
	"github.com/xcawolfe-amzn/ccbridge/internal/telegram"
)

// Rendering limits. Telegram caps messages at 4096 bytes; these leave room
// for the surrounding formatting.
const (
	responseLimit   = 3500
	toolOutputLimit = 1200
	previewLimit    = 200
)

// ansiPattern matches CSI and OSC control sequences plus stray escapes.
// Hook content comes from a terminal and often carries color codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b.`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a UTF-8 sequence.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "\n… (truncated)"
}

func renderAgentResponse(ev event.AgentResponse) string {
	return truncate(stripANSI(ev.Content), responseLimit)
}

func renderUserInput(ev event.UserInput) string {
	return "👤 " + truncate(stripANSI(ev.Content), previewLimit*2)
}

func renderError(ev event.ErrorEvent) string {
	icon := "⚠️"
	if ev.Level == "error" || ev.Level == "fatal" {
		icon = "❌"
	}
	return icon + " " + truncate(stripANSI(ev.Content), toolOutputLimit)
}

func renderCommand(ev event.Command) string {
	cmd := strings.TrimSpace(stripANSI(ev.Content))
	if !strings.HasPrefix(cmd, "/") {
		cmd = "/" + cmd
	}
	return "⚡ `" + telegram.Escape(cmd) + "`"
}

func renderToolResult(ev event.ToolResult) string {
	body := truncate(stripANSI(ev.Content), toolOutputLimit)
	header := "🧰 " + telegram.Escape(ev.Tool) + " finished"
	if strings.TrimSpace(body) == "" {
		return header
	}
	return header + "\n```\n" + body + "\n```"
}

// renderToolStart builds the one-line preview for a tool invocation.
// hasDetails reports whether the full input is worth a Details button.
func renderToolStart(ev event.ToolStart) (text string, hasDetails bool) {
	preview := toolPreview(ev.Tool, ev.Input)
	if preview == "" {
		preview = truncate(stripANSI(ev.Content), previewLimit)
	}

	text = "🔧 *" + telegram.Escape(ev.Tool) + "*"
	if preview != "" {
		text += " " + preview
	}
	return text, len(ev.Input) > 0
}

// toolPreview extracts the one field that identifies an invocation of a
// known tool verb. Unknown verbs fall back to the event content.
func toolPreview(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}

	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}

	switch tool {
	case "Read", "Write", "Edit":
		if path := str("file_path"); path != "" {
			return "`" + telegram.Escape(shortenPath(path)) + "`"
		}
	case "Bash":
		if cmd := str("command"); cmd != "" {
			return "\n```\n" + truncate(stripANSI(cmd), previewLimit) + "\n```"
		}
	case "Grep", "Glob":
		if pat := str("pattern"); pat != "" {
			return "`" + telegram.Escape(truncate(pat, previewLimit)) + "`"
		}
	case "WebFetch":
		if url := str("url"); url != "" {
			return truncate(url, previewLimit)
		}
	case "Task":
		if desc := str("description"); desc != "" {
			return telegram.Escape(truncate(desc, previewLimit))
		}
	}
	return ""
}

// shortenPath keeps the last three path elements so long repo paths stay
// readable on a phone.
func shortenPath(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= 3 {
		return path
	}
	return "…/" + strings.Join(parts[len(parts)-3:], "/")
}

// renderToolDetails formats a cached tool input for the Details callback.
func renderToolDetails(input json.RawMessage) string {
	var pretty map[string]any
	if err := json.Unmarshal(input, &pretty); err == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			return "```\n" + truncate(string(out), responseLimit) + "\n```"
		}
	}
	return "```\n" + truncate(string(input), responseLimit) + "\n```"
}

// topicName builds the forum topic title from session annotations.
func topicName(hostname, projectDir, sessionID string) string {
	host := hostname
	if host == "" {
		host = "session"
	}
	proj := filepath.Base(projectDir)
	if proj == "" || proj == "." || proj == "/" {
		short := sessionID
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("%s:%s", host, short)
	}
	return fmt.Sprintf("%s:%s", host, proj)
}

// topicColor picks a stable icon color for a session id.
func topicColor(sessionID string) int {
	var sum int
	for _, b := range []byte(sessionID) {
		sum = sum*31 + int(b)
		sum &= 0x7fffffff
	}
	return telegram.TopicColors[sum%len(telegram.TopicColors)]
}
