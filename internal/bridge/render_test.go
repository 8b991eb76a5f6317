package bridge

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/xcawolfe-amzn/ccbridge/internal/event"
	"github.com/xcawolfe-amzn/ccbridge/internal/telegram"
)

func TestStripANSI(t *testing.T) {
	in := "\x1b[1;32mok\x1b[0m plain \x1b]0;title\x07done"
	if got := stripANSI(in); got != "ok plain done" {
		t.Errorf("stripANSI() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := truncate(long, 10)
	if !strings.HasPrefix(got, "aaaaaaaaaa") || !strings.Contains(got, "truncated") {
		t.Errorf("truncate() = %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Error("truncate() modified text under the limit")
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// "ab" + a three-byte rune; a cut at 3 would land inside the rune.
	got := truncate("ab界界", 3)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() produced invalid UTF-8: %q", got)
	}
	if !strings.HasPrefix(got, "ab\n") {
		t.Errorf("truncate() = %q, want cut backed up to %q", got, "ab")
	}

	// A cut exactly on a boundary is left alone.
	got = truncate("ab界界", 5)
	if !strings.HasPrefix(got, "ab界\n") {
		t.Errorf("truncate() = %q, want whole first rune kept", got)
	}
}

func TestToolPreviewKnownVerbs(t *testing.T) {
	tests := []struct {
		tool  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/home/u/src/app/internal/web/server.go"}`, "internal/web/server.go"},
		{"Bash", `{"command":"go test ./..."}`, "go test ./..."},
		{"Grep", `{"pattern":"func main"}`, "func main"},
		{"WebFetch", `{"url":"https://example.com/doc"}`, "https://example.com/doc"},
		{"Task", `{"description":"refactor the parser"}`, "refactor the parser"},
	}
	for _, tt := range tests {
		got := toolPreview(tt.tool, json.RawMessage(tt.input))
		if !strings.Contains(got, tt.want) {
			t.Errorf("toolPreview(%s) = %q, want containing %q", tt.tool, got, tt.want)
		}
	}

	if got := toolPreview("Mystery", json.RawMessage(`{"x":1}`)); got != "" {
		t.Errorf("toolPreview(unknown verb) = %q, want empty", got)
	}
}

func TestRenderToolStartDetailsFlag(t *testing.T) {
	withInput := event.ToolStart{Tool: "Bash", Input: json.RawMessage(`{"command":"ls"}`)}
	text, details := renderToolStart(withInput)
	if !details {
		t.Error("input present but no details flag")
	}
	if !strings.Contains(text, "Bash") {
		t.Errorf("text = %q", text)
	}

	bare := event.ToolStart{Tool: "Bash"}
	if _, details := renderToolStart(bare); details {
		t.Error("details flag without input")
	}
}

func TestRenderErrorSeverity(t *testing.T) {
	warn := renderError(event.ErrorEvent{Content: "slow", Level: "warning"})
	if !strings.HasPrefix(warn, "⚠️") {
		t.Errorf("warning = %q", warn)
	}
	fatal := renderError(event.ErrorEvent{Content: "boom", Level: "error"})
	if !strings.HasPrefix(fatal, "❌") {
		t.Errorf("error = %q", fatal)
	}
}

func TestTopicName(t *testing.T) {
	if got := topicName("box", "/home/u/src/webapp", "abc"); got != "box:webapp" {
		t.Errorf("topicName() = %q", got)
	}
	// No project dir: fall back to a session id prefix.
	got := topicName("box", "", "0123456789abcdef")
	if got != "box:01234567" {
		t.Errorf("topicName() = %q", got)
	}
}

func TestTopicColorStableAndValid(t *testing.T) {
	a := topicColor("session-one")
	if a != topicColor("session-one") {
		t.Error("topicColor not stable for equal ids")
	}
	for _, id := range []string{"", "a", "session-two", "0123456789"} {
		c := topicColor(id)
		valid := false
		for _, want := range telegram.TopicColors {
			if c == want {
				valid = true
			}
		}
		if !valid {
			t.Errorf("topicColor(%q) = %#x, not a platform color", id, c)
		}
	}
}

func TestShortenPath(t *testing.T) {
	if got := shortenPath("/a/b/c/d/e.go"); got != "…/c/d/e.go" {
		t.Errorf("shortenPath() = %q", got)
	}
	if got := shortenPath("b/e.go"); got != "b/e.go" {
		t.Errorf("shortenPath(short) = %q", got)
	}
}
