// Package tmux delivers user input into terminal panes via the tmux binary.
//
// Every invocation addresses a pane through a Target: the server socket
// path plus a session:window.pane spec. The socket flag is passed on every
// call when known — send-keys without it lands on the user's default tmux
// server, which is not necessarily the one hosting the CLI.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Common errors.
var (
	ErrNoServer     = errors.New("no tmux server running")
	ErrPaneNotFound = errors.New("pane not found")
)

// Target addresses one pane on one tmux server.
type Target struct {
	// Pane is a session:window.pane spec, e.g. "main:0.1".
	Pane string
	// Socket is the absolute path of the server's control socket.
	// Empty means the default server.
	Socket string
}

// Key names tmux understands, used for interrupt and kill delivery.
const (
	KeyEnter  = "Enter"
	KeyEscape = "Escape"
	KeyTab    = "Tab"
	KeyCtrlC  = "C-c"
	KeyCtrlU  = "C-u"
)

// Injector wraps tmux subprocess invocations.
type Injector struct {
	// run executes tmux with the given argv and returns stdout.
	// Overridden in tests.
	run func(args ...string) (string, error)
}

// NewInjector creates an injector that shells out to tmux.
func NewInjector() *Injector {
	inj := &Injector{}
	inj.run = inj.runTmux
	return inj
}

func (inj *Injector) runTmux(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "can't find pane") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find window") ||
		strings.Contains(stderr, "session not found") {
		return ErrPaneNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// argv builds a tmux command line for a target, always prepending the
// socket flag when the target has one.
func argv(t Target, args ...string) []string {
	if t.Socket != "" {
		return append([]string{"-S", t.Socket}, args...)
	}
	return args
}

// Validate checks that the target pane still exists.
func (inj *Injector) Validate(t Target) error {
	if t.Pane == "" {
		return ErrPaneNotFound
	}
	_, err := inj.run(argv(t, "list-panes", "-t", t.Pane)...)
	return err
}

// Inject types text into the pane and submits it. The text is sent in
// literal mode so tmux never interprets user content as key chords.
func (inj *Injector) Inject(t Target, text string) error {
	if err := inj.Validate(t); err != nil {
		return err
	}
	if _, err := inj.run(argv(t, "send-keys", "-t", t.Pane, "-l", text)...); err != nil {
		return err
	}
	_, err := inj.run(argv(t, "send-keys", "-t", t.Pane, KeyEnter)...)
	return err
}

// SendKey delivers a single named key (Enter, Escape, Tab, C-c, C-u).
func (inj *Injector) SendKey(t Target, key string) error {
	if err := inj.Validate(t); err != nil {
		return err
	}
	_, err := inj.run(argv(t, "send-keys", "-t", t.Pane, key)...)
	return err
}

// SendSlashCommand types a CLI slash command and submits it. The command
// is sent without literal mode so the leading "/" reaches the CLI as a
// typed character sequence; tmux key-name words never start with "/".
func (inj *Injector) SendSlashCommand(t Target, command string) error {
	if err := inj.Validate(t); err != nil {
		return err
	}
	if !strings.HasPrefix(command, "/") {
		command = "/" + command
	}
	if _, err := inj.run(argv(t, "send-keys", "-t", t.Pane, command)...); err != nil {
		return err
	}
	_, err := inj.run(argv(t, "send-keys", "-t", t.Pane, KeyEnter)...)
	return err
}

// QuoteForLog renders text the way it would appear in a shell, for log
// lines only. Arguments are passed to tmux as argv, never through a shell,
// so this is purely cosmetic.
func QuoteForLog(text string) string {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// cliProcessNames are pane commands that indicate the coding CLI.
// Claude Code reports as node, claude, or a bare version string.
var cliProcessNames = []string{"claude", "node"}

// DetectPane scans the default server for a pane running the coding CLI.
// Best effort: returns the first match. The authoritative target always
// comes from event metadata and overrides anything detected here.
func (inj *Injector) DetectPane() (Target, error) {
	out, err := inj.run("list-panes", "-a", "-F",
		"#{session_name}:#{window_index}.#{pane_index} #{pane_current_command}")
	if err != nil {
		return Target{}, err
	}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		for _, name := range cliProcessNames {
			if fields[1] == name {
				return Target{Pane: fields[0]}, nil
			}
		}
	}
	return Target{}, ErrPaneNotFound
}
