// Package event defines the typed events hooks send over the bridge socket.
//
// The wire format is one JSON object per line. Every object carries a type
// tag, a session id, a timestamp, and free-form content; type-specific
// details ride in a metadata object. Parse turns the envelope into a typed
// variant so the router can switch on concrete types instead of poking at
// an untyped map.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type identifies an event variant on the wire.
type Type string

// Wire event types. SessionStart is accepted for compatibility but current
// hooks no longer emit it; sessions are created on demand by the first
// event of any type.
const (
	TypeSessionStart     Type = "session_start"
	TypeSessionEnd       Type = "session_end"
	TypeAgentResponse    Type = "agent_response"
	TypeToolStart        Type = "tool_start"
	TypeToolResult       Type = "tool_result"
	TypeUserInput        Type = "user_input"
	TypeApprovalRequest  Type = "approval_request"
	TypeApprovalResponse Type = "approval_response"
	TypeError            Type = "error"
	TypeTurnComplete     Type = "turn_complete"
	TypePreCompact       Type = "pre_compact"
	TypeCommand          Type = "command"
)

// Meta carries the session annotations shared by all variants.
// Empty fields mean "not supplied"; the router only acts on non-empty ones.
type Meta struct {
	Hostname   string
	ProjectDir string
	TmuxTarget string
	TmuxSocket string
}

// Event is a parsed wire event. Concrete variants carry the
// type-specific fields; the router dispatches with a type switch.
type Event interface {
	// Kind returns the wire type tag.
	Kind() Type
	// SessionID returns the upstream session id the event addresses.
	SessionID() string
	// Time returns the event timestamp.
	Time() time.Time
	// Metadata returns the shared session annotations.
	Metadata() Meta
}

// base holds the envelope fields common to all variants.
type base struct {
	session string
	ts      time.Time
	meta    Meta
}

func (b base) SessionID() string { return b.session }
func (b base) Time() time.Time   { return b.ts }
func (b base) Metadata() Meta    { return b.meta }

// SessionStart announces a new session. Informational only.
type SessionStart struct {
	base
	Content string
}

func (SessionStart) Kind() Type { return TypeSessionStart }

// SessionEnd reports that the upstream CLI session finished.
type SessionEnd struct {
	base
	Content string
}

func (SessionEnd) Kind() Type { return TypeSessionEnd }

// AgentResponse carries assistant output text.
type AgentResponse struct {
	base
	Content string
}

func (AgentResponse) Kind() Type { return TypeAgentResponse }

// ToolStart reports that a tool invocation began.
type ToolStart struct {
	base
	Tool    string
	Input   json.RawMessage
	Content string
}

func (ToolStart) Kind() Type { return TypeToolStart }

// ToolResult carries the output of a completed tool invocation.
type ToolResult struct {
	base
	Tool    string
	Content string
}

func (ToolResult) Kind() Type { return TypeToolResult }

// InputSource tells the router where a user_input event originated.
type InputSource string

const (
	SourceCLI      InputSource = "cli"
	SourceTelegram InputSource = "telegram"
)

// UserInput echoes text the user typed into the CLI. When the bridge itself
// injected the text, Source is SourceTelegram and the router suppresses the
// echo.
type UserInput struct {
	base
	Content string
	Source  InputSource
}

func (UserInput) Kind() Type { return TypeUserInput }

// ApprovalRequest asks the user to approve or reject a pending action.
type ApprovalRequest struct {
	base
	Prompt string
}

func (ApprovalRequest) Kind() Type { return TypeApprovalRequest }

// ApprovalDecision is a terminal approval outcome.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// ApprovalResponse carries an approval decision. Outbound only: the daemon
// broadcasts it to connected hooks after a button press. Inbound copies are
// accepted and ignored.
type ApprovalResponse struct {
	base
	ApprovalID string
	Decision   ApprovalDecision
}

func (ApprovalResponse) Kind() Type { return TypeApprovalResponse }

// ErrorEvent reports an upstream error with an optional severity hint.
type ErrorEvent struct {
	base
	Content string
	Level   string
}

func (ErrorEvent) Kind() Type { return TypeError }

// TurnComplete marks the end of an assistant turn.
type TurnComplete struct {
	base
	Content string
}

func (TurnComplete) Kind() Type { return TypeTurnComplete }

// PreCompact reports that the CLI is about to compact its context.
// Trigger is "auto" or "manual".
type PreCompact struct {
	base
	Trigger string
}

func (PreCompact) Kind() Type { return TypePreCompact }

// Command reports a slash command the user ran in the CLI.
type Command struct {
	base
	Content string
}

func (Command) Kind() Type { return TypeCommand }

// Unknown preserves events with an unrecognized type tag. The router logs
// and drops them; the raw line is kept for the log message.
type Unknown struct {
	base
	Name string
	Raw  json.RawMessage
}

func (Unknown) Kind() Type { return Type("unknown") }

// envelope is the wire shape of a single NDJSON line.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata"`
}

// metadata is the recognized subset of the envelope's metadata object.
// Unknown keys are ignored.
type metadata struct {
	Hostname   string          `json:"hostname"`
	ProjectDir string          `json:"projectDir"`
	TmuxTarget string          `json:"tmuxTarget"`
	TmuxSocket string          `json:"tmuxSocket"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	Trigger    string          `json:"trigger"`
	Level      string          `json:"level"`
	Source     string          `json:"source"`
	ApprovalID string          `json:"approvalId"`
	Decision   string          `json:"decision"`
}

// Parse decodes one NDJSON line into a typed event.
// A missing sessionId is an error for every type except approval_response,
// which is correlated by approval id instead.
func Parse(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("event missing type")
	}

	var md metadata
	if len(env.Metadata) > 0 {
		// Metadata decode failures are not fatal: the envelope alone is
		// enough to route most events.
		_ = json.Unmarshal(env.Metadata, &md)
	}

	ts := time.Now().UTC()
	if env.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			ts = parsed
		}
	}

	b := base{
		session: env.SessionID,
		ts:      ts,
		meta: Meta{
			Hostname:   md.Hostname,
			ProjectDir: md.ProjectDir,
			TmuxTarget: md.TmuxTarget,
			TmuxSocket: md.TmuxSocket,
		},
	}

	if env.SessionID == "" && Type(env.Type) != TypeApprovalResponse {
		return nil, fmt.Errorf("event %q missing sessionId", env.Type)
	}

	switch Type(env.Type) {
	case TypeSessionStart:
		return SessionStart{base: b, Content: env.Content}, nil
	case TypeSessionEnd:
		return SessionEnd{base: b, Content: env.Content}, nil
	case TypeAgentResponse:
		return AgentResponse{base: b, Content: env.Content}, nil
	case TypeToolStart:
		return ToolStart{base: b, Tool: md.Tool, Input: md.Input, Content: env.Content}, nil
	case TypeToolResult:
		return ToolResult{base: b, Tool: md.Tool, Content: env.Content}, nil
	case TypeUserInput:
		src := SourceCLI
		if md.Source == string(SourceTelegram) {
			src = SourceTelegram
		}
		return UserInput{base: b, Content: env.Content, Source: src}, nil
	case TypeApprovalRequest:
		prompt := env.Content
		if prompt == "" {
			prompt = "Approve this action?"
		}
		return ApprovalRequest{base: b, Prompt: prompt}, nil
	case TypeApprovalResponse:
		return ApprovalResponse{
			base:       b,
			ApprovalID: md.ApprovalID,
			Decision:   ApprovalDecision(md.Decision),
		}, nil
	case TypeError:
		return ErrorEvent{base: b, Content: env.Content, Level: md.Level}, nil
	case TypeTurnComplete:
		return TurnComplete{base: b, Content: env.Content}, nil
	case TypePreCompact:
		trigger := md.Trigger
		if trigger == "" {
			trigger = "auto"
		}
		return PreCompact{base: b, Trigger: trigger}, nil
	case TypeCommand:
		return Command{base: b, Content: env.Content}, nil
	default:
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return Unknown{base: b, Name: env.Type, Raw: raw}, nil
	}
}

// MarshalResponse encodes an approval_response event for broadcast back to
// connected hooks. The caller appends the newline frame delimiter.
func MarshalResponse(sessionID, approvalID string, decision ApprovalDecision) ([]byte, error) {
	env := struct {
		Type      string            `json:"type"`
		SessionID string            `json:"sessionId"`
		Timestamp string            `json:"timestamp"`
		Metadata  map[string]string `json:"metadata"`
	}{
		Type:      string(TypeApprovalResponse),
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata: map[string]string{
			"approvalId": approvalID,
			"decision":   string(decision),
		},
	}
	return json.Marshal(env)
}
