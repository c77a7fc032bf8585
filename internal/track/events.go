package track

import (
	"encoding/json"
	"fmt"

	"github.com/asheshgoplani/agent-pulse/internal/statedb"
)

// Event is one hook invocation decoded into its typed kind. Each concrete
// event carries only the fields its handler consumes; absent payload fields
// decode to zero values rather than being looked up ad hoc.
type Event interface {
	Kind() string
}

// UserPromptSubmitted fires when the user sends a prompt.
type UserPromptSubmitted struct {
	SessionID string
	Prompt    string
	CWD       string
	// PendingID is the locally generated id from the shell wrapper; used to
	// link the pending row on the first prompt.
	PendingID string
}

// PreToolUse fires just before a tool runs.
type PreToolUse struct {
	SessionID string
	ToolName  string
}

// PostToolUse fires after a tool finished.
type PostToolUse struct {
	SessionID    string
	ToolName     string
	ToolInput    json.RawMessage
	ToolResponse json.RawMessage
	CWD          string
}

// Notification fires on host notification events (idle prompt, permission
// prompt, elicitation dialog, ...).
type Notification struct {
	SessionID        string
	NotificationType string
	Message          string
	CWD              string
}

// PermissionRequest fires when the agent asks to use a tool.
type PermissionRequest struct {
	SessionID string
	ToolName  string
	Decision  string
}

// SubagentStart fires when work is delegated to a sub-agent.
type SubagentStart struct {
	SessionID string
	AgentName string
	Reason    string
}

// SubagentStop fires when a sub-agent finishes.
type SubagentStop struct {
	SessionID string
	AgentName string
	AgentID   string
}

// Stop fires when the agent stops responding for this turn.
type Stop struct {
	SessionID      string
	TranscriptPath string
	CWD            string
}

// SessionInit is issued by the shell wrapper before the agent starts,
// carrying only environment-derived identity.
type SessionInit struct {
	PendingID    string
	Project      string
	AccountAlias string
	Terminal     statedb.TerminalInfo
}

// SessionCleanup is issued when the hosting shell exits.
type SessionCleanup struct {
	SessionID string
	PendingID string
	ShellPID  int
}

func (UserPromptSubmitted) Kind() string { return "prompt" }
func (PreToolUse) Kind() string          { return "pre-tool" }
func (PostToolUse) Kind() string         { return "post-tool" }
func (Notification) Kind() string        { return "notification" }
func (PermissionRequest) Kind() string   { return "permission" }
func (SubagentStart) Kind() string       { return "subagent-start" }
func (SubagentStop) Kind() string        { return "subagent-stop" }
func (Stop) Kind() string                { return "stop" }
func (SessionInit) Kind() string         { return "session-init" }
func (SessionCleanup) Kind() string      { return "cleanup" }

// payload mirrors the host's hook JSON. Only the fields we need are decoded;
// unknown fields are ignored.
type payload struct {
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	Prompt           string          `json:"prompt"`
	UserPrompt       string          `json:"userPrompt"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	NotificationType string          `json:"notification_type"`
	Message          string          `json:"message"`
	TranscriptPath   string          `json:"transcript_path"`
	PermissionMode   string          `json:"permissionDecision"`
	AgentName        string          `json:"agent_name"`
	AgentID          string          `json:"agent_id"`
	DelegationReason string          `json:"delegation_reason"`
}

// DecodeEvent turns one hook payload into its typed event. pendingID comes
// from the process environment, not the payload. Unknown kinds return an
// error the adapter logs and ignores; they are never fatal.
func DecodeEvent(kind string, data []byte, pendingID string) (Event, error) {
	var p payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("track: decode payload: %w", err)
		}
	}

	prompt := p.Prompt
	if prompt == "" {
		prompt = p.UserPrompt
	}

	switch kind {
	case "prompt":
		return UserPromptSubmitted{SessionID: p.SessionID, Prompt: prompt, CWD: p.CWD, PendingID: pendingID}, nil
	case "pre-tool":
		return PreToolUse{SessionID: p.SessionID, ToolName: p.ToolName}, nil
	case "post-tool":
		return PostToolUse{SessionID: p.SessionID, ToolName: p.ToolName, ToolInput: p.ToolInput, ToolResponse: p.ToolResponse, CWD: p.CWD}, nil
	case "notification":
		return Notification{SessionID: p.SessionID, NotificationType: p.NotificationType, Message: p.Message, CWD: p.CWD}, nil
	case "permission":
		return PermissionRequest{SessionID: p.SessionID, ToolName: p.ToolName, Decision: p.PermissionMode}, nil
	case "subagent-start":
		return SubagentStart{SessionID: p.SessionID, AgentName: p.AgentName, Reason: p.DelegationReason}, nil
	case "subagent-stop":
		return SubagentStop{SessionID: p.SessionID, AgentName: p.AgentName, AgentID: p.AgentID}, nil
	case "stop":
		return Stop{SessionID: p.SessionID, TranscriptPath: p.TranscriptPath, CWD: p.CWD}, nil
	default:
		return nil, fmt.Errorf("track: unknown hook kind %q", kind)
	}
}
