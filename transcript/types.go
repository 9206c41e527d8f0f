// Package transcript holds the conversation model the orchestrator builds and
// the updates it emits to a render target.
//
// A Message owns its ContentBlocks, ToolCalls and Subagents. Blocks are
// append-only and ordered by emission; a tool_use block always refers to a
// ToolCall that already exists in the same message, and a subagent block to
// an existing SubagentInfo.
package transcript

import (
	"time"
	"unicode/utf8"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind identifies a content block variant.
type BlockKind string

const (
	BlockText            BlockKind = "text"
	BlockThinking        BlockKind = "thinking"
	BlockToolUse         BlockKind = "tool_use"
	BlockSubagent        BlockKind = "subagent"
	BlockCompactBoundary BlockKind = "compact_boundary"
	BlockNotice          BlockKind = "notice"
)

// Severity classifies a notice block.
type Severity string

const (
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
	SeverityInterrupted Severity = "interrupted"
)

// ContentBlock is one ordered unit of assistant output. Which fields are set
// depends on Kind.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`
	// Text holds text, thinking and notice content.
	Text string `json:"text,omitempty"`
	// DurationMs is the thinking duration, when known.
	DurationMs int64 `json:"duration_ms,omitempty"`
	// ToolID references a ToolCall for tool_use blocks.
	ToolID string `json:"tool_id,omitempty"`
	// SubagentID references a SubagentInfo for subagent blocks.
	SubagentID string       `json:"subagent_id,omitempty"`
	Mode       SubagentMode `json:"mode,omitempty"`
	Severity   Severity     `json:"severity,omitempty"`
}

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
	ToolBlocked   ToolStatus = "blocked"
)

// ToolCall is one agent-initiated action.
type ToolCall struct {
	Input    map[string]interface{} `json:"input"`
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Status   ToolStatus             `json:"status"`
	Result   string                 `json:"result,omitempty"`
	Expanded bool                   `json:"expanded,omitempty"`
}

// Terminal reports whether the call has finished.
func (c *ToolCall) Terminal() bool {
	return c.Status != ToolRunning
}

// SubagentMode distinguishes blocking and background subagents.
type SubagentMode string

const (
	ModeSync  SubagentMode = "sync"
	ModeAsync SubagentMode = "async"
)

// SubagentStatus is the lifecycle state of a subagent.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentError     SubagentStatus = "error"
	SubagentOrphaned  SubagentStatus = "orphaned"
)

// SubagentInfo is a nested task execution. ID is the spawning tool-call id;
// AgentID is issued by the process for background subagents once the spawn
// is confirmed.
type SubagentInfo struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Mode         SubagentMode   `json:"mode"`
	Description  string         `json:"description"`
	Tools        []*ToolCall    `json:"tools,omitempty"`
	Status       SubagentStatus `json:"status"`
	Result       string         `json:"result,omitempty"`
	OutputToolID string         `json:"output_tool_id,omitempty"`
}

// Terminal reports whether the subagent has reached a final state,
// including orphaned.
func (s *SubagentInfo) Terminal() bool {
	return s.Status != SubagentRunning
}

// Tool returns the nested call with the given id.
func (s *SubagentInfo) Tool(id string) *ToolCall {
	for _, c := range s.Tools {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Message is one entry of a conversation.
type Message struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	// SessionMessageID is the agent's own id for the last top-level
	// assistant message of the turn. Resuming at this message uses it.
	SessionMessageID string          `json:"session_message_id,omitempty"`
	Role             Role            `json:"role"`
	Content          string          `json:"content,omitempty"`
	Blocks           []ContentBlock  `json:"blocks,omitempty"`
	ToolCalls        []*ToolCall     `json:"tool_calls,omitempty"`
	Subagents        []*SubagentInfo `json:"subagents,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	Interrupted      bool            `json:"interrupted,omitempty"`
}

// ToolCall returns the top-level call with the given id.
func (m *Message) ToolCall(id string) *ToolCall {
	for _, c := range m.ToolCalls {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Subagent returns the subagent spawned by the given tool-call id.
func (m *Message) Subagent(id string) *SubagentInfo {
	for _, s := range m.Subagents {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Text concatenates the text blocks of the message, or returns Content for
// user messages.
func (m *Message) Text() string {
	if m.Role == RoleUser {
		return m.Content
	}
	var out []byte
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			out = append(out, b.Text...)
		}
	}
	return string(out)
}

const labelLimit = 40

// Label shortens a subagent description for display. Only the first 40
// characters are kept; longer descriptions end with an ellipsis.
func Label(description string) string {
	if utf8.RuneCountInString(description) <= labelLimit {
		return description
	}
	runes := []rune(description)
	return string(runes[:labelLimit]) + "…"
}
