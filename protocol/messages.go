// Package protocol defines the line-delimited JSON records exchanged with
// the agent CLI process. Every record carries a "type" discriminator; the
// parse helpers tolerate unknown kinds and fields, which never fail a
// stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates between message kinds.
type MessageType string

const (
	MessageTypeSystem          MessageType = "system"
	MessageTypeAssistant       MessageType = "assistant"
	MessageTypeUser            MessageType = "user"
	MessageTypeResult          MessageType = "result"
	MessageTypeStreamEvent     MessageType = "stream_event"
	MessageTypeControlRequest  MessageType = "control_request"
	MessageTypeControlResponse MessageType = "control_response"
	MessageTypeError           MessageType = "error"
)

// System message subtypes the engine reacts to.
const (
	SystemSubtypeInit            = "init"
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Message is the interface for all protocol messages.
type Message interface {
	MsgType() MessageType
}

// Scoped is implemented by messages that may originate from a subagent.
// ParentToolUse returns the id of the spawning tool call, or "" for the
// main agent.
type Scoped interface {
	Message
	ParentToolUse() string
}

func scopeOf(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// SystemMessage represents session initialization and system events.
type SystemMessage struct {
	ParentToolUseID   *string      `json:"parent_tool_use_id,omitempty"`
	UUID              string       `json:"uuid"`
	PermissionMode    string       `json:"permissionMode,omitempty"`
	ClaudeCodeVersion string       `json:"claude_code_version,omitempty"`
	CWD               string       `json:"cwd,omitempty"`
	Type              MessageType  `json:"type"`
	Subtype           string       `json:"subtype"`
	Model             string       `json:"model,omitempty"`
	SessionID         string       `json:"session_id"`
	Tools             []string     `json:"tools,omitempty"`
	Agents            []string     `json:"agents,omitempty"`
	SlashCommands     []string     `json:"slash_commands,omitempty"`
	CompactMetadata   *CompactMeta `json:"compact_metadata,omitempty"`
}

// CompactMeta describes a history compaction.
type CompactMeta struct {
	Trigger   string `json:"trigger"`
	PreTokens int    `json:"pre_tokens"`
}

// MsgType returns the message type.
func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// ParentToolUse returns the subagent scope of the message.
func (m SystemMessage) ParentToolUse() string { return scopeOf(m.ParentToolUseID) }

// Usage tracks token usage of a single API call.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// FlexibleContent can be either a string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// NewStringContent wraps s as string content.
func NewStringContent(s string) FlexibleContent {
	b, _ := json.Marshal(s)
	return FlexibleContent{raw: b}
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// IsString returns true if the content is a string.
func (fc FlexibleContent) IsString() bool {
	if len(fc.raw) == 0 {
		return false
	}
	return fc.raw[0] == '"'
}

// AsString returns the content as a string (if it is one).
func (fc FlexibleContent) AsString() (string, bool) {
	if !fc.IsString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks (if it is an array).
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if fc.IsString() || len(fc.raw) == 0 {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// MessageContent is the inner content of assistant/user messages.
type MessageContent struct {
	Model      string          `json:"model,omitempty"`
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
	StopReason *string         `json:"stop_reason,omitempty"`
	Usage      Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete message from the agent.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// ParentToolUse returns the subagent scope of the message.
func (m AssistantMessage) ParentToolUse() string { return scopeOf(m.ParentToolUseID) }

// UserMessage represents tool results echoed back.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// ParentToolUse returns the subagent scope of the message.
func (m UserMessage) ParentToolUse() string { return scopeOf(m.ParentToolUseID) }

// UsageDetails is the aggregate usage in ResultMessage.
type UsageDetails struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// ModelUsage tracks usage per model.
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int     `json:"contextWindow,omitempty"`
}

// ResultMessage contains turn completion metrics.
type ResultMessage struct {
	ParentToolUseID *string               `json:"parent_tool_use_id,omitempty"`
	ModelUsage      map[string]ModelUsage `json:"modelUsage,omitempty"`
	SessionID       string                `json:"session_id"`
	Subtype         string                `json:"subtype"`
	UUID            string                `json:"uuid"`
	Type            MessageType           `json:"type"`
	Result          string                `json:"result"`
	Usage           UsageDetails          `json:"usage"`
	TotalCostUSD    float64               `json:"total_cost_usd"`
	NumTurns        int                   `json:"num_turns"`
	DurationMs      int64                 `json:"duration_ms"`
	IsError         bool                  `json:"is_error"`
}

// MsgType returns the message type.
func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// ParentToolUse returns the subagent scope of the message.
func (m ResultMessage) ParentToolUse() string { return scopeOf(m.ParentToolUseID) }

// ErrorMessage is a process-level failure reported in-band.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// MsgType returns the message type.
func (m ErrorMessage) MsgType() MessageType { return MessageTypeError }

// UserMessageToSend is what we send to the CLI.
type UserMessageToSend struct {
	Message UserMessageToSendInner `json:"message"`
	Type    string                 `json:"type"`
}

// UserMessageToSendInner is the inner part of messages we send.
type UserMessageToSendInner struct {
	Content interface{} `json:"content"`
	Role    string      `json:"role"`
}

// Marshal serializes the message to a JSON line ready to write to the CLI.
func (m UserMessageToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal UserMessageToSend: %w", err)
	}
	return b, nil
}
