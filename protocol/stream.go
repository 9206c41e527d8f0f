package protocol

import (
	"encoding/json"
	"log/slog"
)

// StreamEvent wraps a partial-message update. The CLI only emits these when
// partial message streaming is enabled.
type StreamEvent struct {
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	UUID            string          `json:"uuid"`
	Event           json.RawMessage `json:"event"`
}

// MsgType returns the message type.
func (m StreamEvent) MsgType() MessageType { return MessageTypeStreamEvent }

// ParentToolUse returns the subagent scope of the event.
func (m StreamEvent) ParentToolUse() string { return scopeOf(m.ParentToolUseID) }

// Parsed decodes the inner event. Unknown event types return nil.
func (m StreamEvent) Parsed() (StreamEventData, error) {
	return ParseStreamEvent(m.Event)
}

// StreamEventType discriminates between stream event kinds.
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
)

// Content block delta types.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// StreamEventData is the interface for stream event discrimination.
type StreamEventData interface {
	EventType() StreamEventType
}

// MessageStartEvent starts a new message.
type MessageStartEvent struct {
	Type    StreamEventType `json:"type"`
	Message MessageContent  `json:"message"`
}

// EventType returns the stream event type.
func (e MessageStartEvent) EventType() StreamEventType { return StreamEventTypeMessageStart }

// ContentBlockStartEvent starts a content block.
type ContentBlockStartEvent struct {
	Type         StreamEventType `json:"type"`
	ContentBlock json.RawMessage `json:"content_block"`
	Index        int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockStartEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStart }

// ParsedBlock parses the content_block field.
func (e ContentBlockStartEvent) ParsedBlock() (ContentBlock, error) {
	return UnmarshalContentBlock(e.ContentBlock)
}

// ContentBlockDeltaEvent contains incremental content.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta json.RawMessage `json:"delta"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockDeltaEvent) EventType() StreamEventType { return StreamEventTypeContentBlockDelta }

// ParsedDelta parses the delta field.
func (e ContentBlockDeltaEvent) ParsedDelta() (DeltaData, error) {
	return ParseContentBlockDelta(e.Delta)
}

// ContentBlockStopEvent marks block completion.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (e ContentBlockStopEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStop }

// MessageDelta contains message metadata updates.
type MessageDelta struct {
	StopReason *string `json:"stop_reason"`
}

// MessageDeltaEvent updates message metadata.
type MessageDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta MessageDelta    `json:"delta"`
	Usage Usage           `json:"usage"`
}

// EventType returns the stream event type.
func (e MessageDeltaEvent) EventType() StreamEventType { return StreamEventTypeMessageDelta }

// MessageStopEvent marks message completion.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

// EventType returns the stream event type.
func (e MessageStopEvent) EventType() StreamEventType { return StreamEventTypeMessageStop }

// DeltaData is the interface for content block delta discrimination.
type DeltaData interface {
	DeltaType() string
}

// TextDelta is a delta containing text.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DeltaType returns the delta type.
func (d TextDelta) DeltaType() string { return d.Type }

// ThinkingDelta is a delta containing thinking.
type ThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

// DeltaType returns the delta type.
func (d ThinkingDelta) DeltaType() string { return d.Type }

// InputJSONDelta is a delta containing partial JSON for tool input.
type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// DeltaType returns the delta type.
func (d InputJSONDelta) DeltaType() string { return d.Type }

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// ParseContentBlockDelta parses the inner delta of a ContentBlockDeltaEvent.
// Unknown delta types return nil without an error.
func ParseContentBlockDelta(data json.RawMessage) (DeltaData, error) {
	base, err := decodeAs[struct {
		Type string `json:"type"`
	}](data)
	if err != nil {
		return nil, err
	}

	switch base.Type {
	case DeltaTypeText:
		return decodeAs[TextDelta](data)
	case DeltaTypeThinking:
		return decodeAs[ThinkingDelta](data)
	case DeltaTypeInputJSON:
		return decodeAs[InputJSONDelta](data)
	default:
		slog.Debug("skipping unknown content block delta type", "type", base.Type)
		return nil, nil
	}
}

// ParseStreamEvent parses the inner event of a StreamEvent. Unknown event
// types return nil without an error.
func ParseStreamEvent(data json.RawMessage) (StreamEventData, error) {
	base, err := decodeAs[struct {
		Type StreamEventType `json:"type"`
	}](data)
	if err != nil {
		return nil, err
	}

	switch base.Type {
	case StreamEventTypeMessageStart:
		return decodeAs[MessageStartEvent](data)
	case StreamEventTypeContentBlockStart:
		return decodeAs[ContentBlockStartEvent](data)
	case StreamEventTypeContentBlockDelta:
		return decodeAs[ContentBlockDeltaEvent](data)
	case StreamEventTypeContentBlockStop:
		return decodeAs[ContentBlockStopEvent](data)
	case StreamEventTypeMessageDelta:
		return decodeAs[MessageDeltaEvent](data)
	case StreamEventTypeMessageStop:
		return decodeAs[MessageStopEvent](data)
	default:
		slog.Debug("skipping unknown stream event type", "type", base.Type)
		return nil, nil
	}
}
