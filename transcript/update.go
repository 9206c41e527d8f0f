package transcript

// Update is a change to a message that a render target applies. The set of
// updates is closed; renderers type-switch on the concrete types.
type Update interface {
	updateKind() string
}

// BlockAppended adds a block at Index.
type BlockAppended struct {
	MessageID string
	Block     ContentBlock
	Index     int
}

// BlockChanged replaces the block at Index, for example when streamed text
// grows.
type BlockChanged struct {
	MessageID string
	Block     ContentBlock
	Index     int
}

// ToolCallChanged carries a snapshot of a tool call. SubagentID is set for
// calls nested in a subagent.
type ToolCallChanged struct {
	MessageID  string
	SubagentID string
	Call       ToolCall
}

// SubagentChanged carries a snapshot of a subagent.
type SubagentChanged struct {
	MessageID string
	Info      SubagentInfo
}

// TurnEnded is the last update of a turn.
type TurnEnded struct {
	MessageID   string
	DurationMs  int64
	Interrupted bool
	// Prunable is set when every subagent of the message is terminal.
	Prunable bool
}

func (BlockAppended) updateKind() string   { return "block_appended" }
func (BlockChanged) updateKind() string    { return "block_changed" }
func (ToolCallChanged) updateKind() string { return "tool_call_changed" }
func (SubagentChanged) updateKind() string { return "subagent_changed" }
func (TurnEnded) updateKind() string       { return "turn_ended" }

// Renderer is the render target supplied by the host. The orchestrator only
// emits updates against it and never owns rendering.
type Renderer interface {
	Render(Update)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(Update)

// Render calls f(u).
func (f RendererFunc) Render(u Update) { f(u) }

// Discard drops every update.
var Discard Renderer = RendererFunc(func(Update) {})

// SnapshotTool returns a copy of c safe to hand to a renderer.
func SnapshotTool(c *ToolCall) ToolCall {
	out := *c
	if c.Input != nil {
		out.Input = make(map[string]interface{}, len(c.Input))
		for k, v := range c.Input {
			out.Input[k] = v
		}
	}
	return out
}

// SnapshotSubagent returns a copy of s safe to hand to a renderer.
func SnapshotSubagent(s *SubagentInfo) SubagentInfo {
	out := *s
	out.Tools = make([]*ToolCall, len(s.Tools))
	for i, c := range s.Tools {
		snap := SnapshotTool(c)
		out.Tools[i] = &snap
	}
	return out
}
