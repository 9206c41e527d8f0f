package transcript

import "fmt"

// Validate checks the block references of a message: every tool_use block
// names an existing tool call, every subagent block an existing subagent,
// and no tool or subagent block appears twice.
func (m *Message) Validate() error {
	seenTools := make(map[string]bool)
	seenAgents := make(map[string]bool)
	for i, b := range m.Blocks {
		switch b.Kind {
		case BlockToolUse:
			if m.ToolCall(b.ToolID) == nil {
				return fmt.Errorf("block %d: tool call %q not found", i, b.ToolID)
			}
			if seenTools[b.ToolID] {
				return fmt.Errorf("block %d: tool call %q rendered twice", i, b.ToolID)
			}
			seenTools[b.ToolID] = true
		case BlockSubagent:
			if m.Subagent(b.SubagentID) == nil {
				return fmt.Errorf("block %d: subagent %q not found", i, b.SubagentID)
			}
			if seenAgents[b.SubagentID] {
				return fmt.Errorf("block %d: subagent %q rendered twice", i, b.SubagentID)
			}
			seenAgents[b.SubagentID] = true
		}
	}
	return nil
}
