package agentstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKinds(t *testing.T) {
	tests := []struct {
		event Event
		kind  EventKind
		name  string
		scope string
	}{
		{Text{Content: "hi", Scope: "task1"}, KindText, "text", "task1"},
		{Thinking{Content: "hmm"}, KindThinking, "thinking", ""},
		{ToolUse{ID: "t1", Name: "Bash", Scope: "task1"}, KindToolUse, "tool_use", "task1"},
		{ToolResult{ID: "t1", Scope: "task2"}, KindToolResult, "tool_result", "task2"},
		{Blocked{Content: "no"}, KindBlocked, "blocked", ""},
		{Error{Content: "boom"}, KindError, "error", ""},
		{Usage{Model: "sonnet"}, KindUsage, "usage", ""},
		{SessionInit{SessionID: "s1"}, KindSessionInit, "session_init", ""},
		{CompactBoundary{Trigger: "auto"}, KindCompactBoundary, "compact_boundary", ""},
		{Done{}, KindDone, "done", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.event.StreamEventKind())
			assert.Equal(t, tt.name, tt.event.StreamEventKind().String())
			assert.Equal(t, tt.scope, tt.event.ScopeID())
		})
	}
	assert.Equal(t, "unknown", EventKind(99).String())
}
