package render

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bazelment/quill/transcript"
)

func textBlock(s string) transcript.ContentBlock {
	return transcript.ContentBlock{Kind: transcript.BlockText, Text: s}
}

func TestRenderer_StreamsTextDeltas(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 0, Block: textBlock("Hel")})
	r.Render(transcript.BlockChanged{MessageID: "m1", Index: 0, Block: textBlock("Hello")})
	r.Render(transcript.BlockChanged{MessageID: "m1", Index: 0, Block: textBlock("Hello world")})
	r.Render(transcript.TurnEnded{MessageID: "m1", DurationMs: 1500})

	assert.Equal(t, "Hello world\n(1.5s)\n", buf.String())
}

func TestRenderer_ToolLifecycle(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	call := transcript.ToolCall{ID: "t1", Name: "Bash", Status: transcript.ToolRunning, Input: map[string]interface{}{"command": "ls -la"}}
	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 0, Block: textBlock("Let me look")})
	r.Render(transcript.ToolCallChanged{MessageID: "m1", Call: call})
	r.Render(transcript.ToolCallChanged{MessageID: "m1", Call: call})
	call.Status = transcript.ToolError
	call.Result = "ls: permission denied\nmore"
	r.Render(transcript.ToolCallChanged{MessageID: "m1", Call: call})

	assert.Equal(t, "Let me look\n● Bash(ls -la)\n  ⎿ ls: permission denied\n", buf.String())
}

func TestRenderer_NestedToolsAreIndented(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Render(transcript.SubagentChanged{MessageID: "m1", Info: transcript.SubagentInfo{
		ID: "task1", Mode: transcript.ModeAsync, Description: "Explore repo", Status: transcript.SubagentRunning,
	}})
	r.Render(transcript.ToolCallChanged{MessageID: "m1", SubagentID: "task1", Call: transcript.ToolCall{
		ID: "c1", Name: "Read", Status: transcript.ToolCompleted, Input: map[string]interface{}{"file_path": "main.go"},
	}})
	r.Render(transcript.SubagentChanged{MessageID: "m1", Info: transcript.SubagentInfo{
		ID: "task1", Mode: transcript.ModeAsync, Description: "Explore repo", Status: transcript.SubagentOrphaned,
	}})

	assert.Equal(t, "◆ Task: Explore repo (background)\n    ● Read(main.go)\n      ⎿ done\n  ⎿ task lost\n", buf.String())
}

func TestRenderer_Notices(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 0, Block: textBlock("partial")})
	notice := transcript.ContentBlock{Kind: transcript.BlockNotice, Text: "Interrupted", Severity: transcript.SeverityInterrupted}
	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 1, Block: notice})
	r.Render(transcript.BlockChanged{MessageID: "m1", Index: 1, Block: notice})
	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 2, Block: transcript.ContentBlock{Kind: transcript.BlockNotice, Text: "boom", Severity: transcript.SeverityError}})
	r.Render(transcript.TurnEnded{MessageID: "m1", Interrupted: true})

	assert.Equal(t, "partial\n⏹ Interrupted\n✗ boom\n", buf.String())
}

func TestRenderer_ThinkingThenText(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 0, Block: transcript.ContentBlock{Kind: transcript.BlockThinking, Text: "hmm"}})
	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 1, Block: textBlock("answer")})
	r.Render(transcript.BlockAppended{MessageID: "m1", Index: 2, Block: transcript.ContentBlock{Kind: transcript.BlockCompactBoundary}})

	assert.Equal(t, "hmm\nanswer\n── conversation compacted ──\n", buf.String())
}
