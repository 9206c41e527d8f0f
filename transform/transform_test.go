package transform

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/quill/agentstream"
	"github.com/bazelment/quill/protocol"
)

func parse(t *testing.T, line string) protocol.Message {
	t.Helper()
	msg, err := protocol.ParseMessage([]byte(line))
	require.NoError(t, err)
	return msg
}

func collect(t *testing.T, line string, opts Options) []agentstream.Event {
	t.Helper()
	return slices.Collect(Transform(parse(t, line), opts))
}

func TestTransform_AssistantBlocksInOrder(t *testing.T) {
	events := collect(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"plan"},
		{"type":"text","text":"Hello"},
		{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/a"}},
		{"type":"text","text":""}
	]}}`, Options{})

	require.Len(t, events, 3)
	assert.Equal(t, agentstream.Thinking{Content: "plan"}, events[0])
	assert.Equal(t, agentstream.Text{Content: "Hello"}, events[1])
	assert.Equal(t, agentstream.ToolUse{ID: "t1", Name: "Read", Input: map[string]interface{}{"file_path": "/a"}}, events[2])
}

func TestTransform_ScopeTag(t *testing.T) {
	events := collect(t, `{"type":"assistant","parent_tool_use_id":"task_1","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"t2","name":"Grep","input":{}}
	]}}`, Options{})
	require.Len(t, events, 1)
	assert.Equal(t, "task_1", events[0].ScopeID())

	events = collect(t, `{"type":"user","parent_tool_use_id":"task_1","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"t2","content":"found","is_error":true}
	]}}`, Options{})
	require.Len(t, events, 1)
	assert.Equal(t, agentstream.ToolResult{ID: "t2", Content: "found", IsError: true, Scope: "task_1"}, events[0])
}

func TestTransform_PartialMessages(t *testing.T) {
	opts := Options{PartialMessages: true}

	events := collect(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"Hello"},
		{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/a"}}
	]}}`, opts)
	require.Len(t, events, 1)
	assert.Equal(t, agentstream.KindToolUse, events[0].StreamEventKind())

	events = collect(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"He"}}}`, opts)
	assert.Equal(t, []agentstream.Event{agentstream.Text{Content: "He"}}, events)

	events = collect(t, `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"Task","input":{}}}}`, opts)
	require.Len(t, events, 1)
	tu := events[0].(agentstream.ToolUse)
	assert.True(t, tu.Partial)
	assert.Equal(t, "Task", tu.Name)

	// Stream events are ignored without partial streaming.
	events = collect(t, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"He"}}}`, Options{})
	assert.Empty(t, events)
}

func TestTransform_SystemRecords(t *testing.T) {
	events := collect(t, `{"type":"system","subtype":"init","session_id":"s1","model":"opus"}`, Options{})
	assert.Equal(t, []agentstream.Event{agentstream.SessionInit{SessionID: "s1", Model: "opus"}}, events)

	events = collect(t, `{"type":"system","subtype":"compact_boundary","session_id":"s1","compact_metadata":{"trigger":"auto","pre_tokens":1000}}`, Options{})
	assert.Equal(t, []agentstream.Event{agentstream.CompactBoundary{Trigger: "auto"}}, events)

	events = collect(t, `{"type":"system","subtype":"status"}`, Options{})
	assert.Empty(t, events)
}

func TestTransform_ResultUsagePrefersIntendedModel(t *testing.T) {
	line := `{"type":"result","subtype":"success","usage":{"input_tokens":100,"cache_creation_input_tokens":50,"cache_read_input_tokens":850,"output_tokens":10},
		"modelUsage":{
			"haiku":{"inputTokens":1,"contextWindow":0},
			"opus":{"inputTokens":1,"contextWindow":200000},
			"sonnet":{"inputTokens":1,"contextWindow":100000}
		}}`

	events := collect(t, line, Options{IntendedModel: "sonnet", ReportedModel: "opus"})
	require.Len(t, events, 2)
	u := events[0].(agentstream.Usage)
	assert.Equal(t, "sonnet", u.Model)
	assert.Equal(t, 100000, u.ContextWindow)
	assert.Equal(t, 1000, u.ContextTokens)
	assert.InDelta(t, 1.0, u.Percentage, 0.0001)
	assert.Equal(t, agentstream.Done{}, events[1])

	events = collect(t, line, Options{IntendedModel: "haiku", ReportedModel: "opus"})
	assert.Equal(t, "opus", events[0].(agentstream.Usage).Model)

	events = collect(t, line, Options{IntendedModel: "unknown"})
	assert.Equal(t, "opus", events[0].(agentstream.Usage).Model)
}

func TestTransform_ResultUsageClamped(t *testing.T) {
	events := collect(t, `{"type":"result","subtype":"success","usage":{"input_tokens":5000},"modelUsage":{"m":{"contextWindow":1000}}}`, Options{IntendedModel: "m"})
	assert.Equal(t, 100.0, events[0].(agentstream.Usage).Percentage)

	events = collect(t, `{"type":"result","subtype":"success","usage":{"input_tokens":5000}}`, Options{IntendedModel: "m"})
	u := events[0].(agentstream.Usage)
	assert.Equal(t, "m", u.Model)
	assert.Zero(t, u.ContextWindow)
	assert.Zero(t, u.Percentage)
}

func TestTransform_ErrorResult(t *testing.T) {
	events := collect(t, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":""}`, Options{})
	require.Len(t, events, 3)
	assert.Equal(t, agentstream.KindUsage, events[0].StreamEventKind())
	assert.Equal(t, agentstream.Error{Content: "error_during_execution"}, events[1])
	assert.Equal(t, agentstream.Done{}, events[2])
}

func TestTransform_ScopedResultSuppressed(t *testing.T) {
	events := collect(t, `{"type":"result","subtype":"success","parent_tool_use_id":"task_1","usage":{"input_tokens":1}}`, Options{})
	assert.Empty(t, events)
}

func TestTransform_EmptyAndUnknown(t *testing.T) {
	assert.Empty(t, slices.Collect(Transform(nil, Options{})))
	assert.Empty(t, collect(t, `{"type":"user","message":{"role":"user","content":"echo"}}`, Options{}))
	assert.Empty(t, collect(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"server_tool_use","id":"x"}]}}`, Options{}))
	assert.Empty(t, collect(t, `{"type":"control_request","request_id":"r","request":{"subtype":"interrupt"}}`, Options{}))
	assert.Equal(t, []agentstream.Event{agentstream.Error{Content: "spawn failed"}}, collect(t, `{"type":"error","error":"spawn failed"}`, Options{}))
}

func TestTransform_StopsWhenConsumerStops(t *testing.T) {
	msg := parse(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"a"},{"type":"text","text":"b"},{"type":"text","text":"c"}
	]}}`)
	var got []agentstream.Event
	for ev := range Transform(msg, Options{}) {
		got = append(got, ev)
		if len(got) == 2 {
			break
		}
	}
	assert.Len(t, got, 2)
}
