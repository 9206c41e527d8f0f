package subagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/quill/transcript"
)

func newMsg(id string) *transcript.Message {
	return &transcript.Message{ID: id, Role: transcript.RoleAssistant}
}

func TestBackground(t *testing.T) {
	tests := []struct {
		input     map[string]interface{}
		name      string
		wantBG    bool
		wantKnown bool
	}{
		{name: "missing", input: map[string]interface{}{"description": "x"}},
		{name: "null", input: map[string]interface{}{"run_in_background": nil}},
		{name: "false", input: map[string]interface{}{"run_in_background": false}, wantKnown: true},
		{name: "true", input: map[string]interface{}{"run_in_background": true}, wantBG: true, wantKnown: true},
		{name: "string", input: map[string]interface{}{"run_in_background": "TRUE"}, wantBG: true, wantKnown: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bg, known := Background(tt.input)
			assert.Equal(t, tt.wantBG, bg)
			assert.Equal(t, tt.wantKnown, known)
		})
	}
}

func TestExtractAgentID(t *testing.T) {
	assert.Equal(t, "a-123", ExtractAgentID(`{"agentId":"a-123","status":"started"}`, "fb"))
	assert.Equal(t, "bg_42", ExtractAgentID("Async agent launched. agentId: bg_42 (use TaskOutput to read)", "fb"))
	assert.Equal(t, "t9", ExtractAgentID(`Started task_id="t9"`, "fb"))
	assert.Equal(t, "fb", ExtractAgentID("launched", "fb"))
}

func TestStillRunning(t *testing.T) {
	assert.True(t, StillRunning(`{"status":"running"}`))
	assert.True(t, StillRunning("<status>pending</status>"))
	assert.False(t, StillRunning(`{"status":"completed","output":"done"}`))
	assert.False(t, StillRunning("the agent finished running tests"))
}

func TestRegistry_SyncLifecycle(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")

	ref := r.StartSync(msg, "task1", map[string]interface{}{"description": "Explore"})
	require.True(t, ref.Found())
	assert.Equal(t, "m1", ref.MessageID)
	assert.Equal(t, transcript.ModeSync, ref.Info.Mode)
	require.Len(t, msg.Subagents, 1)

	_, call := r.AddChild("task1", "c1", "Grep", map[string]interface{}{"pattern": "foo"})
	require.NotNil(t, call)
	_, call = r.AddChild("task1", "c1", "", map[string]interface{}{"path": "/src"})
	assert.Equal(t, map[string]interface{}{"pattern": "foo", "path": "/src"}, call.Input)
	assert.Equal(t, "Grep", call.Name)

	_, call = r.ChildResult("task1", "c1", "3 matches", false)
	assert.Equal(t, transcript.ToolCompleted, call.Status)

	ref = r.FinishSync("task1", "summary", false)
	assert.Equal(t, transcript.SubagentCompleted, ref.Info.Status)
	assert.Equal(t, "summary", ref.Info.Result)
	assert.True(t, Prunable(msg))

	assert.Empty(t, r.FinalizeTurn())
	assert.False(t, r.Lookup("task1").Found())
}

func TestRegistry_SyncError(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")
	r.StartSync(msg, "task1", nil)
	ref := r.FinishSync("task1", "crashed", true)
	assert.Equal(t, transcript.SubagentError, ref.Info.Status)
}

func TestRegistry_UpdateInputRefinesDescription(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")
	r.StartSync(msg, "task1", map[string]interface{}{"description": "Expl"})

	ref, changed := r.UpdateInput("task1", map[string]interface{}{"description": "Explore the repository layout"})
	assert.True(t, changed)
	assert.Equal(t, "Explore the repository layout", ref.Info.Description)

	_, changed = r.UpdateInput("task1", map[string]interface{}{"description": "Explore the repository layout"})
	assert.False(t, changed)
}

func TestRegistry_AsyncLifecycleAcrossTurns(t *testing.T) {
	r := NewRegistry(nil)
	first := newMsg("m1")

	r.StartAsync(first, "task1", map[string]interface{}{"description": "Run tests", "run_in_background": true})
	ref := r.ConfirmSpawn("task1", `{"agentId":"agent-7"}`, false)
	assert.Equal(t, "agent-7", ref.Info.AgentID)
	assert.Equal(t, transcript.SubagentRunning, ref.Info.Status)
	assert.Empty(t, r.FinalizeTurn())
	assert.False(t, Prunable(first))

	// A later turn retrieves the output.
	ref = r.LinkRetrieval("out1", map[string]interface{}{"task_id": "agent-7"})
	require.True(t, ref.Found())
	assert.Equal(t, "m1", ref.MessageID)
	assert.True(t, r.IsRetrieval("out1"))

	ref = r.ResolveRetrieval("out1", "all tests passed", false)
	assert.Equal(t, transcript.SubagentCompleted, ref.Info.Status)
	assert.Equal(t, "all tests passed", ref.Info.Result)
	assert.True(t, Prunable(first))
	assert.False(t, r.IsRetrieval("out1"))
}

func TestRegistry_RetrievalStillRunningStaysOpen(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")
	r.StartAsync(msg, "task1", nil)
	r.ConfirmSpawn("task1", "agentId: a1", false)

	r.LinkRetrieval("out1", map[string]interface{}{"agentId": "a1"})
	ref := r.ResolveRetrieval("out1", `{"status":"running"}`, false)
	assert.Equal(t, transcript.SubagentRunning, ref.Info.Status)
	assert.Empty(t, r.FinalizeTurn())

	r.LinkRetrieval("out2", map[string]interface{}{"agentId": "a1"})
	ref = r.ResolveRetrieval("out2", "done", false)
	assert.Equal(t, transcript.SubagentCompleted, ref.Info.Status)
}

func TestRegistry_UnresolvedRetrievalOrphanedAtTurnEnd(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")
	r.StartAsync(msg, "task1", nil)
	r.ConfirmSpawn("task1", "no id here", false)

	// Falls back to the spawn tool id.
	ref := r.LinkRetrieval("out1", map[string]interface{}{"task_id": "task1"})
	require.True(t, ref.Found())

	changed := r.FinalizeTurn()
	require.Len(t, changed, 1)
	assert.Equal(t, transcript.SubagentOrphaned, changed[0].Info.Status)
	assert.Equal(t, "m1", changed[0].MessageID)
	assert.True(t, Prunable(msg))
}

func TestRegistry_AsyncSpawnFailure(t *testing.T) {
	r := NewRegistry(nil)
	msg := newMsg("m1")
	r.StartAsync(msg, "task1", nil)
	ref := r.ConfirmSpawn("task1", "quota exceeded", true)
	assert.Equal(t, transcript.SubagentError, ref.Info.Status)
	assert.Empty(t, ref.Info.AgentID)
}

func TestRegistry_UnknownScope(t *testing.T) {
	r := NewRegistry(nil)
	ref, call := r.AddChild("nope", "c1", "Read", nil)
	assert.False(t, ref.Found())
	assert.Nil(t, call)
	assert.False(t, r.LinkRetrieval("out", map[string]interface{}{"task_id": "ghost"}).Found())
	assert.False(t, r.LinkRetrieval("out", map[string]interface{}{}).Found())
}

func TestSweepLoaded(t *testing.T) {
	msg := newMsg("m1")
	msg.Subagents = []*transcript.SubagentInfo{
		{ID: "a", Mode: transcript.ModeAsync, Status: transcript.SubagentRunning},
		{ID: "b", Mode: transcript.ModeSync, Status: transcript.SubagentCompleted},
	}
	assert.False(t, Prunable(msg))

	changed := SweepLoaded(msg)
	require.Len(t, changed, 1)
	assert.Equal(t, "a", changed[0].ID)
	assert.Equal(t, transcript.SubagentOrphaned, msg.Subagents[0].Status)
	assert.True(t, Prunable(msg))
	assert.Empty(t, SweepLoaded(msg))
}

func TestPrunable_NoSubagents(t *testing.T) {
	assert.False(t, Prunable(newMsg("m")))
}
