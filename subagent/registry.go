// Package subagent tracks the lifecycle of nested task executions spawned
// during a conversation.
//
// Synchronous subagents live inside one turn and finish with their spawning
// tool call. Background subagents outlive the turn that spawned them and are
// finished by a separate output-retrieval tool call, possibly in a later
// turn, so a Registry is kept per conversation rather than per turn.
package subagent

import (
	"log/slog"
	"sync"

	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transform"
)

// Ref locates a subagent and the message that owns it. Info is nil when the
// lookup found nothing.
type Ref struct {
	Info      *transcript.SubagentInfo
	MessageID string
}

// Found reports whether the ref points at a subagent.
func (r Ref) Found() bool { return r.Info != nil }

type entry struct {
	msg  *transcript.Message
	info *transcript.SubagentInfo
}

func (e *entry) ref() Ref {
	if e == nil {
		return Ref{}
	}
	return Ref{Info: e.info, MessageID: e.msg.ID}
}

// Registry tracks subagents by spawning tool-call id and, for background
// subagents, by the agent id issued by the process.
type Registry struct {
	logger *slog.Logger

	mu         sync.Mutex
	bySpawn    map[string]*entry
	byAgent    map[string]*entry
	retrievals map[string]*entry
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		bySpawn:    make(map[string]*entry),
		byAgent:    make(map[string]*entry),
		retrievals: make(map[string]*entry),
	}
}

// StartSync records a blocking subagent spawned by tool call id.
func (r *Registry) StartSync(msg *transcript.Message, id string, input map[string]interface{}) Ref {
	return r.start(msg, id, transcript.ModeSync, input)
}

// StartAsync records a background subagent spawned by tool call id. Its
// agent id is filled in by ConfirmSpawn.
func (r *Registry) StartAsync(msg *transcript.Message, id string, input map[string]interface{}) Ref {
	return r.start(msg, id, transcript.ModeAsync, input)
}

func (r *Registry) start(msg *transcript.Message, id string, mode transcript.SubagentMode, input map[string]interface{}) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.bySpawn[id]; ok {
		return e.ref()
	}
	info := &transcript.SubagentInfo{
		ID:          id,
		Mode:        mode,
		Description: Description(input),
		Status:      transcript.SubagentRunning,
	}
	msg.Subagents = append(msg.Subagents, info)
	e := &entry{msg: msg, info: info}
	r.bySpawn[id] = e
	r.logger.Debug("subagent started", "id", id, "mode", mode)
	return e.ref()
}

// Lookup returns the subagent spawned by tool call id.
func (r *Registry) Lookup(id string) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bySpawn[id].ref()
}

// UpdateInput refreshes the description from the merged spawn input. changed
// is false when the description did not move.
func (r *Registry) UpdateInput(id string, input map[string]interface{}) (ref Ref, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySpawn[id]
	if !ok {
		return Ref{}, false
	}
	desc := Description(input)
	if desc == "" || desc == e.info.Description {
		return e.ref(), false
	}
	e.info.Description = desc
	return e.ref(), true
}

// AddChild records a tool invocation made inside the subagent spawned by
// scope. Repeated invocations with the same id merge their input.
func (r *Registry) AddChild(scope, id, name string, input map[string]interface{}) (Ref, *transcript.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySpawn[scope]
	if !ok {
		r.logger.Debug("child tool for unknown subagent", "scope", scope, "tool", name)
		return Ref{}, nil
	}
	call := e.info.Tool(id)
	if call == nil {
		call = &transcript.ToolCall{ID: id, Name: name, Status: transcript.ToolRunning}
		e.info.Tools = append(e.info.Tools, call)
	}
	if call.Name == "" {
		call.Name = name
	}
	call.Input = transform.DeepMerge(call.Input, input)
	return e.ref(), call
}

// ChildResult finishes a nested tool call.
func (r *Registry) ChildResult(scope, id, content string, isError bool) (Ref, *transcript.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySpawn[scope]
	if !ok {
		return Ref{}, nil
	}
	call := e.info.Tool(id)
	if call == nil {
		r.logger.Debug("child result without invocation", "scope", scope, "tool_id", id)
		return e.ref(), nil
	}
	call.Result = content
	if call.Status != transcript.ToolBlocked {
		call.Status = resultStatus(isError)
	}
	return e.ref(), call
}

// FinishSync finishes a blocking subagent with its spawning tool's result.
func (r *Registry) FinishSync(id, result string, isError bool) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySpawn[id]
	if !ok || e.info.Mode != transcript.ModeSync {
		return Ref{}
	}
	e.info.Result = result
	if isError {
		e.info.Status = transcript.SubagentError
	} else {
		e.info.Status = transcript.SubagentCompleted
	}
	return e.ref()
}

// ConfirmSpawn handles the spawning tool's result for a background
// subagent. The result only confirms the spawn: it carries the agent id and
// leaves the subagent running, unless the spawn itself failed.
func (r *Registry) ConfirmSpawn(id, result string, isError bool) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySpawn[id]
	if !ok || e.info.Mode != transcript.ModeAsync {
		return Ref{}
	}
	if isError {
		e.info.Status = transcript.SubagentError
		e.info.Result = result
		return e.ref()
	}
	e.info.AgentID = ExtractAgentID(result, id)
	r.byAgent[e.info.AgentID] = e
	r.logger.Debug("background subagent confirmed", "id", id, "agent_id", e.info.AgentID)
	return e.ref()
}

// LinkRetrieval ties an output-retrieval tool call to the background
// subagent its input names.
func (r *Registry) LinkRetrieval(toolID string, input map[string]interface{}) Ref {
	agentID := RetrievalTarget(input)
	if agentID == "" {
		return Ref{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byAgent[agentID]
	if !ok {
		// Spawns whose result carried no agent id are keyed by tool id.
		e, ok = r.bySpawn[agentID]
		if !ok || e.info.Mode != transcript.ModeAsync {
			r.logger.Debug("retrieval for unknown agent", "agent_id", agentID)
			return Ref{}
		}
	}
	r.retrievals[toolID] = e
	e.info.OutputToolID = toolID
	return e.ref()
}

// IsRetrieval reports whether toolID is a linked output-retrieval call.
func (r *Registry) IsRetrieval(toolID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.retrievals[toolID]
	return ok
}

// ResolveRetrieval applies an output-retrieval result. A result reporting the
// subagent as still running leaves it running and unlinked, so a later
// retrieval can finish it.
func (r *Registry) ResolveRetrieval(toolID, result string, isError bool) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.retrievals[toolID]
	if !ok {
		return Ref{}
	}
	delete(r.retrievals, toolID)
	if e.info.Terminal() {
		return e.ref()
	}
	if !isError && StillRunning(result) {
		e.info.OutputToolID = ""
		return e.ref()
	}
	e.info.Result = result
	if isError {
		e.info.Status = transcript.SubagentError
	} else {
		e.info.Status = transcript.SubagentCompleted
	}
	r.forget(e)
	return e.ref()
}

// FinalizeTurn marks background subagents whose linked retrieval did not
// resolve during the turn as orphaned and releases per-turn bookkeeping for
// finished subagents. It returns the subagents that changed.
func (r *Registry) FinalizeTurn() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []Ref
	for toolID, e := range r.retrievals {
		delete(r.retrievals, toolID)
		if e.info.Terminal() {
			continue
		}
		e.info.Status = transcript.SubagentOrphaned
		r.forget(e)
		changed = append(changed, e.ref())
	}
	for id, e := range r.bySpawn {
		if e.info.Mode == transcript.ModeSync || e.info.Terminal() {
			delete(r.bySpawn, id)
		}
	}
	return changed
}

// forget drops e from the lookup maps. Callers hold r.mu.
func (r *Registry) forget(e *entry) {
	delete(r.bySpawn, e.info.ID)
	if e.info.AgentID != "" {
		delete(r.byAgent, e.info.AgentID)
	}
}

// Prunable reports whether every subagent of msg is terminal or orphaned,
// letting the host collapse them. Messages without subagents are not
// prunable.
func Prunable(msg *transcript.Message) bool {
	if len(msg.Subagents) == 0 {
		return false
	}
	for _, s := range msg.Subagents {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// SweepLoaded marks subagents of a message loaded from storage that are
// still running as orphaned: the process that ran them is gone. It returns
// the subagents that changed.
func SweepLoaded(msg *transcript.Message) []*transcript.SubagentInfo {
	var changed []*transcript.SubagentInfo
	for _, s := range msg.Subagents {
		if s.Status == transcript.SubagentRunning {
			s.Status = transcript.SubagentOrphaned
			changed = append(changed, s)
		}
	}
	return changed
}

func resultStatus(isError bool) transcript.ToolStatus {
	if isError {
		return transcript.ToolError
	}
	return transcript.ToolCompleted
}
