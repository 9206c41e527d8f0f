package orchestrator

import (
	"log/slog"
	"slices"
	"time"

	"github.com/bazelment/quill/agentstream"
	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/subagent"
	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transform"
)

// pendingEntry is a tool invocation waiting to be rendered. call is nil for
// a subagent spawn whose mode is already known.
type pendingEntry struct {
	call *transcript.ToolCall
	id   string
}

// turnState is the mutable state of one turn. It is only touched by the
// goroutine running the turn.
type turnState struct {
	started    time.Time
	thinkStart time.Time

	logger   *slog.Logger
	registry *subagent.Registry
	msg      *transcript.Message
	render   transcript.Renderer
	gate     *approval.Gate
	usage    *agentstream.Usage
	isRecov  func(string) bool

	// General tool buffer, in arrival order.
	pending []*pendingEntry
	// Subagent spawns whose background flag is not known yet.
	ambiguous  []string
	taskInputs map[string]map[string]interface{}
	rendered   map[string]bool
	retrievals map[string]bool
	refused    map[string]bool
	touched    []string

	sessionID string
	errorText string
	opts      transform.Options

	textIdx  int
	thinkIdx int

	recoverable bool
	compacted   bool
	done        bool
	// interrupt asks the loop to stop the agent after a refused invocation.
	interrupt bool
}

func newTurnState(o *Orchestrator, turn Turn, logger *slog.Logger) *turnState {
	render := turn.Renderer
	if render == nil {
		render = transcript.Discard
	}
	gate := turn.Gate
	if gate == nil {
		gate = approval.NewGate(approval.WithLogger(logger))
	}
	started := turn.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	return &turnState{
		started:    started,
		logger:     logger,
		registry:   o.cfg.Registry,
		msg:        turn.Message,
		render:     render,
		gate:       gate,
		isRecov:    o.cfg.Recoverable,
		taskInputs: make(map[string]map[string]interface{}),
		rendered:   make(map[string]bool),
		retrievals: make(map[string]bool),
		refused:    make(map[string]bool),
		opts: transform.Options{
			IntendedModel:   turn.Model,
			PartialMessages: o.cfg.PartialMessages,
		},
		textIdx:  -1,
		thinkIdx: -1,
	}
}

func (ts *turnState) handle(ev agentstream.Event) {
	switch e := ev.(type) {
	case agentstream.Text:
		if e.Scope != "" {
			ts.childActivity(e.Scope)
			return
		}
		if e.Content != "" {
			ts.flushTools()
			ts.appendStream(transcript.BlockText, e.Content)
		}

	case agentstream.Thinking:
		if e.Scope != "" {
			ts.childActivity(e.Scope)
			return
		}
		if e.Content != "" {
			ts.flushTools()
			ts.appendStream(transcript.BlockThinking, e.Content)
		}

	case agentstream.ToolUse:
		if e.Scope != "" {
			ts.childToolUse(e)
			return
		}
		ts.toolUse(e)

	case agentstream.ToolResult:
		if e.Scope != "" {
			ts.childToolResult(e)
			return
		}
		ts.toolResult(e)

	case agentstream.Blocked:
		ts.blocked(e)

	case agentstream.Error:
		ts.reportError(e.Content)

	case agentstream.Usage:
		u := e
		ts.usage = &u

	case agentstream.SessionInit:
		ts.sessionID = e.SessionID
		if e.Model != "" {
			ts.opts.ReportedModel = e.Model
		}

	case agentstream.CompactBoundary:
		ts.flushTools()
		ts.compacted = true
		ts.appendBlock(transcript.ContentBlock{Kind: transcript.BlockCompactBoundary, Text: e.Trigger})

	case agentstream.Done:
		ts.done = true
	}
}

// appendStream grows the open text or thinking block, opening one when
// needed. Opening a block of one kind finalizes the other.
func (ts *turnState) appendStream(kind transcript.BlockKind, content string) {
	idx := ts.textIdx
	if kind == transcript.BlockThinking {
		idx = ts.thinkIdx
	}
	if idx >= 0 {
		b := &ts.msg.Blocks[idx]
		b.Text += content
		ts.render.Render(transcript.BlockChanged{MessageID: ts.msg.ID, Block: *b, Index: idx})
		return
	}

	idx = ts.appendBlock(transcript.ContentBlock{Kind: kind, Text: content})
	if kind == transcript.BlockThinking {
		ts.thinkIdx = idx
		ts.thinkStart = time.Now()
	} else {
		ts.textIdx = idx
	}
}

// closeStreams finalizes the open text and thinking blocks.
func (ts *turnState) closeStreams() {
	if ts.thinkIdx >= 0 {
		b := &ts.msg.Blocks[ts.thinkIdx]
		b.DurationMs = time.Since(ts.thinkStart).Milliseconds()
		ts.render.Render(transcript.BlockChanged{MessageID: ts.msg.ID, Block: *b, Index: ts.thinkIdx})
	}
	ts.thinkIdx = -1
	ts.textIdx = -1
}

// appendBlock finalizes open streams and appends b.
func (ts *turnState) appendBlock(b transcript.ContentBlock) int {
	ts.closeStreams()
	ts.msg.Blocks = append(ts.msg.Blocks, b)
	idx := len(ts.msg.Blocks) - 1
	ts.render.Render(transcript.BlockAppended{MessageID: ts.msg.ID, Block: b, Index: idx})
	return idx
}

func (ts *turnState) notice(severity transcript.Severity, text, toolID string) {
	ts.flushTools()
	ts.appendBlock(transcript.ContentBlock{
		Kind:     transcript.BlockNotice,
		Text:     text,
		Severity: severity,
		ToolID:   toolID,
	})
}

func (ts *turnState) pendingIndex(id string) int {
	return slices.IndexFunc(ts.pending, func(p *pendingEntry) bool { return p.id == id })
}

// flushTools renders every buffered invocation in arrival order.
func (ts *turnState) flushTools() {
	if len(ts.pending) == 0 {
		return
	}
	pending := ts.pending
	ts.pending = nil
	for _, p := range pending {
		if p.call == nil {
			if ref := ts.registry.Lookup(p.id); ref.Found() {
				ts.renderSubagent(ref)
			}
			continue
		}
		ts.msg.ToolCalls = append(ts.msg.ToolCalls, p.call)
		ts.emitTool("", p.call)
		ts.appendBlock(transcript.ContentBlock{Kind: transcript.BlockToolUse, ToolID: p.id})
	}
}

func (ts *turnState) toolUse(e agentstream.ToolUse) {
	if subagent.IsTaskTool(e.Name) || ts.taskInputs[e.ID] != nil {
		ts.taskUse(e)
		return
	}
	if ts.retrievals[e.ID] {
		return
	}
	if call := ts.msg.ToolCall(e.ID); call != nil {
		call.Input = transform.DeepMerge(call.Input, e.Input)
		ts.emitTool("", call)
		ts.guard(e.ID, call.Input)
		return
	}

	var entry *pendingEntry
	if i := ts.pendingIndex(e.ID); i >= 0 {
		entry = ts.pending[i]
		entry.call.Input = transform.DeepMerge(entry.call.Input, e.Input)
		if entry.call.Name == "" {
			entry.call.Name = e.Name
		}
	} else {
		entry = &pendingEntry{
			id: e.ID,
			call: &transcript.ToolCall{
				ID:     e.ID,
				Name:   e.Name,
				Status: transcript.ToolRunning,
				Input:  transform.DeepMerge(nil, e.Input),
			},
		}
		ts.pending = append(ts.pending, entry)
	}

	// Output retrievals are shown on the subagent they finish, not as
	// separate calls.
	if subagent.IsOutputTool(entry.call.Name) {
		if ref := ts.registry.LinkRetrieval(e.ID, entry.call.Input); ref.Found() {
			ts.pending = slices.DeleteFunc(ts.pending, func(p *pendingEntry) bool { return p.id == e.ID })
			ts.retrievals[e.ID] = true
			ts.emitSubagent(ref)
			return
		}
	}
	ts.guard(e.ID, entry.call.Input)
}

// guard refuses a blocklisted invocation that reached the stream without a
// permission request, and asks the loop to interrupt the agent.
func (ts *turnState) guard(id string, input map[string]interface{}) {
	if ts.refused[id] {
		return
	}
	out, ok := ts.gate.Blocked(input)
	if !ok {
		return
	}
	ts.logger.Warn("blocklisted tool ran without a permission request", "tool_id", id, "pattern", out.Rule)
	ts.refused[id] = true
	ts.interrupt = true
	ts.blocked(agentstream.Blocked{Content: out.Message, ToolID: id})
}

func (ts *turnState) taskUse(e agentstream.ToolUse) {
	input := transform.DeepMerge(ts.taskInputs[e.ID], e.Input)
	ts.taskInputs[e.ID] = input

	if ref := ts.registry.Lookup(e.ID); ref.Found() {
		if ref, changed := ts.registry.UpdateInput(e.ID, input); changed {
			ts.emitSubagent(ref)
		}
		return
	}

	background, known := subagent.Background(input)
	if !known {
		if !slices.Contains(ts.ambiguous, e.ID) {
			ts.logger.Debug("task mode not known yet", "tool_id", e.ID)
			ts.ambiguous = append(ts.ambiguous, e.ID)
		}
		return
	}
	if slices.Contains(ts.ambiguous, e.ID) {
		ts.classify(e.ID, background)
		return
	}
	ts.startTask(e.ID, background)
	ts.pending = append(ts.pending, &pendingEntry{id: e.ID})
}

func (ts *turnState) startTask(id string, background bool) subagent.Ref {
	if background {
		return ts.registry.StartAsync(ts.msg, id, ts.taskInputs[id])
	}
	return ts.registry.StartSync(ts.msg, id, ts.taskInputs[id])
}

// classify settles an ambiguous spawn and renders it in place.
func (ts *turnState) classify(id string, background bool) {
	ts.ambiguous = slices.DeleteFunc(ts.ambiguous, func(s string) bool { return s == id })
	ts.logger.Debug("task classified", "tool_id", id, "background", background)
	ts.flushTools()
	ts.renderSubagent(ts.startTask(id, background))
}

func (ts *turnState) renderSubagent(ref subagent.Ref) {
	if ts.rendered[ref.Info.ID] {
		return
	}
	ts.appendBlock(transcript.ContentBlock{
		Kind:       transcript.BlockSubagent,
		SubagentID: ref.Info.ID,
		Mode:       ref.Info.Mode,
	})
	ts.rendered[ref.Info.ID] = true
	ts.emitSubagent(ref)
}

func (ts *turnState) toolResult(e agentstream.ToolResult) {
	if slices.Contains(ts.ambiguous, e.ID) {
		background, _ := subagent.Background(ts.taskInputs[e.ID])
		ts.classify(e.ID, background)
	}

	if ref := ts.registry.Lookup(e.ID); ref.Found() {
		if ts.pendingIndex(e.ID) >= 0 {
			ts.flushTools()
		}
		if ref.Info.Mode == transcript.ModeAsync {
			ref = ts.registry.ConfirmSpawn(e.ID, e.Content, e.IsError)
		} else {
			ref = ts.registry.FinishSync(e.ID, e.Content, e.IsError)
		}
		if ref.Found() {
			ts.emitSubagent(ref)
		}
		return
	}

	if ts.retrievals[e.ID] || ts.registry.IsRetrieval(e.ID) {
		if ref := ts.registry.ResolveRetrieval(e.ID, e.Content, e.IsError); ref.Found() {
			ts.emitSubagent(ref)
		}
		return
	}

	if ts.pendingIndex(e.ID) >= 0 {
		ts.flushTools()
	}
	call := ts.msg.ToolCall(e.ID)
	if call == nil {
		ts.logger.Debug("tool result without invocation", "tool_id", e.ID)
		return
	}
	call.Result = e.Content
	switch {
	case call.Status == transcript.ToolBlocked:
		// The refusal echoed back by the agent keeps the blocked status.
	case e.IsError:
		call.Status = transcript.ToolError
	default:
		call.Status = transcript.ToolCompleted
	}
	ts.emitTool("", call)
}

// childActivity handles any event produced inside the subagent spawned by
// scope. Only blocking subagents interleave output with the parent, so an
// ambiguous spawn is settled as synchronous.
func (ts *turnState) childActivity(scope string) {
	if slices.Contains(ts.ambiguous, scope) {
		ts.classify(scope, false)
		return
	}
	if ts.pendingIndex(scope) >= 0 {
		ts.flushTools()
	}
}

func (ts *turnState) childToolUse(e agentstream.ToolUse) {
	ts.childActivity(e.Scope)
	ref, call := ts.registry.AddChild(e.Scope, e.ID, e.Name, e.Input)
	if call != nil {
		ts.emitChildTool(ref, call)
		ts.guard(e.ID, call.Input)
	}
}

func (ts *turnState) childToolResult(e agentstream.ToolResult) {
	ts.childActivity(e.Scope)
	ref, call := ts.registry.ChildResult(e.Scope, e.ID, e.Content, e.IsError)
	if call != nil {
		ts.emitChildTool(ref, call)
	}
}

func (ts *turnState) blocked(e agentstream.Blocked) {
	ts.flushTools()
	if e.ToolID != "" {
		if call := ts.msg.ToolCall(e.ToolID); call != nil {
			call.Status = transcript.ToolBlocked
			call.Result = e.Content
			ts.emitTool("", call)
		} else {
			for _, s := range ts.msg.Subagents {
				if call := s.Tool(e.ToolID); call != nil {
					call.Status = transcript.ToolBlocked
					call.Result = e.Content
					ts.emitTool(s.ID, call)
					break
				}
			}
		}
	}
	ts.notice(transcript.SeverityWarning, e.Content, e.ToolID)
}

// reportError renders an error notice, unless the caller handles the error
// itself.
func (ts *turnState) reportError(text string) {
	ts.errorText = text
	if ts.isRecov != nil && ts.isRecov(text) {
		ts.logger.Debug("holding back recoverable error", "error", text)
		ts.recoverable = true
		return
	}
	ts.notice(transcript.SeverityError, text, "")
}

func (ts *turnState) fail(err error) {
	ts.logger.Warn("turn failed", "error", err)
	ts.reportError(err.Error())
}

func (ts *turnState) emitTool(subagentID string, call *transcript.ToolCall) {
	ts.render.Render(transcript.ToolCallChanged{
		MessageID:  ts.msg.ID,
		SubagentID: subagentID,
		Call:       transcript.SnapshotTool(call),
	})
}

func (ts *turnState) emitChildTool(ref subagent.Ref, call *transcript.ToolCall) {
	ts.render.Render(transcript.ToolCallChanged{
		MessageID:  ref.MessageID,
		SubagentID: ref.Info.ID,
		Call:       transcript.SnapshotTool(call),
	})
}

// emitSubagent reports a subagent change. Subagents of this message are
// reported once their block exists; subagents of earlier messages are
// reported right away and remembered as touched.
func (ts *turnState) emitSubagent(ref subagent.Ref) {
	if ref.MessageID != ts.msg.ID {
		if !slices.Contains(ts.touched, ref.MessageID) {
			ts.touched = append(ts.touched, ref.MessageID)
		}
	} else if !ts.rendered[ref.Info.ID] {
		return
	}
	ts.render.Render(transcript.SubagentChanged{
		MessageID: ref.MessageID,
		Info:      transcript.SnapshotSubagent(ref.Info),
	})
}

// finish flushes buffers, finalizes blocks and subagents, and reports the
// turn. Spawns still ambiguous at the end are settled as synchronous.
func (ts *turnState) finish(cancelled, redirect bool) Result {
	ts.flushTools()
	for len(ts.ambiguous) > 0 {
		ts.classify(ts.ambiguous[0], false)
	}
	ts.closeStreams()

	for _, ref := range ts.registry.FinalizeTurn() {
		ts.emitSubagent(ref)
	}

	if cancelled && !redirect {
		ts.appendBlock(transcript.ContentBlock{
			Kind:     transcript.BlockNotice,
			Text:     "Interrupted",
			Severity: transcript.SeverityInterrupted,
		})
	}
	ts.msg.Interrupted = cancelled

	var duration int64
	if !cancelled && !ts.compacted {
		duration = time.Since(ts.started).Milliseconds()
		ts.msg.DurationMs = duration
	}

	ts.render.Render(transcript.TurnEnded{
		MessageID:   ts.msg.ID,
		DurationMs:  duration,
		Interrupted: cancelled,
		Prunable:    subagent.Prunable(ts.msg),
	})

	model := ts.opts.ReportedModel
	if ts.usage != nil && ts.usage.Model != "" {
		model = ts.usage.Model
	}
	return Result{
		Usage:       ts.usage,
		SessionID:   ts.sessionID,
		Model:       model,
		ErrorText:   ts.errorText,
		Touched:     ts.touched,
		DurationMs:  duration,
		Interrupted: cancelled,
		Recoverable: ts.recoverable,
	}
}
