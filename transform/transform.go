// Package transform maps raw agent process records to typed stream events.
package transform

import (
	"iter"
	"log/slog"
	"sort"

	"github.com/bazelment/quill/agentstream"
	"github.com/bazelment/quill/protocol"
)

// Options tune how records are mapped for one turn.
type Options struct {
	// IntendedModel is the model the turn was submitted with.
	IntendedModel string
	// ReportedModel is the model the process announced at session init.
	ReportedModel string
	// PartialMessages is set when the process streams content deltas. Text
	// and thinking then come from stream events only, and assistant records
	// contribute tool invocations.
	PartialMessages bool
}

// Transform returns the stream events carried by one raw record. The
// sequence is lazy and finite. Unknown or empty payloads yield nothing.
func Transform(msg protocol.Message, opts Options) iter.Seq[agentstream.Event] {
	return func(yield func(agentstream.Event) bool) {
		if msg == nil {
			return
		}
		switch m := msg.(type) {
		case protocol.SystemMessage:
			transformSystem(m, yield)
		case protocol.AssistantMessage:
			transformAssistant(m, opts, yield)
		case protocol.UserMessage:
			transformUser(m, yield)
		case protocol.StreamEvent:
			if opts.PartialMessages {
				transformStreamEvent(m, yield)
			}
		case protocol.ResultMessage:
			transformResult(m, opts, yield)
		case protocol.ErrorMessage:
			if m.Error != "" {
				yield(agentstream.Error{Content: m.Error})
			}
		default:
			slog.Debug("no stream events for record", "type", msg.MsgType())
		}
	}
}

func transformSystem(m protocol.SystemMessage, yield func(agentstream.Event) bool) {
	switch m.Subtype {
	case protocol.SystemSubtypeInit:
		if m.SessionID != "" {
			yield(agentstream.SessionInit{SessionID: m.SessionID, Model: m.Model})
		}
	case protocol.SystemSubtypeCompactBoundary:
		ev := agentstream.CompactBoundary{}
		if m.CompactMetadata != nil {
			ev.Trigger = m.CompactMetadata.Trigger
		}
		yield(ev)
	}
}

func transformAssistant(m protocol.AssistantMessage, opts Options, yield func(agentstream.Event) bool) {
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return
	}
	scope := m.ParentToolUse()
	for _, block := range blocks {
		var ev agentstream.Event
		switch b := block.(type) {
		case protocol.TextBlock:
			if opts.PartialMessages || b.Text == "" {
				continue
			}
			ev = agentstream.Text{Content: b.Text, Scope: scope}
		case protocol.ThinkingBlock:
			if opts.PartialMessages || b.Thinking == "" {
				continue
			}
			ev = agentstream.Thinking{Content: b.Thinking, Scope: scope}
		case protocol.ToolUseBlock:
			if b.ID == "" {
				continue
			}
			ev = agentstream.ToolUse{ID: b.ID, Name: b.Name, Input: b.Input, Scope: scope}
		default:
			continue
		}
		if !yield(ev) {
			return
		}
	}
}

func transformUser(m protocol.UserMessage, yield func(agentstream.Event) bool) {
	blocks, ok := m.Message.Content.AsBlocks()
	if !ok {
		return
	}
	scope := m.ParentToolUse()
	for _, block := range blocks {
		b, ok := block.(protocol.ToolResultBlock)
		if !ok || b.ToolUseID == "" {
			continue
		}
		ev := agentstream.ToolResult{
			ID:      b.ToolUseID,
			Content: b.Text(),
			IsError: b.Failed(),
			Scope:   scope,
		}
		if !yield(ev) {
			return
		}
	}
}

func transformStreamEvent(m protocol.StreamEvent, yield func(agentstream.Event) bool) {
	data, err := m.Parsed()
	if err != nil || data == nil {
		return
	}
	scope := m.ParentToolUse()
	switch e := data.(type) {
	case protocol.ContentBlockDeltaEvent:
		delta, err := e.ParsedDelta()
		if err != nil || delta == nil {
			return
		}
		switch d := delta.(type) {
		case protocol.TextDelta:
			if d.Text != "" {
				yield(agentstream.Text{Content: d.Text, Scope: scope})
			}
		case protocol.ThinkingDelta:
			if d.Thinking != "" {
				yield(agentstream.Thinking{Content: d.Thinking, Scope: scope})
			}
		}
	case protocol.ContentBlockStartEvent:
		block, err := e.ParsedBlock()
		if err != nil {
			return
		}
		if tu, ok := block.(protocol.ToolUseBlock); ok && tu.ID != "" {
			yield(agentstream.ToolUse{ID: tu.ID, Name: tu.Name, Input: tu.Input, Scope: scope, Partial: true})
		}
	}
}

func transformResult(m protocol.ResultMessage, opts Options, yield func(agentstream.Event) bool) {
	if m.ParentToolUse() != "" {
		return
	}
	if !yield(usageFromResult(m, opts)) {
		return
	}
	if m.IsError {
		content := m.Result
		if content == "" {
			content = m.Subtype
		}
		if !yield(agentstream.Error{Content: content}) {
			return
		}
	}
	yield(agentstream.Done{})
}

// usageFromResult builds the usage event. The context window comes from the
// model usage entry with a positive window, preferring the intended model,
// then the reported model, then the first remaining entry by name.
func usageFromResult(m protocol.ResultMessage, opts Options) agentstream.Usage {
	model, window := selectModelUsage(m.ModelUsage, opts.IntendedModel, opts.ReportedModel)
	if model == "" {
		model = opts.IntendedModel
		if model == "" {
			model = opts.ReportedModel
		}
	}
	u := agentstream.Usage{
		Model:               model,
		InputTokens:         m.Usage.InputTokens,
		CacheCreationTokens: m.Usage.CacheCreationInputTokens,
		CacheReadTokens:     m.Usage.CacheReadInputTokens,
		ContextWindow:       window,
	}
	u.ContextTokens = u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
	if window > 0 {
		pct := float64(u.ContextTokens) / float64(window) * 100
		u.Percentage = min(max(pct, 0), 100)
	}
	return u
}

func selectModelUsage(usage map[string]protocol.ModelUsage, intended, reported string) (string, int) {
	for _, name := range []string{intended, reported} {
		if name == "" {
			continue
		}
		if mu, ok := usage[name]; ok && mu.ContextWindow > 0 {
			return name, mu.ContextWindow
		}
	}
	names := make([]string, 0, len(usage))
	for name, mu := range usage {
		if mu.ContextWindow > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", 0
	}
	sort.Strings(names)
	return names[0], usage[names[0]].ContextWindow
}
