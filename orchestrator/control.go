package orchestrator

import (
	"context"
	"fmt"

	"github.com/bazelment/quill/agentstream"
	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/protocol"
	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transform"
)

// Tools with dedicated permission handling.
const (
	toolAskQuestion  = "AskUserQuestion"
	toolExitPlanMode = "ExitPlanMode"
)

// control answers a control request from the agent. It blocks while the
// approval gate waits for the user.
func (ts *turnState) control(ctx context.Context, src Source, req protocol.ControlRequest) error {
	data, err := req.ParsedRequest()
	if err != nil {
		ts.logger.Debug("undecodable control request", "request_id", req.RequestID, "error", err)
		return src.Respond(ctx, protocol.NewControlError(req.RequestID, "malformed control request"))
	}

	switch r := data.(type) {
	case protocol.CanUseToolRequest:
		var resp protocol.ControlResponse
		if r.ToolName == toolAskQuestion {
			resp = ts.askQuestions(ctx, req.RequestID, r)
		} else {
			resp = ts.permission(ctx, req.RequestID, r)
		}
		return src.Respond(ctx, resp)
	default:
		return src.Respond(ctx, protocol.NewControlError(req.RequestID, "unsupported control request"))
	}
}

func (ts *turnState) permission(ctx context.Context, requestID string, r protocol.CanUseToolRequest) protocol.ControlResponse {
	req := approval.Request{
		Input:          r.Input,
		ToolName:       r.ToolName,
		ToolUseID:      r.ToolUseID,
		Description:    describe(r.ToolName, r.Input),
		DecisionReason: r.DecisionReason,
		AgentID:        r.AgentID,
	}
	if r.BlockedPath != nil {
		req.BlockedPath = *r.BlockedPath
	}

	out, err := ts.gate.Evaluate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.NewPermissionDeny(requestID, "Turn cancelled", true)
		}
		if !approval.IsPersistError(err) {
			ts.logger.Warn("approval failed", "tool", r.ToolName, "error", err)
			ts.notice(transcript.SeverityError, fmt.Sprintf("Approval for %s failed: %v", r.ToolName, err), r.ToolUseID)
			return protocol.NewPermissionDeny(requestID, "Approval failed: "+err.Error(), false)
		}
		ts.notice(transcript.SeverityWarning, fmt.Sprintf("Decision applied, but rule %s could not be saved", out.Rule), r.ToolUseID)
	}

	ts.logger.Debug("permission decided", "tool", r.ToolName, "verdict", out.Verdict, "source", out.Source)
	switch out.Verdict {
	case approval.VerdictAllowed:
		return protocol.NewPermissionAllow(requestID, r.Input)
	case approval.VerdictBlocked:
		if !ts.refused[r.ToolUseID] {
			ts.refused[r.ToolUseID] = true
			ts.handle(agentstream.Blocked{Content: out.Message, ToolID: r.ToolUseID})
		}
		return protocol.NewPermissionDeny(requestID, out.Message, false)
	case approval.VerdictCancelled:
		return protocol.NewPermissionDeny(requestID, out.Message, true)
	default:
		return protocol.NewPermissionDeny(requestID, out.Message, false)
	}
}

// askQuestions routes the interactive question tool to the user. A
// dismissed dialog stops the turn instead of reporting a denial.
func (ts *turnState) askQuestions(ctx context.Context, requestID string, r protocol.CanUseToolRequest) protocol.ControlResponse {
	answers, err := ts.gate.AskQuestions(ctx, approval.ParseQuestions(r.Input))
	if err != nil {
		ts.logger.Warn("question dialog failed", "error", err)
		return protocol.NewPermissionDeny(requestID, "Question dialog failed: "+err.Error(), false)
	}
	if answers == nil {
		return protocol.NewPermissionDeny(requestID, "User dismissed the question", true)
	}

	values := make(map[string]interface{}, len(answers))
	for q, a := range answers {
		values[q] = a
	}
	input := transform.DeepMerge(transform.DeepMerge(nil, r.Input), map[string]interface{}{"answers": values})
	return protocol.NewPermissionAllow(requestID, input)
}

func describe(tool string, input map[string]interface{}) string {
	if tool == toolExitPlanMode {
		if plan, ok := input["plan"].(string); ok && plan != "" {
			return plan
		}
	}
	if s := approval.Subject(input); s != "" {
		return tool + ": " + s
	}
	return tool
}
