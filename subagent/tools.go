package subagent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Tool names that spawn subagents or retrieve background output.
const (
	ToolTask        = "Task"
	ToolAgent       = "Agent"
	ToolTaskOutput  = "TaskOutput"
	ToolAgentOutput = "AgentOutputTool"
)

const backgroundKey = "run_in_background"

// IsTaskTool reports whether name spawns a subagent.
func IsTaskTool(name string) bool {
	return name == ToolTask || name == ToolAgent
}

// IsOutputTool reports whether name retrieves background subagent output.
func IsOutputTool(name string) bool {
	return name == ToolTaskOutput || name == ToolAgentOutput
}

// Background reads the run-in-background flag from a spawn input. known is
// false while the flag has not been streamed yet.
func Background(input map[string]interface{}) (background, known bool) {
	v, ok := input[backgroundKey]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return strings.EqualFold(b, "true"), true
	default:
		return false, true
	}
}

// Description returns the human-readable description of a spawn input.
func Description(input map[string]interface{}) string {
	if d, ok := input["description"].(string); ok {
		return d
	}
	return ""
}

var retrievalKeys = []string{"task_id", "agentId", "agent_id"}

// RetrievalTarget returns the agent id an output-retrieval input refers to.
func RetrievalTarget(input map[string]interface{}) string {
	for _, k := range retrievalKeys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

var agentIDPattern = regexp.MustCompile(`(?i)\b(?:agent[_ ]?id|task[_ ]?id)["']?\s*[:=]\s*["']?([A-Za-z0-9][A-Za-z0-9_-]*)`)

// ExtractAgentID finds the agent id in a background spawn result. The result
// may be a JSON object or prose; when neither yields an id, fallback is
// returned.
func ExtractAgentID(result, fallback string) string {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(result)), &obj); err == nil {
		for _, k := range []string{"agentId", "agent_id", "task_id"} {
			if s, ok := obj[k].(string); ok && s != "" {
				return s
			}
		}
	}
	if m := agentIDPattern.FindStringSubmatch(result); m != nil {
		return m[1]
	}
	return fallback
}

var runningStatusPattern = regexp.MustCompile(`(?i)(?:"status"\s*:\s*"|<status>)(running|pending|in_progress)`)

// StillRunning reports whether an output-retrieval result says the subagent
// has not finished yet.
func StillRunning(result string) bool {
	return runningStatusPattern.MatchString(result)
}
