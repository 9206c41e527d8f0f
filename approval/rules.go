package approval

import (
	"path"
	"strings"
)

// PermissionMode controls how tool requests without a matching rule are
// handled.
type PermissionMode string

const (
	// PermissionModeDefault prompts for each request.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits allows file edits without prompting.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModePlan prompts like default; the agent only plans.
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeBypass allows every request that passes the blocklist
	// and deny rules.
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// Permissions is the persisted rule set.
type Permissions struct {
	Allow       []string       `json:"allow"`
	Deny        []string       `json:"deny"`
	Ask         []string       `json:"ask"`
	DefaultMode PermissionMode `json:"defaultMode,omitempty"`
}

var editTools = map[string]bool{
	"Edit":         true,
	"MultiEdit":    true,
	"Write":        true,
	"NotebookEdit": true,
}

// IsEditTool reports whether name modifies files.
func IsEditTool(name string) bool { return editTools[name] }

// subjectKeys are the input fields a rule specifier is matched against, in
// order of preference.
var subjectKeys = []string{"command", "file_path", "notebook_path", "path", "url", "pattern"}

// Subject returns the input value rules are matched against.
func Subject(input map[string]interface{}) string {
	for _, k := range subjectKeys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ParseRule splits "Tool" or "Tool(specifier)".
func ParseRule(rule string) (tool, specifier string) {
	rule = strings.TrimSpace(rule)
	open := strings.IndexByte(rule, '(')
	if open < 0 || !strings.HasSuffix(rule, ")") {
		return rule, ""
	}
	return rule[:open], rule[open+1 : len(rule)-1]
}

// MatchRule reports whether rule covers the invocation. A bare tool name
// covers every call of that tool. A specifier ending in ":*" is a prefix
// match; a specifier containing glob metacharacters is matched as a path
// glob; anything else must equal the subject exactly.
func MatchRule(rule, toolName string, input map[string]interface{}) bool {
	tool, specifier := ParseRule(rule)
	if tool != toolName {
		return false
	}
	if specifier == "" {
		return true
	}
	subject := Subject(input)
	if subject == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(specifier, ":*"); ok {
		return strings.HasPrefix(subject, prefix)
	}
	if strings.ContainsAny(specifier, "*?[") {
		if ok, err := path.Match(specifier, subject); err == nil && ok {
			return true
		}
		if base, ok := strings.CutSuffix(specifier, "**"); ok {
			return strings.HasPrefix(subject, base)
		}
		return false
	}
	return subject == specifier
}

func matchAny(rules []string, toolName string, input map[string]interface{}) (string, bool) {
	for _, r := range rules {
		if MatchRule(r, toolName, input) {
			return r, true
		}
	}
	return "", false
}

// RuleFor builds the rule persisted for an always-allow or always-deny
// decision: the tool plus its subject when there is one.
func RuleFor(toolName string, input map[string]interface{}) string {
	subject := Subject(input)
	if subject == "" {
		return toolName
	}
	return toolName + "(" + subject + ")"
}
