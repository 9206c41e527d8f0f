package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bazelment/quill/transcript"
)

// invalidSubstrings mark an error as session-invalidating on their own.
var invalidSubstrings = []string{
	"no conversation found",
	"session not found",
	"invalid session",
	"session expired",
	"could not resume",
}

// invalidConjunctions mark an error as session-invalidating when every part
// is present.
var invalidConjunctions = [][]string{
	{"session", "expired"},
	{"session", "invalid"},
	{"session", "not found"},
	{"resume", "not found"},
	{"conversation", "not found"},
}

// IsSessionInvalid reports whether an error message means the agent session
// can no longer be resumed. Matching is case-insensitive.
func IsSessionInvalid(message string) bool {
	lower := strings.ToLower(message)
	if lower == "" {
		return false
	}
	for _, s := range invalidSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, parts := range invalidConjunctions {
		all := true
		for _, p := range parts {
			if !strings.Contains(lower, p) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// IsSessionInvalidError is IsSessionInvalid for an error value.
func IsSessionInvalidError(err error) bool {
	return err != nil && IsSessionInvalid(err.Error())
}

// maxToolErrorLen bounds the error text of a failed tool call in a recovery
// prompt.
const maxToolErrorLen = 500

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

// BuildRecoveryPrompt rebuilds conversation context for a fresh session
// from the prior transcript, followed by the new prompt. Successful tool
// calls are summarized by name and status; failed calls keep a bounded
// excerpt of their error.
func BuildRecoveryPrompt(messages []*transcript.Message, prompt string) string {
	var b strings.Builder
	b.WriteString("The previous session could not be resumed. This is the conversation so far:\n\n")
	b.WriteString("<conversation_history>\n")
	for _, msg := range messages {
		writeMessage(&b, msg)
	}
	b.WriteString("</conversation_history>\n\n")
	b.WriteString("Continue the conversation. The user's new message is:\n\n")
	b.WriteString(prompt)
	return b.String()
}

func writeMessage(b *strings.Builder, msg *transcript.Message) {
	switch msg.Role {
	case transcript.RoleUser:
		if msg.Content != "" {
			fmt.Fprintf(b, "User: %s\n", msg.Content)
		}
	case transcript.RoleAssistant:
		if text := strings.TrimSpace(msg.Text()); text != "" {
			fmt.Fprintf(b, "Assistant: %s\n", text)
		}
		for _, block := range msg.Blocks {
			switch block.Kind {
			case transcript.BlockToolUse:
				if call := msg.ToolCall(block.ToolID); call != nil {
					writeTool(b, call)
				}
			case transcript.BlockSubagent:
				if s := msg.Subagent(block.SubagentID); s != nil {
					fmt.Fprintf(b, "[Subagent %s: %s]\n", transcript.Label(s.Description), s.Status)
				}
			}
		}
	}
}

func writeTool(b *strings.Builder, call *transcript.ToolCall) {
	if call.Status == transcript.ToolError {
		fmt.Fprintf(b, "[Tool %s: error] %s\n", call.Name, truncate(strings.TrimSpace(call.Result), maxToolErrorLen))
		return
	}
	fmt.Fprintf(b, "[Tool %s: %s]\n", call.Name, call.Status)
}
