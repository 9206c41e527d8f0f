// Package render prints transcript updates to a terminal as styled,
// line-oriented output.
package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/bazelment/quill/transcript"
)

// Styles holds the lipgloss styles used for each kind of output.
type Styles struct {
	Thinking lipgloss.Style
	Tool     lipgloss.Style
	Subagent lipgloss.Style
	Dim      lipgloss.Style
	Done     lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
}

// NewStyles derives the default styles for output rendered by r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Thinking: r.NewStyle().Italic(true).Foreground(lipgloss.Color("245")),
		Tool:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Subagent: r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		Dim:      r.NewStyle().Foreground(lipgloss.Color("245")),
		Done:     r.NewStyle().Foreground(lipgloss.Color("10")),
		Warning:  r.NewStyle().Foreground(lipgloss.Color("11")),
		Error:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

type blockKey struct {
	messageID string
	index     int
}

// Renderer implements transcript.Renderer on an io.Writer. Streamed text
// is written incrementally; tool calls and subagents get one line when they
// appear and one when they finish.
type Renderer struct {
	w      io.Writer
	styles Styles

	mu        sync.Mutex
	printed   map[blockKey]int
	open      *blockKey
	midLine   bool
	tools     map[string]transcript.ToolStatus
	subagents map[string]transcript.SubagentStatus
}

// New creates a renderer writing to w with styles suited to w's color
// support.
func New(w io.Writer) *Renderer {
	return NewWithStyles(w, NewStyles(lipgloss.NewRenderer(w)))
}

// NewWithStyles creates a renderer with explicit styles.
func NewWithStyles(w io.Writer, styles Styles) *Renderer {
	return &Renderer{
		w:         w,
		styles:    styles,
		printed:   make(map[blockKey]int),
		tools:     make(map[string]transcript.ToolStatus),
		subagents: make(map[string]transcript.SubagentStatus),
	}
}

// Render applies one update.
func (r *Renderer) Render(u transcript.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u := u.(type) {
	case transcript.BlockAppended:
		r.block(blockKey{u.MessageID, u.Index}, u.Block)
	case transcript.BlockChanged:
		r.block(blockKey{u.MessageID, u.Index}, u.Block)
	case transcript.ToolCallChanged:
		r.tool(u.SubagentID, u.Call)
	case transcript.SubagentChanged:
		r.subagent(u.Info)
	case transcript.TurnEnded:
		r.endLine()
		r.open = nil
		if u.DurationMs > 0 {
			r.line(r.styles.Dim.Render(fmt.Sprintf("(%.1fs)", float64(u.DurationMs)/1000)))
		}
	}
}

func (r *Renderer) block(key blockKey, b transcript.ContentBlock) {
	switch b.Kind {
	case transcript.BlockText, transcript.BlockThinking:
		r.stream(key, b)
	case transcript.BlockCompactBoundary:
		if _, seen := r.printed[key]; !seen {
			r.printed[key] = 0
			r.line(r.styles.Dim.Render("── conversation compacted ──"))
		}
	case transcript.BlockNotice:
		if _, seen := r.printed[key]; !seen {
			r.printed[key] = 0
			r.line(r.notice(b))
		}
	}
}

// stream writes the part of a text or thinking block not yet printed.
func (r *Renderer) stream(key blockKey, b transcript.ContentBlock) {
	if r.open == nil || *r.open != key {
		r.endLine()
		k := key
		r.open = &k
	}
	done := r.printed[key]
	if done > len(b.Text) {
		done = 0
	}
	delta := b.Text[done:]
	r.printed[key] = len(b.Text)
	if delta == "" {
		return
	}
	if b.Kind == transcript.BlockThinking {
		delta = r.styles.Thinking.Render(delta)
	}
	io.WriteString(r.w, delta)
	r.midLine = !strings.HasSuffix(delta, "\n")
}

func (r *Renderer) notice(b transcript.ContentBlock) string {
	switch b.Severity {
	case transcript.SeverityError:
		return r.styles.Error.Render("✗ " + b.Text)
	case transcript.SeverityInterrupted:
		return r.styles.Dim.Render("⏹ " + b.Text)
	default:
		return r.styles.Warning.Render("! " + b.Text)
	}
}

func (r *Renderer) tool(scope string, call transcript.ToolCall) {
	indent := ""
	if scope != "" {
		indent = "    "
	}
	prev, seen := r.tools[call.ID]
	r.tools[call.ID] = call.Status
	if !seen {
		label := call.Name
		if subject := toolSubject(call.Input); subject != "" {
			label = fmt.Sprintf("%s(%s)", call.Name, transcript.Label(subject))
		}
		r.line(indent + r.styles.Tool.Render("● "+label))
	}
	if call.Status == transcript.ToolRunning || (seen && prev == call.Status) {
		return
	}
	switch call.Status {
	case transcript.ToolCompleted:
		r.line(indent + r.styles.Done.Render("  ⎿ done"))
	case transcript.ToolBlocked:
		r.line(indent + r.styles.Warning.Render("  ⎿ blocked"))
	case transcript.ToolError:
		r.line(indent + r.styles.Error.Render("  ⎿ "+firstLine(call.Result)))
	}
}

func (r *Renderer) subagent(info transcript.SubagentInfo) {
	prev, seen := r.subagents[info.ID]
	r.subagents[info.ID] = info.Status
	if !seen {
		label := "Task: " + transcript.Label(info.Description)
		if info.Mode == transcript.ModeAsync {
			label += " (background)"
		}
		r.line(r.styles.Subagent.Render("◆ " + label))
	}
	if !info.Terminal() || (seen && prev == info.Status) {
		return
	}
	switch info.Status {
	case transcript.SubagentCompleted:
		r.line(r.styles.Done.Render("  ⎿ task done"))
	case transcript.SubagentError:
		r.line(r.styles.Error.Render("  ⎿ task failed: " + firstLine(info.Result)))
	case transcript.SubagentOrphaned:
		r.line(r.styles.Dim.Render("  ⎿ task lost"))
	}
}

// line writes s on a line of its own.
func (r *Renderer) line(s string) {
	r.endLine()
	r.open = nil
	io.WriteString(r.w, s+"\n")
}

func (r *Renderer) endLine() {
	if r.midLine {
		io.WriteString(r.w, "\n")
		r.midLine = false
	}
}

var subjectKeys = []string{"command", "file_path", "notebook_path", "path", "url", "pattern", "description"}

func toolSubject(input map[string]interface{}) string {
	for _, k := range subjectKeys {
		if s, ok := input[k].(string); ok && s != "" {
			return firstLine(s)
		}
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ transcript.Renderer = (*Renderer)(nil)
