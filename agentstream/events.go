package agentstream

// EventKind identifies the category of a stream event.
type EventKind int

const (
	// KindUnknown is the zero value and is never produced by this package.
	KindUnknown EventKind = iota
	KindText
	KindThinking
	KindToolUse
	KindToolResult
	KindBlocked
	KindError
	KindUsage
	KindSessionInit
	KindCompactBoundary
	KindDone
)

var kindNames = map[EventKind]string{
	KindUnknown:         "unknown",
	KindText:            "text",
	KindThinking:        "thinking",
	KindToolUse:         "tool_use",
	KindToolResult:      "tool_result",
	KindBlocked:         "blocked",
	KindError:           "error",
	KindUsage:           "usage",
	KindSessionInit:     "session_init",
	KindCompactBoundary: "compact_boundary",
	KindDone:            "done",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is implemented by every stream event.
type Event interface {
	StreamEventKind() EventKind
	// ScopeID returns the spawning tool-call id for subagent events, or "".
	ScopeID() string
}

// Text is a chunk of assistant text.
type Text struct {
	Content string
	Scope   string
}

func (e Text) StreamEventKind() EventKind { return KindText }
func (e Text) ScopeID() string            { return e.Scope }

// Thinking is a chunk of model reasoning.
type Thinking struct {
	Content string
	Scope   string
}

func (e Thinking) StreamEventKind() EventKind { return KindThinking }
func (e Thinking) ScopeID() string            { return e.Scope }

// ToolUse announces or refines a tool invocation. Several ToolUse events may
// share one ID; their inputs are deep-merged in arrival order. Partial is set
// when the input is known to be incomplete (streamed block start).
type ToolUse struct {
	Input   map[string]interface{}
	ID      string
	Name    string
	Scope   string
	Partial bool
}

func (e ToolUse) StreamEventKind() EventKind { return KindToolUse }
func (e ToolUse) ScopeID() string            { return e.Scope }

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string
	Content string
	Scope   string
	IsError bool
}

func (e ToolResult) StreamEventKind() EventKind { return KindToolResult }
func (e ToolResult) ScopeID() string            { return e.Scope }

// Blocked reports a tool invocation refused by policy. ToolID is set when the
// refusal is tied to a known invocation.
type Blocked struct {
	Content string
	ToolID  string
}

func (e Blocked) StreamEventKind() EventKind { return KindBlocked }
func (e Blocked) ScopeID() string            { return "" }

// Error reports a failure that ends the turn.
type Error struct {
	Content string
}

func (e Error) StreamEventKind() EventKind { return KindError }
func (e Error) ScopeID() string            { return "" }

// Usage carries context-window accounting for the completed turn.
type Usage struct {
	Model               string
	InputTokens         int
	CacheCreationTokens int
	CacheReadTokens     int
	ContextWindow       int
	ContextTokens       int
	Percentage          float64
}

func (e Usage) StreamEventKind() EventKind { return KindUsage }
func (e Usage) ScopeID() string            { return "" }

// SessionInit reports the session id the process is running under.
type SessionInit struct {
	SessionID string
	Model     string
}

func (e SessionInit) StreamEventKind() EventKind { return KindSessionInit }
func (e SessionInit) ScopeID() string            { return "" }

// CompactBoundary marks that the process compacted its conversation history.
type CompactBoundary struct {
	Trigger string
}

func (e CompactBoundary) StreamEventKind() EventKind { return KindCompactBoundary }
func (e CompactBoundary) ScopeID() string            { return "" }

// Done marks the end of the turn's output.
type Done struct{}

func (e Done) StreamEventKind() EventKind { return KindDone }
func (e Done) ScopeID() string            { return "" }
