// Package queue holds the follow-up message a user submits while a turn is
// still running.
package queue

import (
	"log/slog"
	"sync"

	"github.com/bazelment/quill/protocol"
)

// EditorContext is the editor selection attached to a submission.
type EditorContext struct {
	FilePath  string `json:"file_path"`
	Selection string `json:"selection,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// Message is a user submission.
type Message struct {
	Editor  *EditorContext
	Content string
	Images  []protocol.Image
}

// merge appends next to m: content joined by a blank line, images appended
// in order, editor context replaced by the latest one.
func (m *Message) merge(next Message) {
	switch {
	case m.Content == "":
		m.Content = next.Content
	case next.Content != "":
		m.Content += "\n\n" + next.Content
	}
	m.Images = append(m.Images, next.Images...)
	if next.Editor != nil {
		m.Editor = next.Editor
	}
}

// Outcome is how an active turn settled.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Coordinator serializes turns and buffers at most one queued message.
type Coordinator struct {
	start   func(Message)
	restore func(Message)
	logger  *slog.Logger

	mu      sync.Mutex
	pending *Message
	active  bool
}

// New creates a coordinator. start begins a turn and must not block;
// restore returns a queued message to the input surface.
func New(start, restore func(Message), logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{start: start, restore: restore, logger: logger}
}

// Submit begins a turn when idle. While a turn is active the message is
// merged into the single queued message instead; queued reports which
// happened.
func (c *Coordinator) Submit(m Message) (queued bool) {
	c.mu.Lock()
	if c.active {
		if c.pending == nil {
			cp := Message{Editor: m.Editor, Content: m.Content}
			cp.Images = append([]protocol.Image(nil), m.Images...)
			c.pending = &cp
		} else {
			c.pending.merge(m)
		}
		c.mu.Unlock()
		c.logger.Debug("message queued", "content_len", len(m.Content), "images", len(m.Images))
		return true
	}
	c.active = true
	c.mu.Unlock()

	c.start(m)
	return false
}

// Settle ends the active turn. After a completed turn the queued message,
// if any, starts the next turn on its own goroutine so the caller's
// completion path is not blocked. After a cancelled or failed turn the
// queued message is handed back through restore and the queue is emptied.
func (c *Coordinator) Settle(outcome Outcome) {
	c.mu.Lock()
	next := c.pending
	c.pending = nil

	if next == nil {
		c.active = false
		c.mu.Unlock()
		return
	}
	if outcome == OutcomeCompleted {
		// The coordinator stays active across the hand-off so a Submit racing
		// with the release queues behind it.
		c.mu.Unlock()
		c.logger.Debug("releasing queued message")
		go c.start(*next)
		return
	}
	c.active = false
	c.mu.Unlock()

	c.logger.Debug("restoring queued message", "outcome", outcome)
	if c.restore != nil {
		c.restore(*next)
	}
}

// Pending returns a copy of the queued message.
func (c *Coordinator) Pending() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Message{}, false
	}
	cp := *c.pending
	cp.Images = append([]protocol.Image(nil), c.pending.Images...)
	return cp, true
}

// Active reports whether a turn is running.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Clear drops the queued message without restoring it.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}
