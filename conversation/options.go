package conversation

import (
	"log/slog"
	"time"

	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/history"
	"github.com/bazelment/quill/orchestrator"
	"github.com/bazelment/quill/queue"
	"github.com/bazelment/quill/transcript"
)

// Report describes a settled turn.
type Report struct {
	Err         error
	UserID      string
	AssistantID string
	Result      orchestrator.Result
	Outcome     queue.Outcome
	// Recovered is set when the turn was resubmitted under a fresh session.
	Recovered bool
}

// Config holds conversation settings.
type Config struct {
	Logger    *slog.Logger
	History   *history.Store
	Renderer  transcript.Renderer
	Blocklist *approval.Blocklist
	RuleStore approval.RuleStore
	Prompter  approval.Prompter
	// Restore receives a queued message handed back after a cancelled or
	// failed turn.
	Restore func(queue.Message)
	// OnTurnEnd is called after every settled turn.
	OnTurnEnd         func(Report)
	Model             string
	Mode              approval.PermissionMode
	InactivityTimeout time.Duration
	PartialMessages   bool

	inactivitySet bool
}

// Option configures a Conversation.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithHistory persists messages to store.
func WithHistory(store *history.Store) Option {
	return func(c *Config) { c.History = store }
}

// WithRenderer sets the render target.
func WithRenderer(r transcript.Renderer) Option {
	return func(c *Config) { c.Renderer = r }
}

// WithApproval sets the policy shared by every turn's approval gate.
func WithApproval(blocklist *approval.Blocklist, store approval.RuleStore, prompter approval.Prompter, mode approval.PermissionMode) Option {
	return func(c *Config) {
		c.Blocklist = blocklist
		c.RuleStore = store
		c.Prompter = prompter
		c.Mode = mode
	}
}

// WithRestore sets the callback receiving queued messages after a cancel.
func WithRestore(fn func(queue.Message)) Option {
	return func(c *Config) { c.Restore = fn }
}

// WithTurnHook sets a callback run after each turn settles.
func WithTurnHook(fn func(Report)) Option {
	return func(c *Config) { c.OnTurnEnd = fn }
}

// WithModel sets the model turns are submitted with.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithInactivityTimeout overrides the orchestrator watchdog window. Zero
// disables the watchdog.
func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.InactivityTimeout = d
		c.inactivitySet = true
	}
}

// WithPartialMessages tells the engine the process streams deltas.
func WithPartialMessages(enabled bool) Option {
	return func(c *Config) { c.PartialMessages = enabled }
}
