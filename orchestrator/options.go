package orchestrator

import (
	"log/slog"
	"time"

	"github.com/bazelment/quill/subagent"
)

// DefaultInactivityTimeout is how long a turn may go without a record from
// the agent before it is failed.
const DefaultInactivityTimeout = 5 * time.Minute

// Config holds orchestrator settings.
type Config struct {
	Logger   *slog.Logger
	Registry *subagent.Registry
	// Recoverable classifies error text that the caller handles itself,
	// such as an invalidated session. Matching errors are reported in the
	// Result instead of being rendered.
	Recoverable       func(string) bool
	InactivityTimeout time.Duration
	PartialMessages   bool
}

func defaultConfig() Config {
	return Config{
		InactivityTimeout: DefaultInactivityTimeout,
	}
}

// Option configures an Orchestrator.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegistry shares a subagent registry across turns. Background
// subagents spawned in one turn can only be finished in a later turn when
// the registry outlives the turn.
func WithRegistry(r *subagent.Registry) Option {
	return func(c *Config) { c.Registry = r }
}

// WithInactivityTimeout sets the watchdog window. Zero disables it.
func WithInactivityTimeout(d time.Duration) Option {
	return func(c *Config) { c.InactivityTimeout = d }
}

// WithPartialMessages tells the orchestrator the process streams content
// deltas.
func WithPartialMessages(enabled bool) Option {
	return func(c *Config) { c.PartialMessages = enabled }
}

// WithRecoverable sets the recoverable error classifier.
func WithRecoverable(fn func(string) bool) Option {
	return func(c *Config) { c.Recoverable = fn }
}
