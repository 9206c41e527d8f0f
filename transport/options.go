package transport

import (
	"io"
	"log/slog"
	"time"

	"github.com/bazelment/quill/internal/procattr"
)

// Config holds process launch settings shared by every turn.
type Config struct {
	Env             map[string]string
	Trace           io.Writer
	Logger          *slog.Logger
	CLIPath         string
	WorkDir         string
	Model           string
	PermissionMode  string
	ExtraArgs       []string
	Grace           time.Duration
	PartialMessages bool
}

func defaultConfig() Config {
	return Config{
		CLIPath: "claude",
		Grace:   procattr.DefaultGrace,
	}
}

// Option configures a Launcher.
type Option func(*Config)

// WithCLIPath sets the agent binary.
func WithCLIPath(path string) Option {
	return func(c *Config) { c.CLIPath = path }
}

// WithWorkDir sets the working directory of the process.
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithEnv adds environment variables.
func WithEnv(env map[string]string) Option {
	return func(c *Config) { c.Env = env }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithPermissionMode passes a permission mode to the CLI.
func WithPermissionMode(mode string) Option {
	return func(c *Config) { c.PermissionMode = mode }
}

// WithPartialMessages enables streamed content deltas.
func WithPartialMessages(enabled bool) Option {
	return func(c *Config) { c.PartialMessages = enabled }
}

// WithExtraArgs appends raw CLI arguments.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) { c.ExtraArgs = append(c.ExtraArgs, args...) }
}

// WithTrace records every line exchanged with the process as a
// protocol.TraceEntry.
func WithTrace(w io.Writer) Option {
	return func(c *Config) { c.Trace = w }
}

// WithGrace sets the SIGTERM grace period before SIGKILL.
func WithGrace(d time.Duration) Option {
	return func(c *Config) { c.Grace = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}
