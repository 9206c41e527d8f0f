// Package config loads the quill CLI settings from YAML.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/orchestrator"
	"github.com/bazelment/quill/transport"
)

// Config holds CLI settings from config.yaml.
type Config struct {
	CLIPath           string                  `yaml:"cli_path" json:"cli_path,omitempty" jsonschema:"description=Agent CLI binary,default=claude"`
	WorkDir           string                  `yaml:"work_dir" json:"work_dir,omitempty" jsonschema:"description=Working directory of the agent process"`
	Model             string                  `yaml:"model" json:"model,omitempty" jsonschema:"description=Model requested for each turn"`
	PermissionMode    approval.PermissionMode `yaml:"permission_mode" json:"permission_mode,omitempty" jsonschema:"enum=default,enum=acceptEdits,enum=plan,enum=bypassPermissions,default=default"`
	InactivityTimeout string                  `yaml:"inactivity_timeout" json:"inactivity_timeout,omitempty" jsonschema:"description=Abort a turn after this long without output; 0 disables,default=5m"`
	PartialMessages   bool                    `yaml:"partial_messages" json:"partial_messages,omitempty" jsonschema:"description=Stream text and tool input deltas"`
	Blocklist         []string                `yaml:"blocklist" json:"blocklist,omitempty" jsonschema:"description=Command patterns that are always refused; each is a regular expression and invalid patterns match as case-insensitive substrings"`
	RulesPath         string                  `yaml:"rules_path" json:"rules_path,omitempty" jsonschema:"description=File holding persisted allow and deny rules"`
	HistoryPath       string                  `yaml:"history_path" json:"history_path,omitempty" jsonschema:"description=SQLite database holding conversation transcripts"`
}

// Dir returns the directory holding quill state, ~/.quill.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quill"
	}
	return filepath.Join(home, ".quill")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	dir := Dir()
	return &Config{
		CLIPath:           "claude",
		PermissionMode:    approval.PermissionModeDefault,
		InactivityTimeout: orchestrator.DefaultInactivityTimeout.String(),
		RulesPath:         filepath.Join(dir, "rules.json"),
		HistoryPath:       filepath.Join(dir, "history.db"),
	}
}

// Load reads the config at path. A missing file yields the defaults, and
// unset fields in an existing file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	switch c.PermissionMode {
	case "", approval.PermissionModeDefault, approval.PermissionModeAcceptEdits,
		approval.PermissionModePlan, approval.PermissionModeBypass:
	default:
		return fmt.Errorf("unknown permission_mode %q", c.PermissionMode)
	}
	if _, err := c.Inactivity(); err != nil {
		return err
	}
	return nil
}

// Inactivity returns the parsed inactivity timeout. Zero disables the
// watchdog.
func (c *Config) Inactivity() (time.Duration, error) {
	if c.InactivityTimeout == "" || c.InactivityTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.InactivityTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid inactivity_timeout %q: %w", c.InactivityTimeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid inactivity_timeout %q: negative", c.InactivityTimeout)
	}
	return d, nil
}

// CLIPermissionMode is the mode the agent CLI is started in. Modes that
// skip prompts are applied by the approval gate instead, so every gated
// tool still reaches the blocklist through a permission request.
func (c *Config) CLIPermissionMode() approval.PermissionMode {
	if c.PermissionMode == approval.PermissionModePlan {
		return approval.PermissionModePlan
	}
	return approval.PermissionModeDefault
}

// TransportOptions maps the settings onto launcher options.
func (c *Config) TransportOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithPartialMessages(c.PartialMessages),
		transport.WithPermissionMode(string(c.CLIPermissionMode())),
	}
	if c.CLIPath != "" {
		opts = append(opts, transport.WithCLIPath(c.CLIPath))
	}
	if c.WorkDir != "" {
		opts = append(opts, transport.WithWorkDir(c.WorkDir))
	}
	if c.Model != "" {
		opts = append(opts, transport.WithModel(c.Model))
	}
	return opts
}

// Schema returns the JSON Schema of the config file, with every
// definition inlined.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "quill configuration"
	return json.MarshalIndent(schema, "", "  ")
}
