// Package approval decides whether permission-gated tool invocations may run.
//
// A Gate is created per turn and passed explicitly to the orchestrator. It
// consults, in order, the shared Blocklist, the persisted allow and deny
// rules, the permission mode, and finally the interactive Prompter.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Decision is the answer of an interactive approval prompt.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
	DecisionDenyAlways  Decision = "deny-always"
	DecisionCancel      Decision = "cancel"
)

// Request describes a tool invocation awaiting approval.
type Request struct {
	Input          map[string]interface{}
	ToolName       string
	ToolUseID      string
	Description    string
	DecisionReason string
	BlockedPath    string
	AgentID        string
}

// Question is one entry of an interactive question tool request.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Option is a selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Prompter asks the user. Prompt must return DecisionCancel, not an error,
// when the user dismisses the dialog. Ask returns nil answers on dismissal.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Decision, error)
	Ask(ctx context.Context, questions []Question) (map[string]string, error)
}

// RuleStore persists allow and deny rules. Each Add is a read-modify-write
// of the durable store.
type RuleStore interface {
	Permissions(ctx context.Context) (Permissions, error)
	AddAllowRule(ctx context.Context, rule string) error
	AddDenyRule(ctx context.Context, rule string) error
}

// Verdict is the effective result of an evaluation.
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictDenied
	VerdictBlocked
	VerdictCancelled
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictDenied:
		return "denied"
	case VerdictBlocked:
		return "blocked"
	case VerdictCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Source identifies what produced a verdict.
type Source string

const (
	SourceBlocklist Source = "blocklist"
	SourceRule      Source = "rule"
	SourceMode      Source = "mode"
	SourcePrompt    Source = "prompt"
)

// Outcome is the result of Gate.Evaluate.
type Outcome struct {
	Verdict  Verdict
	Source   Source
	Decision Decision
	// Rule is the matched rule, the blocklist pattern, or the rule that was
	// persisted for an always decision.
	Rule      string
	Message   string
	Persisted bool
}

// Allowed reports whether the tool may run.
func (o Outcome) Allowed() bool { return o.Verdict == VerdictAllowed }

// ErrNoPrompter is returned when a request needs a prompt but the gate has
// no Prompter.
var ErrNoPrompter = errors.New("approval prompt unavailable")

// PersistError reports that a decision was made but its rule could not be
// stored. The accompanying Outcome is still valid.
type PersistError struct {
	Err  error
	Rule string
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist rule %q: %v", e.Rule, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsPersistError reports whether err is a PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithBlocklist sets the shared blocklist.
func WithBlocklist(b *Blocklist) GateOption {
	return func(g *Gate) { g.blocklist = b }
}

// WithRuleStore sets the persisted rule store.
func WithRuleStore(s RuleStore) GateOption {
	return func(g *Gate) { g.store = s }
}

// WithPrompter sets the interactive prompter.
func WithPrompter(p Prompter) GateOption {
	return func(g *Gate) { g.prompter = p }
}

// WithMode sets the permission mode. It overrides the store's default mode.
func WithMode(m PermissionMode) GateOption {
	return func(g *Gate) { g.mode = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// Gate evaluates tool requests for one turn.
type Gate struct {
	blocklist *Blocklist
	store     RuleStore
	prompter  Prompter
	logger    *slog.Logger
	mode      PermissionMode
}

// NewGate creates a gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Blocked checks the blocklist only. It is used for invocations that never
// reach a permission request.
func (g *Gate) Blocked(input map[string]interface{}) (Outcome, bool) {
	pat, ok := g.blocklist.Check(input)
	if !ok {
		return Outcome{}, false
	}
	return Outcome{
		Verdict: VerdictBlocked,
		Source:  SourceBlocklist,
		Rule:    pat,
		Message: fmt.Sprintf("Command blocked by blocklist pattern %q", pat),
	}, true
}

// Evaluate decides a request. A non-nil error with a usable Outcome is a
// *PersistError; any other error means no decision was made.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	if out, ok := g.Blocked(req.Input); ok {
		g.logger.Info("tool blocked", "tool", req.ToolName, "pattern", out.Rule)
		return out, nil
	}

	var perms Permissions
	if g.store != nil {
		p, err := g.store.Permissions(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("load permissions: %w", err)
		}
		perms = p
	}

	if rule, ok := matchAny(perms.Deny, req.ToolName, req.Input); ok {
		return Outcome{Verdict: VerdictDenied, Source: SourceRule, Rule: rule, Message: "Denied by rule " + rule}, nil
	}
	_, ask := matchAny(perms.Ask, req.ToolName, req.Input)
	if !ask {
		if rule, ok := matchAny(perms.Allow, req.ToolName, req.Input); ok {
			return Outcome{Verdict: VerdictAllowed, Source: SourceRule, Rule: rule}, nil
		}
		mode := g.mode
		if mode == "" {
			mode = perms.DefaultMode
		}
		switch {
		case mode == PermissionModeBypass:
			return Outcome{Verdict: VerdictAllowed, Source: SourceMode}, nil
		case mode == PermissionModeAcceptEdits && IsEditTool(req.ToolName):
			return Outcome{Verdict: VerdictAllowed, Source: SourceMode}, nil
		}
	}

	return g.prompt(ctx, req)
}

func (g *Gate) prompt(ctx context.Context, req Request) (Outcome, error) {
	if g.prompter == nil {
		return Outcome{}, ErrNoPrompter
	}
	decision, err := g.prompter.Prompt(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("approval prompt: %w", err)
	}

	out := Outcome{Source: SourcePrompt, Decision: decision}
	switch decision {
	case DecisionAllow:
		out.Verdict = VerdictAllowed
	case DecisionDeny:
		out.Verdict = VerdictDenied
		out.Message = "User denied " + req.ToolName
	case DecisionAllowAlways:
		out.Verdict = VerdictAllowed
		return g.persist(ctx, out, req, true)
	case DecisionDenyAlways:
		out.Verdict = VerdictDenied
		out.Message = "User denied " + req.ToolName
		return g.persist(ctx, out, req, false)
	default:
		out.Verdict = VerdictCancelled
		out.Decision = DecisionCancel
		out.Message = "User cancelled"
	}
	return out, nil
}

func (g *Gate) persist(ctx context.Context, out Outcome, req Request, allow bool) (Outcome, error) {
	out.Rule = RuleFor(req.ToolName, req.Input)
	if g.store == nil {
		return out, &PersistError{Rule: out.Rule, Err: errors.New("no rule store")}
	}
	var err error
	if allow {
		err = g.store.AddAllowRule(ctx, out.Rule)
	} else {
		err = g.store.AddDenyRule(ctx, out.Rule)
	}
	if err != nil {
		g.logger.Warn("failed to persist permission rule", "rule", out.Rule, "error", err)
		return out, &PersistError{Rule: out.Rule, Err: err}
	}
	out.Persisted = true
	return out, nil
}

// AskQuestions runs an interactive question request. It returns nil answers
// when the user dismissed the dialog, which callers must treat as a cancel
// rather than a denial.
func (g *Gate) AskQuestions(ctx context.Context, questions []Question) (map[string]string, error) {
	if g.prompter == nil {
		return nil, ErrNoPrompter
	}
	answers, err := g.prompter.Ask(ctx, questions)
	if err != nil {
		return nil, fmt.Errorf("ask questions: %w", err)
	}
	if len(answers) == 0 {
		return nil, nil
	}
	return answers, nil
}

// ParseQuestions decodes the questions field of a question tool input.
// Malformed entries are skipped.
func ParseQuestions(input map[string]interface{}) []Question {
	raw, _ := input["questions"].([]interface{})
	out := make([]Question, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		q := Question{}
		q.Question, _ = m["question"].(string)
		if q.Question == "" {
			continue
		}
		q.Header, _ = m["header"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		opts, _ := m["options"].([]interface{})
		for _, o := range opts {
			om, ok := o.(map[string]interface{})
			if !ok {
				continue
			}
			label, _ := om["label"].(string)
			desc, _ := om["description"].(string)
			q.Options = append(q.Options, Option{Label: label, Description: desc})
		}
		out = append(out, q)
	}
	return out
}
