package approval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrompter struct {
	answers  map[string]string
	err      error
	decision Decision
	prompts  []Request
	asks     int
}

func (p *fakePrompter) Prompt(ctx context.Context, req Request) (Decision, error) {
	p.prompts = append(p.prompts, req)
	return p.decision, p.err
}

func (p *fakePrompter) Ask(ctx context.Context, questions []Question) (map[string]string, error) {
	p.asks++
	return p.answers, p.err
}

type memStore struct {
	addErr error
	perms  Permissions
}

func (s *memStore) Permissions(ctx context.Context) (Permissions, error) { return s.perms, nil }

func (s *memStore) AddAllowRule(ctx context.Context, rule string) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.perms.Allow = append(s.perms.Allow, rule)
	return nil
}

func (s *memStore) AddDenyRule(ctx context.Context, rule string) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.perms.Deny = append(s.perms.Deny, rule)
	return nil
}

func bash(cmd string) Request {
	return Request{ToolName: "Bash", Input: map[string]interface{}{"command": cmd}}
}

func TestBlocklist_RegexAndSubstringFallback(t *testing.T) {
	b := NewBlocklist([]string{"rm -rf", `curl .*\| *sh`, "(unclosed", ""})
	assert.Equal(t, []string{"rm -rf", `curl .*\| *sh`, "(unclosed"}, b.Patterns())

	pat, ok := b.Match("rm -rf /")
	assert.True(t, ok)
	assert.Equal(t, "rm -rf", pat)

	pat, ok = b.Match("curl https://x | sh")
	assert.True(t, ok)
	assert.Equal(t, `curl .*\| *sh`, pat)

	// Invalid regex falls back to case-insensitive substring.
	pat, ok = b.Match("echo (UNCLOSED paren")
	assert.True(t, ok)
	assert.Equal(t, "(unclosed", pat)

	_, ok = b.Match("ls -la")
	assert.False(t, ok)
}

func TestBlocklist_CheckOnlyCommands(t *testing.T) {
	b := NewBlocklist([]string{"rm -rf"})
	_, ok := b.Check(map[string]interface{}{"command": "rm -rf /"})
	assert.True(t, ok)
	_, ok = b.Check(map[string]interface{}{"content": "rm -rf /"})
	assert.False(t, ok)

	var nilList *Blocklist
	_, ok = nilList.Check(map[string]interface{}{"command": "rm -rf /"})
	assert.False(t, ok)
}

func TestBlocklist_ConcurrentReplace(t *testing.T) {
	b := NewBlocklist([]string{"a"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Match("abc")
		}()
		go func() {
			defer wg.Done()
			b.Replace([]string{"b", "c"})
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"b", "c"}, b.Patterns())
}

func TestMatchRule(t *testing.T) {
	tests := []struct {
		input map[string]interface{}
		rule  string
		tool  string
		want  bool
	}{
		{rule: "Read", tool: "Read", input: map[string]interface{}{"file_path": "/a"}, want: true},
		{rule: "Read", tool: "Write", want: false},
		{rule: "Bash(npm test)", tool: "Bash", input: map[string]interface{}{"command": "npm test"}, want: true},
		{rule: "Bash(npm test)", tool: "Bash", input: map[string]interface{}{"command": "npm test --watch"}, want: false},
		{rule: "Bash(npm run:*)", tool: "Bash", input: map[string]interface{}{"command": "npm run build"}, want: true},
		{rule: "Bash(git:*)", tool: "Bash", input: map[string]interface{}{"command": "rm -rf"}, want: false},
		{rule: "Edit(/src/*.go)", tool: "Edit", input: map[string]interface{}{"file_path": "/src/main.go"}, want: true},
		{rule: "Edit(/src/**)", tool: "Edit", input: map[string]interface{}{"file_path": "/src/a/b.go"}, want: true},
		{rule: "Edit(/src/*.go)", tool: "Edit", input: map[string]interface{}{}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.rule+"/"+tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRule(tt.rule, tt.tool, tt.input))
		})
	}
}

func TestRuleFor(t *testing.T) {
	assert.Equal(t, "Bash(ls -la)", RuleFor("Bash", map[string]interface{}{"command": "ls -la"}))
	assert.Equal(t, "WebSearch", RuleFor("WebSearch", map[string]interface{}{"query": "go"}))
}

func TestGate_BlocklistShortCircuitsPrompt(t *testing.T) {
	p := &fakePrompter{decision: DecisionAllow}
	g := NewGate(WithBlocklist(NewBlocklist([]string{"rm -rf"})), WithPrompter(p), WithMode(PermissionModeBypass))

	out, err := g.Evaluate(context.Background(), bash("rm -rf /"))
	require.NoError(t, err)
	assert.Equal(t, VerdictBlocked, out.Verdict)
	assert.Equal(t, SourceBlocklist, out.Source)
	assert.Equal(t, "rm -rf", out.Rule)
	assert.Empty(t, p.prompts)
}

func TestGate_Rules(t *testing.T) {
	store := &memStore{perms: Permissions{
		Allow: []string{"Bash(git:*)", "Bash(npm test)"},
		Deny:  []string{"Bash(git push:*)"},
		Ask:   []string{"Bash(npm test)"},
	}}
	p := &fakePrompter{decision: DecisionDeny}
	g := NewGate(WithRuleStore(store), WithPrompter(p))

	out, err := g.Evaluate(context.Background(), bash("git status"))
	require.NoError(t, err)
	assert.Equal(t, VerdictAllowed, out.Verdict)
	assert.Equal(t, SourceRule, out.Source)

	out, err = g.Evaluate(context.Background(), bash("git push origin"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDenied, out.Verdict)
	assert.Equal(t, "Bash(git push:*)", out.Rule)

	// Ask rules win over allow rules.
	out, err = g.Evaluate(context.Background(), bash("npm test"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDenied, out.Verdict)
	assert.Equal(t, SourcePrompt, out.Source)
	assert.Len(t, p.prompts, 1)
}

func TestGate_Modes(t *testing.T) {
	p := &fakePrompter{decision: DecisionDeny}

	g := NewGate(WithPrompter(p), WithMode(PermissionModeAcceptEdits))
	out, err := g.Evaluate(context.Background(), Request{ToolName: "Edit", Input: map[string]interface{}{"file_path": "/a"}})
	require.NoError(t, err)
	assert.True(t, out.Allowed())
	assert.Equal(t, SourceMode, out.Source)

	out, err = g.Evaluate(context.Background(), bash("make"))
	require.NoError(t, err)
	assert.False(t, out.Allowed())

	store := &memStore{perms: Permissions{DefaultMode: PermissionModeBypass}}
	g = NewGate(WithRuleStore(store))
	out, err = g.Evaluate(context.Background(), bash("make"))
	require.NoError(t, err)
	assert.True(t, out.Allowed())
}

func TestGate_AlwaysDecisionsPersist(t *testing.T) {
	store := &memStore{}
	p := &fakePrompter{decision: DecisionAllowAlways}
	g := NewGate(WithRuleStore(store), WithPrompter(p))

	out, err := g.Evaluate(context.Background(), bash("make build"))
	require.NoError(t, err)
	assert.True(t, out.Allowed())
	assert.True(t, out.Persisted)
	assert.Equal(t, []string{"Bash(make build)"}, store.perms.Allow)

	// The persisted rule now answers without prompting.
	out, err = g.Evaluate(context.Background(), bash("make build"))
	require.NoError(t, err)
	assert.Equal(t, SourceRule, out.Source)
	assert.Len(t, p.prompts, 1)

	p.decision = DecisionDenyAlways
	out, err = g.Evaluate(context.Background(), bash("make clean"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDenied, out.Verdict)
	assert.Equal(t, []string{"Bash(make clean)"}, store.perms.Deny)
}

func TestGate_PersistFailureIsDistinct(t *testing.T) {
	store := &memStore{addErr: errors.New("disk full")}
	g := NewGate(WithRuleStore(store), WithPrompter(&fakePrompter{decision: DecisionAllowAlways}))

	out, err := g.Evaluate(context.Background(), bash("make"))
	require.Error(t, err)
	assert.True(t, IsPersistError(err))
	assert.ErrorContains(t, err, "disk full")
	// The decision itself stands.
	assert.True(t, out.Allowed())
	assert.False(t, out.Persisted)
	assert.Equal(t, "Bash(make)", out.Rule)
}

func TestGate_PromptFailureIsNotPersistError(t *testing.T) {
	g := NewGate(WithPrompter(&fakePrompter{err: context.Canceled}))
	_, err := g.Evaluate(context.Background(), bash("make"))
	require.Error(t, err)
	assert.False(t, IsPersistError(err))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewGate().Evaluate(context.Background(), bash("make"))
	assert.ErrorIs(t, err, ErrNoPrompter)
}

func TestGate_CancelIsNotDeny(t *testing.T) {
	g := NewGate(WithPrompter(&fakePrompter{decision: DecisionCancel}))
	out, err := g.Evaluate(context.Background(), bash("make"))
	require.NoError(t, err)
	assert.Equal(t, VerdictCancelled, out.Verdict)
	assert.Equal(t, DecisionCancel, out.Decision)
}

func TestGate_AskQuestions(t *testing.T) {
	p := &fakePrompter{answers: map[string]string{"Which?": "A"}}
	g := NewGate(WithPrompter(p))
	answers, err := g.AskQuestions(context.Background(), []Question{{Question: "Which?"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Which?": "A"}, answers)

	// Dismissal resolves to nil, not an error.
	p.answers = map[string]string{}
	answers, err = g.AskQuestions(context.Background(), []Question{{Question: "Which?"}})
	require.NoError(t, err)
	assert.Nil(t, answers)
}

func TestParseQuestions(t *testing.T) {
	var input map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"questions":[
		{"question":"Pick a db","header":"DB","multiSelect":false,"options":[{"label":"sqlite","description":"embedded"},{"label":"postgres"}]},
		{"header":"missing question"},
		"junk"
	]}`), &input))

	qs := ParseQuestions(input)
	require.Len(t, qs, 1)
	assert.Equal(t, "Pick a db", qs[0].Question)
	assert.Equal(t, []Option{{Label: "sqlite", Description: "embedded"}, {Label: "postgres"}}, qs[0].Options)
}

func TestFileRuleStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "settings.json")
	store := NewFileRuleStore(path)
	ctx := context.Background()

	perms, err := store.Permissions(ctx)
	require.NoError(t, err)
	assert.Empty(t, perms.Allow)

	require.NoError(t, store.AddAllowRule(ctx, "Bash(ls)"))
	require.NoError(t, store.AddAllowRule(ctx, "Bash(ls)"))
	require.NoError(t, store.AddDenyRule(ctx, "WebFetch"))

	perms, err = store.Permissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(ls)"}, perms.Allow)
	assert.Equal(t, []string{"WebFetch"}, perms.Deny)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileRuleStore_PreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":"opus","permissions":{"allow":["Read"],"defaultMode":"acceptEdits"}}`), 0644))

	store := NewFileRuleStore(path)
	require.NoError(t, store.AddDenyRule(context.Background(), "Bash(rm:*)"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "opus", doc["model"])

	perms, err := store.Permissions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Read"}, perms.Allow)
	assert.Equal(t, PermissionModeAcceptEdits, perms.DefaultMode)
}

func TestFileRuleStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	store := NewFileRuleStore(path)
	_, err := store.Permissions(context.Background())
	assert.Error(t, err)
	assert.Error(t, store.AddAllowRule(context.Background(), "Read"))
}
