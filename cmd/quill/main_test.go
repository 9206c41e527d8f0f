package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/quill/approval"
)

func TestConfigSchemaCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"config", "schema"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &schema))
	assert.Contains(t, schema, "properties")
}

func TestReplay_RendersTurns(t *testing.T) {
	trace := strings.Join([]string{
		`{"timestamp":"t","direction":"sent","message":{"type":"user","message":{"role":"user","content":"hi"}}}`,
		`{"timestamp":"t","direction":"received","message":{"type":"system","subtype":"init","session_id":"s1","model":"sonnet"}}`,
		`{"timestamp":"t","direction":"received","message":{"type":"assistant","parent_tool_use_id":null,"message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}}`,
		`{"timestamp":"t","direction":"received","message":{"type":"result","subtype":"success","is_error":false}}`,
		`{"timestamp":"t","direction":"received","message":{"type":"assistant","parent_tool_use_id":null,"message":{"role":"assistant","content":[{"type":"text","text":"again"}]}}}`,
		`{"timestamp":"t","direction":"received","message":{"type":"result","subtype":"success","is_error":false}}`,
	}, "\n")

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var out bytes.Buffer
	require.NoError(t, runReplay(cmd, strings.NewReader(trace), &out))

	got := out.String()
	assert.Contains(t, got, "hello\n")
	assert.Contains(t, got, "--- turn 1 session=s1 model=sonnet")
	assert.Contains(t, got, "again\n")
	assert.Contains(t, got, "--- turn 2")
	assert.NotContains(t, got, "--- turn 3")
}

func TestParseDecision(t *testing.T) {
	tests := map[string]approval.Decision{
		"y":      approval.DecisionAllow,
		"YES":    approval.DecisionAllow,
		"a":      approval.DecisionAllowAlways,
		"n":      approval.DecisionDeny,
		"d":      approval.DecisionDenyAlways,
		"":       approval.DecisionCancel,
		"whatev": approval.DecisionCancel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseDecision(in), in)
	}
}

func answerWhenWaiting(t *testing.T, p *linePrompter, lines ...string) {
	t.Helper()
	go func() {
		for _, line := range lines {
			deadline := time.Now().Add(5 * time.Second)
			for !p.Waiting() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			p.Answer(line)
		}
	}()
}

func TestLinePrompter_Prompt(t *testing.T) {
	var out bytes.Buffer
	p := newLinePrompter(&out)
	answerWhenWaiting(t, p, "a")

	d, err := p.Prompt(context.Background(), approval.Request{ToolName: "Bash", Description: "Bash: ls"})
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionAllowAlways, d)
	assert.Contains(t, out.String(), "Allow Bash: Bash: ls?")
	assert.False(t, p.Waiting())
}

func TestLinePrompter_DismissCancels(t *testing.T) {
	p := newLinePrompter(&bytes.Buffer{})
	go func() {
		for !p.Waiting() {
			time.Sleep(time.Millisecond)
		}
		p.Dismiss()
	}()

	d, err := p.Prompt(context.Background(), approval.Request{ToolName: "Write"})
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionCancel, d)
	assert.False(t, p.Answer("late"))
}

func TestLinePrompter_Ask(t *testing.T) {
	p := newLinePrompter(&bytes.Buffer{})
	answerWhenWaiting(t, p, "2", "1, 3")

	answers, err := p.Ask(context.Background(), []approval.Question{
		{Question: "Which db?", Options: []approval.Option{{Label: "sqlite"}, {Label: "postgres"}}},
		{Question: "Features?", MultiSelect: true, Options: []approval.Option{{Label: "a"}, {Label: "b"}, {Label: "c"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Which db?": "postgres", "Features?": "a, c"}, answers)
}

func TestLinePrompter_AskEmptyAnswerDismisses(t *testing.T) {
	p := newLinePrompter(&bytes.Buffer{})
	answerWhenWaiting(t, p, "")

	answers, err := p.Ask(context.Background(), []approval.Question{{Question: "Why?"}})
	require.NoError(t, err)
	assert.Nil(t, answers)
}

func TestLinePrompter_ContextEndsPrompt(t *testing.T) {
	p := newLinePrompter(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := p.Prompt(ctx, approval.Request{ToolName: "Bash"})
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionCancel, d)
	assert.False(t, p.Waiting())
}

func TestPickOption_FreeText(t *testing.T) {
	q := approval.Question{Question: "Name?", Options: []approval.Option{{Label: "x"}}}
	assert.Equal(t, "custom", pickOption(q, "custom"))
	assert.Equal(t, "9", pickOption(q, "9"))
}
