package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/bazelment/quill/approval"
)

var errPromptBusy = errors.New("another prompt is waiting for an answer")

// linePrompter asks approval questions on the chat's input line. The input
// loop hands each line to Answer first; a pending prompt consumes it.
type linePrompter struct {
	out io.Writer

	mu      sync.Mutex
	pending chan string
}

func newLinePrompter(out io.Writer) *linePrompter {
	return &linePrompter{out: out}
}

// Answer delivers line to a waiting prompt. It reports false when nothing
// was waiting.
func (p *linePrompter) Answer(line string) bool {
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- line
	return true
}

// Dismiss closes a waiting prompt without an answer.
func (p *linePrompter) Dismiss() bool {
	p.mu.Lock()
	ch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if ch == nil {
		return false
	}
	close(ch)
	return true
}

// Waiting reports whether a prompt is pending.
func (p *linePrompter) Waiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

func (p *linePrompter) read(ctx context.Context, prompt string) (string, bool, error) {
	ch := make(chan string, 1)
	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return "", false, errPromptBusy
	}
	p.pending = ch
	p.mu.Unlock()

	fmt.Fprint(p.out, prompt)
	select {
	case line, ok := <-ch:
		return strings.TrimSpace(line), ok, nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.pending == ch {
			p.pending = nil
		}
		p.mu.Unlock()
		return "", false, nil
	}
}

func (p *linePrompter) Prompt(ctx context.Context, req approval.Request) (approval.Decision, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nAllow %s", req.ToolName)
	if req.Description != "" {
		fmt.Fprintf(&b, ": %s", req.Description)
	}
	if req.DecisionReason != "" {
		fmt.Fprintf(&b, " (%s)", req.DecisionReason)
	}
	b.WriteString("?\n  [y]es  [a]lways  [n]o  [d]eny always  [c]ancel\n")

	line, ok, err := p.read(ctx, b.String())
	if err != nil {
		return "", err
	}
	if !ok {
		return approval.DecisionCancel, nil
	}
	return parseDecision(line), nil
}

func parseDecision(line string) approval.Decision {
	switch strings.ToLower(line) {
	case "y", "yes":
		return approval.DecisionAllow
	case "a", "always":
		return approval.DecisionAllowAlways
	case "n", "no":
		return approval.DecisionDeny
	case "d":
		return approval.DecisionDenyAlways
	default:
		return approval.DecisionCancel
	}
}

func (p *linePrompter) Ask(ctx context.Context, questions []approval.Question) (map[string]string, error) {
	answers := make(map[string]string, len(questions))
	for _, q := range questions {
		var b strings.Builder
		b.WriteString("\n")
		if q.Header != "" {
			fmt.Fprintf(&b, "[%s] ", q.Header)
		}
		b.WriteString(q.Question + "\n")
		for i, opt := range q.Options {
			fmt.Fprintf(&b, "  %d. %s", i+1, opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&b, " - %s", opt.Description)
			}
			b.WriteString("\n")
		}

		line, ok, err := p.read(ctx, b.String())
		if err != nil {
			return nil, err
		}
		if !ok || line == "" {
			return nil, nil
		}
		answers[q.Question] = pickOption(q, line)
	}
	return answers, nil
}

// pickOption maps numbered choices to option labels. Multi-select answers
// are comma-separated; anything else is taken as free text.
func pickOption(q approval.Question, line string) string {
	parts := []string{line}
	if q.MultiSelect {
		parts = strings.Split(line, ",")
	}
	labels := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if n, err := strconv.Atoi(part); err == nil && n >= 1 && n <= len(q.Options) {
			labels = append(labels, q.Options[n-1].Label)
			continue
		}
		if part != "" {
			labels = append(labels, part)
		}
	}
	return strings.Join(labels, ", ")
}
