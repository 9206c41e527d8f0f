// Package conversation wires the engine together for one chat: the queue
// coordinator, the stream orchestrator, the session manager, the transcript
// store and a Launcher that opens the agent stream for each turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/orchestrator"
	"github.com/bazelment/quill/protocol"
	"github.com/bazelment/quill/queue"
	"github.com/bazelment/quill/session"
	"github.com/bazelment/quill/subagent"
	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transport"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("conversation is closed")

// Conversation is one chat with the agent.
type Conversation struct {
	ctx      context.Context
	stop     context.CancelFunc
	launcher Launcher
	logger   *slog.Logger
	orch     *orchestrator.Orchestrator
	queue    *queue.Coordinator
	session  *session.Manager
	id       string
	cfg      Config
	wg       sync.WaitGroup

	mu       sync.Mutex
	messages []*transcript.Message
	closed   bool
	redirect bool
	// abort cancels the running turn's context. It reaches a turn that has
	// not started streaming yet.
	abort context.CancelFunc
}

// New opens conversation id. With a history store, earlier messages are
// loaded, subagents left running by a previous process are marked orphaned,
// and the session state is restored from the recorded session ids.
func New(ctx context.Context, id string, launcher Launcher, opts ...Option) (*Conversation, error) {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = transcript.Discard
	}
	logger := cfg.Logger.With("conversation", id)

	c := &Conversation{
		id:       id,
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
	}

	var state session.State
	if cfg.History != nil {
		msgs, err := cfg.History.List(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		for _, msg := range msgs {
			if len(subagent.SweepLoaded(msg)) == 0 {
				continue
			}
			if err := cfg.History.Update(ctx, id, msg); err != nil {
				logger.Warn("failed to save swept subagents", "message_id", msg.ID, "error", err)
			}
		}
		c.messages = msgs

		sessions, err := cfg.History.Sessions(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load sessions: %w", err)
		}
		if n := len(sessions); n > 0 {
			state.SessionID = sessions[n-1]
			state.Superseded = sessions[:n-1]
		}
		if n := len(msgs); n > 0 {
			state.Interrupted = msgs[n-1].Interrupted
		}
	}
	c.session = session.NewManager(state, logger)

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithRegistry(subagent.NewRegistry(logger)),
		orchestrator.WithRecoverable(session.IsSessionInvalid),
		orchestrator.WithPartialMessages(cfg.PartialMessages),
	}
	if cfg.inactivitySet {
		orchOpts = append(orchOpts, orchestrator.WithInactivityTimeout(cfg.InactivityTimeout))
	}
	c.orch = orchestrator.New(orchOpts...)
	c.queue = queue.New(c.start, cfg.Restore, logger)
	c.ctx, c.stop = context.WithCancel(context.Background())
	return c, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Submit sends m now, or queues it behind the running turn. It reports
// whether the message was queued.
func (c *Conversation) Submit(m queue.Message) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	return c.queue.Submit(m), nil
}

// Cancel stops the running turn, including one that is still starting up.
// A queued message is handed back through the restore callback.
func (c *Conversation) Cancel() bool {
	if c.orch.Cancel() {
		return true
	}
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort == nil {
		return false
	}
	switch c.orch.State() {
	case orchestrator.StateIdle:
		abort()
		return true
	case orchestrator.StateStreaming:
		return c.orch.Cancel()
	default:
		return false
	}
}

// RedirectAfterPlan stops the running turn without an interruption marker
// and sends m as the next turn. It is used when the user answers a plan
// with new instructions.
func (c *Conversation) RedirectAfterPlan(m queue.Message) bool {
	if c.orch.State() != orchestrator.StateStreaming {
		return false
	}
	c.mu.Lock()
	c.redirect = true
	c.mu.Unlock()
	c.queue.Submit(m)
	c.orch.RedirectAfterPlan()
	return c.orch.Cancel()
}

// SetCheckpoint makes the next turn resume the session at messageID, as long
// as that message is still the last one.
func (c *Conversation) SetCheckpoint(messageID string) {
	c.session.SetCheckpoint(messageID)
}

// Session returns the session state.
func (c *Conversation) Session() session.State {
	return c.session.State()
}

// Busy reports whether a turn is running or about to start.
func (c *Conversation) Busy() bool {
	return c.queue.Active()
}

// Pending returns the queued message, if any.
func (c *Conversation) Pending() (queue.Message, bool) {
	return c.queue.Pending()
}

// Messages returns the conversation's messages in order.
func (c *Conversation) Messages() []*transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Close supersedes the running turn and waits for it to stop. The running
// turn is abandoned without cleanup; the history store is left open.
func (c *Conversation) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.Clear()
	c.orch.Supersede()
	c.stop()
	c.wg.Wait()
	return nil
}

// start is the queue's start callback. The turn runs on its own goroutine.
func (c *Conversation) start(m queue.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	runCtx, abort := context.WithCancel(c.ctx)
	c.abort = abort
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer abort()
		c.runTurn(c.ctx, runCtx, m)
	}()
}

// endStartup stops Cancel from reaching the turn's context once the turn
// is settling.
func (c *Conversation) endStartup() {
	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()
}

// runTurn runs one turn. runCtx governs the agent process and the
// orchestrated run; ctx outlives it for persistence.
func (c *Conversation) runTurn(ctx, runCtx context.Context, m queue.Message) {
	prompt := formatPrompt(m)

	var checkpoint string
	if c.cfg.History != nil {
		// Must run before the new user message is stored, which would make
		// any checkpoint stale.
		id, ok, err := c.session.ValidateCheckpoint(ctx, c.cfg.History, c.id)
		if err != nil {
			c.logger.Warn("checkpoint validation failed", "error", err)
		} else if ok {
			checkpoint = id
		}
	} else if id, ok := c.session.ResolveCheckpoint(c.lastID()); ok {
		checkpoint = id
	}
	resumeAt := c.resumePoint(checkpoint)

	now := time.Now()
	user := &transcript.Message{
		CreatedAt: now,
		ID:        uuid.NewString(),
		Role:      transcript.RoleUser,
		Content:   m.Content,
	}
	assistant := &transcript.Message{
		CreatedAt: now,
		ID:        uuid.NewString(),
		Role:      transcript.RoleAssistant,
	}
	c.mu.Lock()
	prior := slices.Clone(c.messages)
	c.messages = append(c.messages, user, assistant)
	c.mu.Unlock()
	c.persist(ctx, user, c.session.SessionID(), false)

	req := transport.Request{
		Prompt:    prompt,
		Images:    m.Images,
		SessionID: c.session.SessionID(),
		ResumeAt:  resumeAt,
		Model:     c.cfg.Model,
	}
	res, err := c.runOnce(runCtx, assistant, req, now)
	if res.Stale {
		return
	}

	report := Report{UserID: user.ID, AssistantID: assistant.ID}
	if res.Recoverable && req.SessionID != "" {
		c.logger.Info("session no longer valid, resubmitting with history", "session_id", req.SessionID, "error", res.ErrorText)
		c.session.Reset()
		req.SessionID = ""
		req.ResumeAt = ""
		req.Prompt = session.BuildRecoveryPrompt(prior, prompt)
		res, err = c.runOnce(runCtx, assistant, req, now)
		if res.Stale {
			return
		}
		report.Recovered = true
	}
	c.endStartup()
	if res.Recoverable {
		c.surface(assistant, res.ErrorText)
	}

	c.session.ObserveSessionID(res.SessionID)
	c.session.SetInterrupted(res.Interrupted)
	c.persist(ctx, assistant, c.session.SessionID(), false)
	c.persistTouched(ctx, res.Touched)

	report.Result = res
	report.Err = err
	report.Outcome = c.outcome(res, err)
	c.logger.Debug("turn settled", "outcome", report.Outcome, "duration_ms", res.DurationMs)
	c.queue.Settle(report.Outcome)
	if c.cfg.OnTurnEnd != nil {
		c.cfg.OnTurnEnd(report)
	}
}

// runOnce launches the agent and runs one orchestrated turn into assistant.
// A turn cancelled before it streams still runs through the orchestrator,
// which settles it as interrupted.
func (c *Conversation) runOnce(ctx context.Context, assistant *transcript.Message, req transport.Request, started time.Time) (orchestrator.Result, error) {
	turn := orchestrator.Turn{
		StartedAt: started,
		Message:   assistant,
		Renderer:  c.cfg.Renderer,
		Gate:      c.newGate(),
		Model:     c.cfg.Model,
	}
	if ctx.Err() != nil {
		return c.settleCancelled(ctx, turn)
	}

	stream, err := c.launcher.Launch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return c.settleCancelled(ctx, turn)
		}
		c.logger.Warn("failed to launch agent", "error", err)
		c.surface(assistant, err.Error())
		return orchestrator.Result{ErrorText: err.Error()}, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			c.logger.Debug("closing agent stream", "error", err)
		}
	}()

	res, err := c.orch.Run(ctx, turn, stream)
	return res, c.turnErr(err)
}

func (c *Conversation) settleCancelled(ctx context.Context, turn orchestrator.Turn) (orchestrator.Result, error) {
	c.logger.Debug("turn cancelled before streaming")
	res, err := c.orch.Run(ctx, turn, emptySource{})
	return res, c.turnErr(err)
}

// turnErr drops the cancellation error of a turn stopped by Cancel. Closing
// the conversation keeps it.
func (c *Conversation) turnErr(err error) error {
	if errors.Is(err, context.Canceled) && c.ctx.Err() == nil {
		return nil
	}
	return err
}

// emptySource stands in for the agent stream of a turn that never started.
type emptySource struct{}

func (emptySource) Next(ctx context.Context) (protocol.Message, error) { return nil, io.EOF }

func (emptySource) Respond(ctx context.Context, resp protocol.ControlResponse) error { return nil }

func (emptySource) Interrupt() error { return nil }

func (c *Conversation) newGate() *approval.Gate {
	return approval.NewGate(
		approval.WithBlocklist(c.cfg.Blocklist),
		approval.WithRuleStore(c.cfg.RuleStore),
		approval.WithPrompter(c.cfg.Prompter),
		approval.WithMode(c.cfg.Mode),
		approval.WithLogger(c.logger),
	)
}

// surface renders an error that could not be handled silently.
func (c *Conversation) surface(msg *transcript.Message, text string) {
	block := transcript.ContentBlock{Kind: transcript.BlockNotice, Text: text, Severity: transcript.SeverityError}
	msg.Blocks = append(msg.Blocks, block)
	c.cfg.Renderer.Render(transcript.BlockAppended{MessageID: msg.ID, Block: block, Index: len(msg.Blocks) - 1})
}

func (c *Conversation) outcome(res orchestrator.Result, err error) queue.Outcome {
	c.mu.Lock()
	redirect := c.redirect
	c.redirect = false
	c.mu.Unlock()

	switch {
	case res.Interrupted && redirect:
		return queue.OutcomeCompleted
	case res.Interrupted:
		return queue.OutcomeCancelled
	case err != nil || res.Failed():
		return queue.OutcomeFailed
	default:
		return queue.OutcomeCompleted
	}
}

// resumePoint maps a checkpoint onto the agent's id for the same message.
func (c *Conversation) resumePoint(checkpoint string) string {
	if checkpoint == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if m := c.messages[i]; m.ID == checkpoint {
			if m.SessionMessageID == "" {
				c.logger.Debug("checkpoint has no agent message id, resuming from the session end", "checkpoint", checkpoint)
			}
			return m.SessionMessageID
		}
	}
	return ""
}

func (c *Conversation) lastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 {
		return c.messages[n-1].ID
	}
	return ""
}

func (c *Conversation) persist(ctx context.Context, msg *transcript.Message, sessionID string, update bool) {
	if c.cfg.History == nil {
		return
	}
	var err error
	if update {
		err = c.cfg.History.Update(ctx, c.id, msg)
	} else {
		err = c.cfg.History.Append(ctx, c.id, sessionID, msg)
	}
	if err != nil {
		c.logger.Warn("failed to save message", "message_id", msg.ID, "error", err)
	}
}

// persistTouched saves earlier messages whose background subagents changed.
func (c *Conversation) persistTouched(ctx context.Context, ids []string) {
	for _, id := range ids {
		c.mu.Lock()
		i := slices.IndexFunc(c.messages, func(m *transcript.Message) bool { return m.ID == id })
		var msg *transcript.Message
		if i >= 0 {
			msg = c.messages[i]
		}
		c.mu.Unlock()
		if msg != nil {
			c.persist(ctx, msg, "", true)
		}
	}
}

// formatPrompt prefixes the editor selection, when present, to the content.
func formatPrompt(m queue.Message) string {
	e := m.Editor
	if e == nil || e.FilePath == "" {
		return m.Content
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<editor_selection file=%q", e.FilePath)
	if e.StartLine > 0 {
		end := e.EndLine
		if end < e.StartLine {
			end = e.StartLine
		}
		fmt.Fprintf(&b, " lines=\"%d-%d\"", e.StartLine, end)
	}
	b.WriteString(">\n")
	if e.Selection != "" {
		b.WriteString(e.Selection)
		b.WriteString("\n")
	}
	b.WriteString("</editor_selection>\n\n")
	b.WriteString(m.Content)
	return b.String()
}
