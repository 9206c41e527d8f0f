// Package orchestrator runs the per-turn state machine that turns one agent
// process stream into ordered transcript updates.
//
// A turn moves idle → streaming → settling → idle. While streaming, every
// raw record is run through the transformer and the resulting events update
// the turn's message; permission requests are decided by the turn's
// approval gate. Each turn gets a generation number. Cancel and Supersede
// only set flags and wake the loop; teardown happens when the loop observes
// them, and a superseded turn skips all cleanup so it cannot corrupt the
// turn that replaced it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazelment/quill/agentstream"
	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/protocol"
	"github.com/bazelment/quill/subagent"
	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transform"
)

// State is the orchestrator's turn state.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Source is the raw record stream of one turn. Next returns io.EOF when the
// turn's records are exhausted.
type Source interface {
	Next(ctx context.Context) (protocol.Message, error)
	Respond(ctx context.Context, resp protocol.ControlResponse) error
	Interrupt() error
}

// Turn is the input of Run.
type Turn struct {
	StartedAt time.Time
	// Message is the assistant message the turn fills in.
	Message  *transcript.Message
	Renderer transcript.Renderer
	// Gate decides permission requests for this turn. A nil Gate refuses
	// every request that needs a prompt.
	Gate *approval.Gate
	// Model is the model the turn was submitted with.
	Model string
}

// Result summarizes a finished turn.
type Result struct {
	Usage     *agentstream.Usage
	SessionID string
	Model     string
	// ErrorText is the last error the stream reported, including errors
	// held back as recoverable.
	ErrorText string
	// Touched lists other messages whose subagents changed during the turn.
	Touched     []string
	DurationMs  int64
	Generation  uint64
	Interrupted bool
	Recoverable bool
	// Stale is set when a newer turn superseded this one. Nothing else in
	// the Result is meaningful then.
	Stale bool
}

// Failed reports whether the turn ended on an error.
func (r Result) Failed() bool {
	return r.ErrorText != ""
}

// Orchestrator runs turns one at a time.
type Orchestrator struct {
	cfg Config
	gen atomic.Uint64

	mu        sync.Mutex
	state     State
	stop      context.CancelFunc
	cancelled bool
	redirect  bool
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = subagent.NewRegistry(cfg.Logger)
	}
	return &Orchestrator{cfg: cfg}
}

// Registry returns the subagent registry.
func (o *Orchestrator) Registry() *subagent.Registry { return o.cfg.Registry }

// Generation returns the current generation number.
func (o *Orchestrator) Generation() uint64 { return o.gen.Load() }

// State returns the turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel asks the streaming turn to stop. It returns false when no turn is
// streaming.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateStreaming {
		return false
	}
	o.cancelled = true
	o.stop()
	return true
}

// Supersede invalidates the running turn, if any, and returns the new
// generation. The orchestrator is idle afterwards; the old turn stops at its
// next observation without touching shared state.
func (o *Orchestrator) Supersede() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	gen := o.gen.Add(1)
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	o.state = StateIdle
	return gen
}

// RedirectAfterPlan marks the streaming turn as redirected: when it is
// cancelled, no interruption marker is added because the user is steering
// the agent after a plan review rather than stopping it.
func (o *Orchestrator) RedirectAfterPlan() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateStreaming {
		o.redirect = true
	}
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return nil, 0, ErrTurnActive
	}
	turnCtx, stop := context.WithCancel(ctx)
	o.state = StateStreaming
	o.stop = stop
	o.cancelled = false
	o.redirect = false
	return turnCtx, o.gen.Add(1), nil
}

func (o *Orchestrator) current(gen uint64) bool {
	return o.gen.Load() == gen
}

// Run consumes src until the turn ends and applies it to turn.Message. It
// returns the transport error that ended the turn, if any; errors reported
// inside the stream are in the Result. A cancelled turn returns a nil
// error, or ctx.Err() when ctx itself was cancelled.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, src Source) (Result, error) {
	if turn.Message == nil {
		return Result{}, ErrNoMessage
	}
	turnCtx, gen, err := o.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	logger := o.cfg.Logger.With("generation", gen, "message_id", turn.Message.ID)

	ts := newTurnState(o, turn, logger)
	runErr := o.consume(turnCtx, ts, src, gen)

	if !o.current(gen) {
		logger.Debug("turn superseded, skipping cleanup")
		if err := src.Interrupt(); err != nil {
			logger.Debug("interrupting superseded turn", "error", err)
		}
		return Result{Generation: gen, Stale: true}, nil
	}

	o.mu.Lock()
	o.state = StateSettling
	cancelled := o.cancelled || ctx.Err() != nil
	redirect := o.redirect
	o.mu.Unlock()

	if cancelled || IsInactivity(runErr) {
		if err := src.Interrupt(); err != nil {
			logger.Debug("interrupting agent", "error", err)
		}
	}

	res := ts.finish(cancelled, redirect)
	res.Generation = gen

	o.mu.Lock()
	if o.current(gen) {
		o.state = StateIdle
		if o.stop != nil {
			o.stop()
			o.stop = nil
		}
	}
	o.mu.Unlock()

	if cancelled {
		return res, ctx.Err()
	}
	return res, runErr
}

func (o *Orchestrator) consume(ctx context.Context, ts *turnState, src Source, gen uint64) error {
	for {
		if ctx.Err() != nil || !o.current(gen) {
			return nil
		}
		msg, err := o.next(ctx, src)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || !o.current(gen) {
				return nil
			}
			ts.fail(err)
			return err
		}

		if req, ok := msg.(protocol.ControlRequest); ok {
			if err := ts.control(ctx, src, req); err != nil {
				if ctx.Err() != nil || !o.current(gen) {
					return nil
				}
				ts.fail(err)
				return err
			}
			continue
		}

		if a, ok := msg.(protocol.AssistantMessage); ok && a.ParentToolUse() == "" && a.UUID != "" {
			ts.msg.SessionMessageID = a.UUID
		}
		for ev := range transform.Transform(msg, ts.opts) {
			ts.handle(ev)
		}
		if ts.interrupt {
			ts.interrupt = false
			if err := src.Interrupt(); err != nil {
				ts.logger.Warn("interrupting agent after blocked tool", "error", err)
			}
		}
		if ts.done {
			return nil
		}
	}
}

// next pulls one record under the inactivity watchdog.
func (o *Orchestrator) next(ctx context.Context, src Source) (protocol.Message, error) {
	if o.cfg.InactivityTimeout <= 0 {
		return src.Next(ctx)
	}
	nctx, cancel := context.WithTimeout(ctx, o.cfg.InactivityTimeout)
	defer cancel()
	msg, err := src.Next(nctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, &InactivityError{Timeout: o.cfg.InactivityTimeout}
	}
	return msg, err
}
