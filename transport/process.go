// Package transport runs the agent CLI for one turn and exposes its output
// as a pull-based stream of protocol messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/quill/internal/ndjson"
	"github.com/bazelment/quill/internal/procattr"
	"github.com/bazelment/quill/protocol"
)

// Request describes one turn.
type Request struct {
	Prompt string
	Images []protocol.Image
	// SessionID resumes an existing session when set.
	SessionID string
	// ResumeAt resumes the session at a specific prior message.
	ResumeAt string
	// Model overrides the launcher's default model.
	Model string
}

// Launcher starts agent processes with a fixed configuration.
type Launcher struct {
	cfg Config
}

// NewLauncher creates a launcher.
func NewLauncher(opts ...Option) *Launcher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Launcher{cfg: cfg}
}

// Config returns the launcher configuration.
func (l *Launcher) Config() Config { return l.cfg }

// Args builds the CLI arguments for req.
func (l *Launcher) Args(req Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}

	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if l.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", l.cfg.PermissionMode)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
		if req.ResumeAt != "" {
			args = append(args, "--resume-session-at", req.ResumeAt)
		}
	}
	if l.cfg.PartialMessages {
		args = append(args, "--include-partial-messages")
	}

	// Add extra args (escape hatch)
	args = append(args, l.cfg.ExtraArgs...)
	return args
}

// Start spawns the CLI and sends the turn's user message.
func (l *Launcher) Start(ctx context.Context, req Request) (*Process, error) {
	if l.cfg.CLIPath == "" {
		return nil, ErrNoCommand
	}

	cmd := exec.Command(l.cfg.CLIPath, l.Args(req)...)
	cmd.Env = os.Environ()
	for k, v := range l.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if l.cfg.WorkDir != "" {
		cmd.Dir = l.cfg.WorkDir
	}

	// Configure process group for orphan prevention
	procattr.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to create stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CLINotFoundError{Path: l.cfg.CLIPath, Cause: err}
		}
		return nil, &ProcessError{Message: "failed to start CLI process", Cause: err}
	}

	p := &Process{
		cfg:    l.cfg,
		logger: l.cfg.Logger.With("pid", cmd.Process.Pid),
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		lines:  make(chan lineResult),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.readLoop(ndjson.NewReader(stdout))

	if err := p.send(protocol.NewUserMessage(req.Prompt, req.Images)); err != nil {
		p.Close()
		return nil, err
	}
	p.logger.Debug("agent process started", "args", cmd.Args[1:])
	return p, nil
}

type lineResult struct {
	err  error
	line []byte
}

// Process is one running agent CLI.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logger  *slog.Logger
	stderr  *tailBuffer
	lines   chan lineResult
	exited  chan struct{}
	done    chan struct{}
	waitErr error
	cfg     Config

	writeMu   sync.Mutex
	mu        sync.Mutex
	closed    bool
	sawResult bool
}

func (p *Process) readLoop(r *ndjson.Reader) {
	defer func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
		close(p.lines)
	}()
	for {
		line, err := r.ReadRecord(func(line []byte, err error) {
			p.logger.Debug("skipping malformed line", "error", err, "len", len(line))
		})
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case p.lines <- lineResult{err: err}:
				case <-p.done:
				}
			}
			return
		}
		select {
		case p.lines <- lineResult{line: line}:
		case <-p.done:
			return
		}
	}
}

// Next returns the next message. It returns io.EOF once the turn's result
// has been delivered, and a *ProcessError if the process ends before that.
// Lines that are not known message kinds are skipped.
func (p *Process) Next(ctx context.Context) (protocol.Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.sawResult {
		p.mu.Unlock()
		p.closeStdin()
		return nil, io.EOF
	}
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case item, ok := <-p.lines:
			if !ok {
				return nil, p.exitError()
			}
			if item.err != nil {
				return nil, &ProcessError{Message: "failed to read CLI output", Cause: item.err}
			}
			p.trace("received", item.line)

			msg, err := protocol.ParseMessage(item.line)
			if err != nil {
				p.logger.Debug("skipping undecodable message", "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			if res, ok := msg.(protocol.ResultMessage); ok && res.ParentToolUse() == "" {
				p.mu.Lock()
				p.sawResult = true
				p.mu.Unlock()
			}
			return msg, nil
		}
	}
}

func (p *Process) exitError() error {
	<-p.exited
	pe := &ProcessError{
		Message: "CLI exited before completing the turn",
		Cause:   p.waitErr,
		Stderr:  p.stderr.String(),
	}
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	return pe
}

// Respond answers a control request.
func (p *Process) Respond(ctx context.Context, resp protocol.ControlResponse) error {
	return p.send(resp)
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (p *Process) send(m marshaler) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return &ProcessError{Message: "failed to write to CLI", Cause: err}
	}
	p.trace("sent", data)
	return nil
}

// Interrupt asks the CLI to stop the turn and then tears the process down.
func (p *Process) Interrupt() error {
	if err := p.send(protocol.NewInterrupt(uuid.NewString())); err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Debug("interrupt request not delivered", "error", err)
	}
	return p.Close()
}

func (p *Process) closeStdin() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.stdin.Close()
}

// Close terminates the process group. It is safe to call more than once.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.closeStdin()

	select {
	case <-p.exited:
		return nil
	case <-time.After(50 * time.Millisecond):
	}
	if procattr.Terminate(p.cmd.Process, p.exited, p.cfg.Grace) {
		p.logger.Warn("agent process killed after grace period")
	}
	return nil
}

// Stderr returns the tail of the process's standard error.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

func (p *Process) trace(direction string, line []byte) {
	if p.cfg.Trace == nil {
		return
	}
	entry := protocol.TraceEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Direction: direction,
		Message:   json.RawMessage(line),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	p.writeTrace(append(data, '\n'))
}

var traceMu sync.Mutex

func (p *Process) writeTrace(data []byte) {
	traceMu.Lock()
	defer traceMu.Unlock()
	if _, err := p.cfg.Trace.Write(data); err != nil {
		p.logger.Debug("trace write failed", "error", err)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	mu    sync.Mutex
	limit int
}

func (b *tailBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, data...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(data), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
