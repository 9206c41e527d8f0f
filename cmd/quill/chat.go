package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/config"
	"github.com/bazelment/quill/conversation"
	"github.com/bazelment/quill/history"
	"github.com/bazelment/quill/queue"
	"github.com/bazelment/quill/render"
	"github.com/bazelment/quill/transport"
)

var (
	chatConversation string
	chatModel        string
	chatTrace        string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent",
	Long: `Chat starts an interactive conversation. Messages typed while the agent
is working are queued and sent as one message when the turn completes.

Ctrl-C cancels the running turn (or answers "cancel" to a pending
permission prompt); Ctrl-D exits after the running turn finishes.

Commands:
  /cancel            cancel the running turn
  /redirect <text>   stop the running turn quietly and send <text> instead
  /resume <id>       resume the next turn from message <id>
  /session           show session state
  /exit              quit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "Conversation id to continue (default: new conversation)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Model override")
	chatCmd.Flags().StringVar(&chatTrace, "trace", "", "Append an NDJSON trace of the agent protocol to this file")
	rootCmd.AddCommand(chatCmd)
}

// lineReader is the chat input source.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (s *scannerReader) ReadLine() (string, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.scanner.Text(), nil
}

func (s *scannerReader) Close() error { return nil }

// newLineReader uses readline on a terminal and plain line scanning for
// piped input.
func newLineReader() (lineReader, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &scannerReader{scanner: bufio.NewScanner(os.Stdin)}, nil
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:      "> ",
		HistoryFile: filepath.Join(config.Dir(), "input_history"),
	})
	if err != nil {
		return nil, fmt.Errorf("init line editor: %w", err)
	}
	return rl, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if chatModel != "" {
		cfg.Model = chatModel
	}
	timeout, err := cfg.Inactivity()
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	blocklist := approval.NewBlocklist(cfg.Blocklist)
	watchBlocklist(ctx, blocklist, logger)

	launchOpts := append(cfg.TransportOptions(), transport.WithLogger(logger))
	if chatTrace != "" {
		f, err := os.OpenFile(chatTrace, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer f.Close()
		launchOpts = append(launchOpts, transport.WithTrace(f))
	}
	launcher := transport.NewLauncher(launchOpts...)

	id := chatConversation
	if id == "" {
		id = uuid.NewString()
	}
	out := os.Stdout
	prompter := newLinePrompter(out)
	settled := make(chan struct{}, 1)

	conv, err := conversation.New(ctx, id, conversation.ProcessLauncher(launcher),
		conversation.WithLogger(logger),
		conversation.WithHistory(store),
		conversation.WithRenderer(render.New(out)),
		conversation.WithApproval(blocklist, approval.NewFileRuleStore(cfg.RulesPath), prompter, cfg.PermissionMode),
		conversation.WithModel(cfg.Model),
		conversation.WithInactivityTimeout(timeout),
		conversation.WithPartialMessages(cfg.PartialMessages),
		conversation.WithRestore(func(m queue.Message) {
			fmt.Fprintf(out, "\nNot sent: %s\n", m.Content)
		}),
		conversation.WithTurnHook(func(r conversation.Report) {
			if r.Err != nil {
				fmt.Fprintf(out, "\nTurn failed: %v\n", r.Err)
			}
			select {
			case settled <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	defer conv.Close()

	in, err := newLineReader()
	if err != nil {
		return err
	}
	defer in.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			interrupt(conv, prompter)
		}
	}()

	if n := len(conv.Messages()); n > 0 {
		fmt.Fprintf(out, "Continuing conversation %s (%d messages).\n", id, n)
	} else {
		fmt.Fprintf(out, "Conversation %s. Ctrl-C cancels the running turn, Ctrl-D exits.\n", id)
	}

	for {
		line, err := in.ReadLine()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if !interrupt(conv, prompter) && strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			waitIdle(ctx, conv, settled)
			return nil
		case err != nil:
			return err
		}

		if prompter.Answer(line) {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := command(conv, line, out); quit {
				return nil
			}
			continue
		}
		queued, err := conv.Submit(queue.Message{Content: line})
		if err != nil {
			return err
		}
		if queued {
			fmt.Fprintln(out, "(queued)")
		}
	}
}

// interrupt dismisses a pending prompt or cancels the running turn. It
// reports whether there was anything to stop.
func interrupt(conv *conversation.Conversation, prompter *linePrompter) bool {
	if prompter.Dismiss() {
		return true
	}
	return conv.Cancel()
}

func command(conv *conversation.Conversation, line string, out io.Writer) (quit bool) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/exit", "/quit":
		return true
	case "/cancel":
		if !conv.Cancel() {
			fmt.Fprintln(out, "Nothing to cancel.")
		}
	case "/redirect":
		if arg == "" {
			fmt.Fprintln(out, "Usage: /redirect <text>")
		} else if !conv.RedirectAfterPlan(queue.Message{Content: arg}) {
			fmt.Fprintln(out, "No turn is running.")
		}
	case "/resume":
		if arg == "" {
			fmt.Fprintln(out, "Usage: /resume <message-id>")
		} else {
			conv.SetCheckpoint(arg)
		}
	case "/session":
		s := conv.Session()
		fmt.Fprintf(out, "conversation: %s\nsession: %s\nsuperseded: %s\ninterrupted: %t\n",
			conv.ID(), orNone(s.SessionID), orNone(strings.Join(s.Superseded, ", ")), s.Interrupted)
	default:
		fmt.Fprintf(out, "Unknown command %s\n", name)
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// waitIdle blocks until no turn is running or queued.
func waitIdle(ctx context.Context, conv *conversation.Conversation, settled <-chan struct{}) {
	for conv.Busy() {
		select {
		case <-settled:
		case <-ctx.Done():
			return
		}
	}
}

// watchBlocklist reloads blocklist patterns when the config file changes.
func watchBlocklist(ctx context.Context, blocklist *approval.Blocklist, logger *slog.Logger) {
	w, err := config.NewWatcher(resolveConfigPath(), logger)
	if err != nil {
		logger.Debug("config reload disabled", "error", err)
		return
	}
	go w.Run(ctx, func(c *config.Config) {
		blocklist.Replace(c.Blocklist)
		logger.Info("blocklist reloaded", "patterns", len(c.Blocklist))
	})
}
