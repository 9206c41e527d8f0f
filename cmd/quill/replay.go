package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bazelment/quill/approval"
	"github.com/bazelment/quill/orchestrator"
	"github.com/bazelment/quill/render"
	"github.com/bazelment/quill/transcript"
	"github.com/bazelment/quill/transport"
)

var (
	replayAllow   bool
	replayPartial bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <trace.jsonl>",
	Short: "Render a recorded agent trace",
	Long: `Replay feeds the received side of a recorded NDJSON trace through the
stream orchestrator and renders the resulting transcript, one turn per
result record.

Permission requests in the trace are denied unless --allow is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		return runReplay(cmd, f, cmd.OutOrStdout())
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayAllow, "allow", false, "Allow every permission request in the trace")
	replayCmd.Flags().BoolVar(&replayPartial, "partial", false, "Trace was recorded with partial message streaming")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, r io.Reader, out io.Writer) error {
	logger := newLogger()
	src := transport.NewReplay(r, logger)
	defer src.Close()

	orch := orchestrator.New(
		orchestrator.WithLogger(logger),
		orchestrator.WithPartialMessages(replayPartial),
		orchestrator.WithInactivityTimeout(0),
	)
	mode := approval.PermissionModeDefault
	if replayAllow {
		mode = approval.PermissionModeBypass
	}
	renderer := render.New(out)

	for turn := 1; !src.Exhausted(); turn++ {
		msg := &transcript.Message{ID: uuid.NewString(), Role: transcript.RoleAssistant}
		res, err := orch.Run(cmd.Context(), orchestrator.Turn{
			Message:  msg,
			Renderer: renderer,
			Gate:     approval.NewGate(approval.WithMode(mode), approval.WithLogger(logger)),
		}, src)
		if err != nil {
			return fmt.Errorf("turn %d: %w", turn, err)
		}
		if len(msg.Blocks) == 0 && src.Exhausted() {
			break
		}
		summarize(out, turn, res)
	}
	return nil
}

func summarize(w io.Writer, turn int, res orchestrator.Result) {
	line := fmt.Sprintf("turn %d", turn)
	if res.SessionID != "" {
		line += " session=" + res.SessionID
	}
	if res.Model != "" {
		line += " model=" + res.Model
	}
	if u := res.Usage; u != nil && u.ContextWindow > 0 {
		line += fmt.Sprintf(" context=%d/%d (%.0f%%)", u.ContextTokens, u.ContextWindow, u.Percentage)
	}
	if res.Failed() {
		line += " failed"
	}
	fmt.Fprintln(w, "--- "+line)
}
