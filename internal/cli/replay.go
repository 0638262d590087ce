package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fsreplay/internal/engine"
	"github.com/roach88/fsreplay/internal/harness"
	"github.com/roach88/fsreplay/internal/shadow"
	"github.com/roach88/fsreplay/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	RunID    string
	From     int64
	To       int64
	Check    bool
}

// ReplayReport is the output of the replay command.
type ReplayReport struct {
	RunID       string   `json:"run_id"`
	Scenario    string   `json:"scenario"`
	From        int64    `json:"from,omitempty"`
	To          int64    `json:"to,omitempty"`
	Executed    int      `json:"executed"`
	Skipped     int      `json:"skipped"`
	Reopened    int      `json:"reopened"`
	Divergences []string `json:"divergences"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded run and report divergences",
		Long: `Rebuild a fresh filesystem from a run's recorded seeds and re-execute its
activity log, or the [--from, --to] seq window of it. Streams whose open
lies before the window are reconstructed from their recorded open spec.
Every replayed outcome is compared with the recorded one.

Exit codes:
  0 - Replay reproduced the recorded outcomes
  1 - One or more divergences
  2 - Command error (database or run not found, etc.)

Examples:
  fsreplay replay --db ./runs.db --run 0190a6c2-...
  fsreplay replay --db ./runs.db --run 0190a6c2-... --from 12 --to 40
  fsreplay replay --db ./runs.db --run 0190a6c2-... --check --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to replay (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first seq to replay")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last seq to replay (0 = end of log)")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "run the model checker during replay")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	if opts.To > 0 && opts.To < opts.From {
		return NewExitError(ExitCommandError, fmt.Sprintf("empty replay window [%d,%d]", opts.From, opts.To))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	run, err := st.GetRun(ctx, opts.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	records, err := st.ReadActivities(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read activities", err)
	}

	fs, err := harness.NewSeededFS(run.BlockSize, run.Seeds, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to seed filesystem", err)
	}

	replayOpts := engine.ReplayOptions{From: opts.From, To: opts.To, Logger: logger}
	if opts.Check {
		checker := engine.NewModelChecker()
		for _, seed := range run.Seeds {
			checker.Seed(seed.Path, harness.SeedContents(seed))
		}
		replayOpts.Checker = checker
	}

	formatter.VerboseLog("replaying %d activities of run %s", len(records), opts.RunID)
	res, err := engine.Replay(ctx, fs, records, shadow.Apply, replayOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}

	report := ReplayReport{
		RunID:       run.ID,
		Scenario:    run.Scenario,
		From:        opts.From,
		To:          opts.To,
		Executed:    res.Executed,
		Skipped:     res.Skipped,
		Reopened:    res.Reopened,
		Divergences: make([]string, 0, len(res.Divergences)),
	}
	for _, d := range res.Divergences {
		report.Divergences = append(report.Divergences, d.String())
	}

	if formatter.JSON() {
		if res.OK() {
			return formatter.Success(report)
		}
		if err := formatter.Failure(ErrCodeDivergence, fmt.Sprintf("%d divergence(s)", len(res.Divergences)), report); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "replay diverged", res.Err())
	}

	outputReplayText(cmd, report)
	if !res.OK() {
		return WrapExitError(ExitFailure, "replay diverged", res.Err())
	}
	return nil
}

func outputReplayText(cmd *cobra.Command, r ReplayReport) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run: %s (%s)\n", r.RunID, r.Scenario)
	fmt.Fprintf(w, "Executed: %d, skipped: %d, reconstructed streams: %d\n", r.Executed, r.Skipped, r.Reopened)
	if len(r.Divergences) == 0 {
		fmt.Fprintln(w, "✓ Replay matches the recorded log")
		return
	}
	fmt.Fprintf(w, "✗ %d divergence(s):\n", len(r.Divergences))
	for _, d := range r.Divergences {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
