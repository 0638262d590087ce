package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fsreplay/internal/engine"
	"github.com/roach88/fsreplay/internal/harness"
	"github.com/roach88/fsreplay/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Codec    string

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// RunSummary is the output of the run command.
type RunSummary struct {
	RunID      string   `json:"run_id"`
	Scenario   string   `json:"scenario"`
	Pass       bool     `json:"pass"`
	Activities int      `json:"activities"`
	Lockdown   bool     `json:"lockdown"`
	Errors     []string `json:"errors,omitempty"`
}

func (s RunSummary) String() string {
	status := "passed"
	if !s.Pass {
		status = "failed"
	}
	return fmt.Sprintf("run %s: scenario %s %s (%d activities)", s.RunID, s.Scenario, status, s.Activities)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Execute a scenario and record its activity log",
		Long: `Execute a scenario against a fresh in-memory filesystem and record every
activity in the SQLite database, creating it if it doesn't exist. The run
id is printed so the log can later be replayed or traced.

Exit codes:
  0 - Scenario passed
  1 - Scenario failed
  2 - Command error (invalid scenario, database error, etc.)

Examples:
  fsreplay run --db ./runs.db ./scenarios/overwrite.yaml
  fsreplay run --db ./runs.db --codec lz4 ./scenarios/overwrite.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Codec, "codec", "zstd", "payload compression (zstd|lz4|none)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	codec, err := store.ParseCodec(opts.Codec)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid codec", err)
	}

	st, err := store.Open(opts.Database, store.WithCodec(codec))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running scenario", "scenario", scenario.Name, "db", opts.Database, "codec", codec)
	result, err := harness.Run(ctx, scenario,
		harness.WithStore(st),
		harness.WithRunIDGenerator(runIDs),
		harness.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario execution failed", err)
	}

	summary := RunSummary{
		RunID:      result.RunID,
		Scenario:   result.Scenario,
		Pass:       result.Pass,
		Lockdown:   result.Lockdown,
		Errors:     result.Errors,
		Activities: countActivities(result.Trace),
	}

	if formatter.JSON() {
		if summary.Pass {
			return formatter.Success(summary)
		}
		if err := formatter.Failure(ErrCodeTestFailed, "scenario failed", summary); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "scenario failed")
	}

	if err := formatter.Success(summary); err != nil {
		return err
	}
	if !summary.Pass {
		for _, e := range summary.Errors {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e)
		}
		return NewExitError(ExitFailure, "scenario failed")
	}
	return nil
}

func countActivities(trace []harness.TraceEvent) int {
	n := 0
	for _, e := range trace {
		if e.Type == harness.EventActivity {
			n++
		}
	}
	return n
}
