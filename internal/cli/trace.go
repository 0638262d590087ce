package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/ir"
	"github.com/roach88/fsreplay/internal/query"
	"github.com/roach88/fsreplay/internal/store"
)

// maxShownPayload caps how many payload bytes the text timeline quotes.
const maxShownPayload = 32

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Handle   int64  // optional - filter to one stream
	Op       string // optional - filter to one operation
	From     int64  // optional - first seq shown
	To       int64  // optional - last seq shown (0 = end of log)
	Failed   bool   // optional - only activities that returned an error
}

// TraceEntry is a single entry of the timeline: an activity or a lockdown.
type TraceEntry struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"` // "activity" or "lockdown"
	ID       string `json:"id"`
	Handle   int64  `json:"handle,omitempty"`
	Path     string `json:"path,omitempty"`
	Op       string `json:"op,omitempty"`
	Position int64  `json:"position"`
	Detail   string `json:"detail,omitempty"`
	Reopened bool   `json:"reopened,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TraceStats holds summary statistics for a run.
type TraceStats struct {
	Activities  int            `json:"activities"`
	Errors      int            `json:"errors"`
	LastSeq     int64          `json:"last_seq"`
	Streams     int            `json:"streams"`
	OpenStreams []int64        `json:"open_streams"`
	Lockdowns   int            `json:"lockdowns"`
	ByOp        map[string]int `json:"by_op"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RunID    string       `json:"run_id"`
	Scenario string       `json:"scenario"`
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// RunListing is the output of trace without --run.
type RunListing struct {
	Runs []store.Run `json:"runs"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded activity log of a run",
		Long: `Show the recorded timeline of a run: every activity in seq order with
its request and outcome, and every lockdown with its reason. Without
--run, lists the recorded runs.

Examples:
  fsreplay trace --db ./runs.db
  fsreplay trace --db ./runs.db --run 0190a6c2-...
  fsreplay trace --db ./runs.db --run 0190a6c2-... --handle 2 --op write
  fsreplay trace --db ./runs.db --run 0190a6c2-... --from 10 --to 40 --failed
  fsreplay trace --db ./runs.db --run 0190a6c2-... --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id to trace (lists runs if empty)")
	cmd.Flags().Int64Var(&opts.Handle, "handle", 0, "filter to one stream handle")
	cmd.Flags().StringVar(&opts.Op, "op", "", "filter to one operation")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first seq to show")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "last seq to show (0 = end of log)")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "show only failed activities")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	if opts.Op != "" && !activity.Op(opts.Op).Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown op %q", opts.Op))
	}
	if opts.To > 0 && opts.To < opts.From {
		return NewExitError(ExitCommandError, fmt.Sprintf("empty seq window [%d,%d]", opts.From, opts.To))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.RunID == "" {
		return listRuns(ctx, st, formatter, cmd)
	}

	state, err := st.GetRunState(ctx, opts.RunID)
	if errors.Is(err, store.ErrRunNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	acts, err := st.QueryActivities(ctx, opts.RunID, activityFilter(opts))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read activities", err)
	}

	result := TraceResult{
		RunID:    state.Run.ID,
		Scenario: state.Run.Scenario,
		Timeline: buildTimeline(acts, state.Lockdowns, opts),
		Stats:    buildStats(state),
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(cmd, result)
	return nil
}

func listRuns(ctx context.Context, st *store.Store, formatter *OutputFormatter, cmd *cobra.Command) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	if formatter.JSON() {
		return formatter.Success(RunListing{Runs: runs})
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(w, "%s  %s  (block size %d, %d seeded files)\n", run.ID, run.Scenario, run.BlockSize, len(run.Seeds))
	}
	return nil
}

// activityFilter turns the trace flags into a store filter, nil when
// nothing is filtered.
func activityFilter(opts *TraceOptions) query.Predicate {
	var preds []query.Predicate
	if opts.Handle > 0 {
		preds = append(preds, query.Equals{Field: query.FieldHandle, Value: ir.Int(opts.Handle)})
	}
	if opts.Op != "" {
		preds = append(preds, query.Equals{Field: query.FieldOp, Value: ir.String(opts.Op)})
	}
	if opts.From > 0 || opts.To > 0 {
		preds = append(preds, query.Between{Field: query.FieldSeq, From: opts.From, To: opts.To})
	}
	if opts.Failed {
		preds = append(preds, query.NotEquals{Field: query.FieldError, Value: ir.String("")})
	}
	return query.All(preds...)
}

// buildTimeline merges activities and lockdowns in seq order. A lockdown
// follows the activity that caused it. Lockdowns are left out when
// filtering by handle, op or failure, and clipped to the seq window.
func buildTimeline(acts []store.Activity, lockdowns []store.Lockdown, opts *TraceOptions) []TraceEntry {
	timeline := []TraceEntry{}
	for _, act := range acts {
		timeline = append(timeline, activityEntry(act))
	}
	if opts.Handle == 0 && opts.Op == "" && !opts.Failed {
		for _, l := range lockdowns {
			if l.Seq < opts.From || (opts.To > 0 && l.Seq > opts.To) {
				continue
			}
			timeline = append(timeline, TraceEntry{Seq: l.Seq, Type: "lockdown", ID: l.ID, Reason: l.Reason})
		}
	}

	slices.SortStableFunc(timeline, func(a, b TraceEntry) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return strings.Compare(a.Type, b.Type)
	})
	return timeline
}

func activityEntry(act store.Activity) TraceEntry {
	req, resp := act.Request, act.Response
	return TraceEntry{
		Seq:      act.Seq,
		Type:     "activity",
		ID:       act.ID,
		Handle:   int64(req.Handle),
		Path:     req.Open.Path,
		Op:       string(req.Op),
		Position: req.Position,
		Detail:   describe(req, resp),
		Reopened: resp.Reopened,
		Error:    act.Error,
	}
}

// describe renders the op-specific arguments and outcome of an activity.
func describe(req activity.Request, resp activity.Response) string {
	switch req.Op {
	case activity.OpOpen:
		return fmt.Sprintf("flag=%#x perm=%v", req.Open.Flag, req.Open.Perm)
	case activity.OpRead:
		return fmt.Sprintf("count=%d n=%d eof=%t data=%s", req.Count, resp.N, resp.EOF, quotePayload(resp.Data))
	case activity.OpWrite:
		return fmt.Sprintf("len=%d n=%d data=%s", len(req.Data), resp.N, quotePayload(req.Data))
	case activity.OpSeek:
		return fmt.Sprintf("offset=%d whence=%d -> %d", req.Offset, req.Whence, resp.Position)
	case activity.OpPosition:
		return fmt.Sprintf("-> %d", resp.Position)
	case activity.OpSetPosition:
		return fmt.Sprintf("to=%d -> %d", req.Offset, resp.Position)
	case activity.OpSetLength:
		return fmt.Sprintf("length=%d", req.Offset)
	case activity.OpCanRead, activity.OpCanWrite, activity.OpCanSeek:
		return strconv.FormatBool(resp.Flag)
	case activity.OpExtents:
		parts := make([]string, len(resp.Extents))
		for i, r := range resp.Extents {
			parts[i] = r.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return ""
}

func quotePayload(p []byte) string {
	if len(p) <= maxShownPayload {
		return strconv.Quote(string(p))
	}
	return strconv.Quote(string(p[:maxShownPayload])) + fmt.Sprintf("...(+%d)", len(p)-maxShownPayload)
}

func buildStats(state store.RunState) TraceStats {
	stats := TraceStats{
		Activities:  state.Activities,
		Errors:      state.Errors,
		LastSeq:     state.LastSeq,
		Streams:     len(state.Handles),
		OpenStreams: []int64{},
		Lockdowns:   len(state.Lockdowns),
		ByOp:        make(map[string]int, len(state.ByOp)),
	}
	for _, h := range state.OpenHandles {
		stats.OpenStreams = append(stats.OpenStreams, int64(h))
	}
	for op, n := range state.ByOp {
		stats.ByOp[string(op)] = n
	}
	return stats
}

func outputTraceText(cmd *cobra.Command, r TraceResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run: %s (%s)\n\n", r.RunID, r.Scenario)

	if len(r.Timeline) == 0 {
		fmt.Fprintln(w, "No activities recorded.")
	}
	for _, e := range r.Timeline {
		if e.Type == "lockdown" {
			fmt.Fprintf(w, "[%d] LOCKDOWN %s\n", e.Seq, e.Reason)
			continue
		}
		line := fmt.Sprintf("[%d] #%d %s %s @%d", e.Seq, e.Handle, e.Path, e.Op, e.Position)
		if e.Detail != "" {
			line += " " + e.Detail
		}
		if e.Reopened {
			line += " (reopened)"
		}
		if e.Error != "" {
			line += " error: " + e.Error
		}
		fmt.Fprintln(w, line)
	}

	s := r.Stats
	fmt.Fprintf(w, "\nActivities: %d (%d failed), streams: %d, still open: %v, lockdowns: %d\n",
		s.Activities, s.Errors, s.Streams, s.OpenStreams, s.Lockdowns)
}
