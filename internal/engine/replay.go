package engine

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
	"github.com/roach88/fsreplay/internal/store"
)

// ReplayOptions selects the window of a replay.
type ReplayOptions struct {
	// From is the first seq executed. 0 starts at the beginning.
	From int64

	// To is the last seq executed. 0 runs to the end of the log.
	To int64

	// Checker, if set, checks every replayed activity.
	Checker Checker

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Divergence is one field of one activity whose replayed outcome differs
// from the recorded one.
type Divergence struct {
	Seq      int64           `json:"seq"`
	Handle   activity.Handle `json:"handle"`
	Op       activity.Op     `json:"op"`
	Field    string          `json:"field"`
	Recorded string          `json:"recorded"`
	Replayed string          `json:"replayed"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("seq %d %s %s: %s recorded %s, replayed %s",
		d.Seq, d.Op, d.Handle.Key(), d.Field, d.Recorded, d.Replayed)
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	RunID       string       `json:"run_id"`
	Executed    int          `json:"executed"`
	Skipped     int          `json:"skipped"`
	Reopened    int          `json:"reopened"`
	Divergences []Divergence `json:"divergences,omitempty"`
}

// OK reports whether the replay reproduced every executed activity.
func (r ReplayResult) OK() bool {
	return len(r.Divergences) == 0
}

// Err returns a DIVERGENCE RuntimeError, or nil when the replay is OK.
func (r ReplayResult) Err() error {
	if r.OK() {
		return nil
	}
	return NewDivergenceError(r.RunID, r.Divergences)
}

// Replay re-executes the recorded activities inside the window against fs,
// through step, in a fresh engine with an empty activity context.
//
// Records outside the window are skipped. The file contents written by
// records before the window are first applied to fs directly, so the
// window starts from the state the recorded run had reached. A stream
// whose open lies before the window has no context entry when its first
// windowed activity runs, so step reconstructs it without truncating.
// Whether that happened is not compared.
//
// The returned error is reserved for the replay itself failing (context
// cancelled, native streams failing to close); divergences are reported in
// the result.
func Replay(ctx context.Context, fs activity.FileSystem, records []store.Activity, step activity.Step, opts ReplayOptions) (ReplayResult, error) {
	records = slices.Clone(records)
	slices.SortStableFunc(records, func(a, b store.Activity) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	var result ReplayResult
	var lastHandle activity.Handle
	for _, rec := range records {
		if result.RunID == "" {
			result.RunID = rec.RunID
		}
		lastHandle = max(lastHandle, rec.Request.Handle)
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	engOpts := []EngineOption{
		WithRunID(result.RunID),
		WithLogger(logger),
		WithHandles(activity.NewAllocatorAt(lastHandle)),
		WithMaxActivities(0),
	}
	if opts.Checker != nil {
		engOpts = append(engOpts, WithChecker(opts.Checker))
	}
	eng := New(fs, engOpts...)

	live, err := catchUp(ctx, fs, records, opts.From, logger)
	if err != nil {
		return result, err
	}
	if opts.Checker != nil {
		// The model learns what the skipped prefix did; its verdicts
		// were already given when the run was recorded.
		for _, rec := range records {
			if rec.Seq >= opts.From {
				break
			}
			var recErr error
			if rec.Error != "" {
				recErr = errors.New(rec.Error)
			}
			_ = opts.Checker.Check(rec.Request, rec.Response, recErr)
		}
	}

	for _, rec := range records {
		if rec.Seq < opts.From || (opts.To > 0 && rec.Seq > opts.To) {
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		req := rec.Request
		if live[req.Handle] {
			req.Open = req.Open.Reopen()
		}
		resp, err := eng.Perform(ctx, req, step)
		if err != nil && ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Executed++
		if resp.Reopened {
			result.Reopened++
		}

		var rerr *RuntimeError
		if errors.As(err, &rerr) && rerr.Code == ErrCodeCheckFailed {
			result.Divergences = append(result.Divergences, Divergence{
				Seq:      rec.Seq,
				Handle:   rec.Request.Handle,
				Op:       rec.Request.Op,
				Field:    "check",
				Recorded: "ok",
				Replayed: rerr.Err.Error(),
			})
			eng.ClearLockdown()
			continue
		}

		result.Divergences = append(result.Divergences, compareOutcome(rec, resp, err)...)
	}

	logger.Info("replay finished",
		"run_id", result.RunID,
		"executed", result.Executed,
		"skipped", result.Skipped,
		"reopened", result.Reopened,
		"divergences", len(result.Divergences),
	)

	if err := eng.Close(ctx); err != nil {
		return result, fmt.Errorf("close replay streams: %w", err)
	}
	return result, nil
}

// catchUp applies the file mutations recorded before seq from to fs:
// truncating opens, successful writes and set_length calls. It returns the
// handles whose native stream was open when the window starts.
//
// Mutations go through scratch native streams, one per handle, which are
// closed before catchUp returns. Nothing is recorded or checked.
func catchUp(ctx context.Context, fs activity.FileSystem, records []store.Activity, from int64, logger *slog.Logger) (map[activity.Handle]bool, error) {
	live := make(map[activity.Handle]bool)
	scratch := make(map[activity.Handle]activity.NativeStream)
	closeScratch := func(h activity.Handle) error {
		native, ok := scratch[h]
		if !ok {
			return nil
		}
		delete(scratch, h)
		return native.Close()
	}
	defer func() {
		for h := range scratch {
			_ = closeScratch(h)
		}
	}()

	stream := func(req activity.Request) (activity.NativeStream, error) {
		if native, ok := scratch[req.Handle]; ok {
			return native, nil
		}
		native, err := req.Open.Reopen().Open(fs)
		if err != nil {
			return nil, err
		}
		scratch[req.Handle] = native
		return native, nil
	}

	applied := 0
	for _, rec := range records {
		if rec.Seq >= from {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := rec.Request

		opened := (req.Op == activity.OpOpen && rec.Error == "") ||
			(rec.Response.Reopened && !live[req.Handle])
		if opened {
			live[req.Handle] = true
			if req.Open.Flag&os.O_TRUNC != 0 {
				if err := closeScratch(req.Handle); err != nil {
					return nil, fmt.Errorf("catch up seq %d: %w", rec.Seq, err)
				}
				native, err := req.Open.Open(fs)
				if err != nil {
					return nil, fmt.Errorf("catch up seq %d: %w", rec.Seq, err)
				}
				scratch[req.Handle] = native
				applied++
			}
		}

		var err error
		switch req.Op {
		case activity.OpClose:
			delete(live, req.Handle)
			err = closeScratch(req.Handle)
		case activity.OpWrite:
			n := clampN(rec.Response.N, len(req.Data))
			if n == 0 {
				continue
			}
			err = replayWrite(stream, req, req.Data[:n])
			applied++
		case activity.OpSetLength:
			if rec.Error != "" {
				continue
			}
			var native activity.NativeStream
			if native, err = stream(req); err == nil {
				err = native.SetLength(req.Offset)
			}
			applied++
		}
		if err != nil {
			return nil, fmt.Errorf("catch up seq %d: %w", rec.Seq, err)
		}
	}

	if from > 0 {
		logger.Debug("replay caught up", "before_seq", from, "applied", applied, "live_streams", len(live))
	}
	return live, nil
}

func replayWrite(stream func(activity.Request) (activity.NativeStream, error), req activity.Request, data []byte) error {
	native, err := stream(req)
	if err != nil {
		return err
	}
	if _, err := native.Seek(req.Position, io.SeekStart); err != nil {
		return err
	}
	_, err = native.Write(data)
	return err
}

// compareOutcome lists the fields of the replayed outcome that differ from
// the recorded one. Reopened is not compared.
func compareOutcome(rec store.Activity, got activity.Response, gotErr error) []Divergence {
	var divs []Divergence
	add := func(field, recorded, replayed string) {
		divs = append(divs, Divergence{
			Seq:      rec.Seq,
			Handle:   rec.Request.Handle,
			Op:       rec.Request.Op,
			Field:    field,
			Recorded: recorded,
			Replayed: replayed,
		})
	}

	want := rec.Response
	if (rec.Error != "") != (gotErr != nil) {
		add("error", quoteOrNone(rec.Error), quoteOrNone(errString(gotErr)))
	}
	if want.N != got.N {
		add("n", strconv.Itoa(want.N), strconv.Itoa(got.N))
	}
	if want.Position != got.Position {
		add("position", strconv.FormatInt(want.Position, 10), strconv.FormatInt(got.Position, 10))
	}
	if want.Flag != got.Flag {
		add("flag", strconv.FormatBool(want.Flag), strconv.FormatBool(got.Flag))
	}
	if want.EOF != got.EOF {
		add("eof", strconv.FormatBool(want.EOF), strconv.FormatBool(got.EOF))
	}
	if !bytes.Equal(want.Data, got.Data) {
		add("data", strconv.Quote(string(want.Data)), strconv.Quote(string(got.Data)))
	}
	if !slices.Equal(want.Extents, got.Extents) {
		add("extents", formatRegions(want.Extents), formatRegions(got.Extents))
	}
	return divs
}

func formatRegions(regions []extent.Region) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range regions {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(r.String())
	}
	buf.WriteByte(']')
	return buf.String()
}

func quoteOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return strconv.Quote(s)
}
