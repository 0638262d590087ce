package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/engine"
	"github.com/roach88/fsreplay/internal/extent"
	"github.com/roach88/fsreplay/internal/ir"
	"github.com/roach88/fsreplay/internal/nativefs"
	"github.com/roach88/fsreplay/internal/shadow"
	"github.com/roach88/fsreplay/internal/store"
	"github.com/roach88/fsreplay/internal/testutil"
)

// DefaultBlockSize is the block size of scenarios that do not set one.
const DefaultBlockSize = 16

type options struct {
	logger *slog.Logger
	store  *store.Store
	runIDs engine.RunIDGenerator
}

// Option configures Run.
type Option func(*options)

// WithLogger sets the logger. Defaults to discarding everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStore records into st instead of a fresh in-memory store. The store
// is not closed.
func WithStore(st *store.Store) Option {
	return func(o *options) {
		o.store = st
	}
}

// WithRunIDGenerator generates the run id for scenarios without run_id.
// Defaults to the fixed id "test-run-default".
func WithRunIDGenerator(g engine.RunIDGenerator) Option {
	return func(o *options) {
		o.runIDs = g
	}
}

// runner executes one scenario.
type runner struct {
	scenario *Scenario
	logger   *slog.Logger
	store    *store.Store
	runID    string
	seeds    []store.Seed
	fs       *nativefs.FS
	checker  *engine.ModelChecker
	engine   *engine.Engine
	streams  map[string]*shadow.Stream
	names    map[activity.Handle]string
	result   *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory filesystem and, unless
// WithStore is given, a fresh in-memory store. The logical clock and the
// run id are deterministic, so the trace is reproducible.
//
// Execution flow:
//  1. Seed the filesystem (and the model checker) from the scenario seeds
//  2. Record the run
//  3. Open the declared streams
//  4. Execute the steps, checking each expect clause
//  5. Check the final state and evaluate trace assertions
//  6. Release every native stream
//
// The returned error is reserved for infrastructure failures; scenario
// failures are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st := o.store
	if st == nil {
		var err error
		st, err = store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
	}

	runID := scenario.RunID
	if runID == "" {
		gen := o.runIDs
		if gen == nil {
			gen = testutil.NewFixedRunGenerator("")
		}
		runID = gen.Generate()
	}

	blockSize := scenario.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	seeds, err := SeedsFromSpecs(scenario.Seeds)
	if err != nil {
		return nil, err
	}
	fs, err := NewSeededFS(blockSize, seeds, o.logger)
	if err != nil {
		return nil, err
	}

	r := &runner{
		scenario: scenario,
		logger:   o.logger,
		store:    st,
		runID:    runID,
		seeds:    seeds,
		fs:       fs,
		streams:  make(map[string]*shadow.Stream),
		names:    make(map[activity.Handle]string),
		result:   NewResult(scenario.Name, runID),
	}

	engOpts := []engine.EngineOption{
		engine.WithRunID(runID),
		engine.WithRecorder(st),
		engine.WithLogger(o.logger),
	}
	if scenario.CheckEnabled() {
		r.checker = engine.NewModelChecker()
		for _, seed := range seeds {
			r.checker.Seed(seed.Path, SeedContents(seed))
		}
		engOpts = append(engOpts, engine.WithChecker(r.checker))
	}
	r.engine = engine.New(fs, engOpts...)

	if err := st.CreateRun(ctx, store.Run{
		ID:          runID,
		Scenario:    scenario.Name,
		BlockSize:   blockSize,
		Seeds:       seeds,
		LogVersion:  ir.LogVersion,
		ToolVersion: ir.ToolVersion,
	}); err != nil {
		return nil, err
	}

	if err := r.execute(ctx); err != nil {
		return nil, err
	}
	return r.result, nil
}

func (r *runner) execute(ctx context.Context) error {
	defer r.teardown(ctx)

	if !r.openStreams(ctx) {
		return r.collectTrace(ctx)
	}

	for i, step := range r.scenario.Steps {
		if err := r.executeStep(ctx, i, step); err != nil {
			return err
		}
	}

	r.checkFinal(ctx)
	if err := r.collectTrace(ctx); err != nil {
		return err
	}
	for _, msg := range EvaluateAssertions(r.result.Trace, r.scenario.Assertions) {
		r.result.AddError(msg)
	}
	return nil
}

func (r *runner) openStreams(ctx context.Context) bool {
	for _, spec := range r.scenario.Streams {
		open, err := spec.OpenSpec()
		if err != nil {
			r.result.AddError(fmt.Sprintf("stream %s: %v", spec.Name, err))
			return false
		}

		var s *shadow.Stream
		if spec.Lazy {
			s = shadow.New(ctx, r.engine, open)
		} else {
			s, err = shadow.Open(ctx, r.engine, open)
			if err != nil {
				r.result.AddError(fmt.Sprintf("stream %s: %v", spec.Name, err))
				return false
			}
		}
		r.streams[spec.Name] = s
		r.names[s.Handle()] = spec.Name
		r.logger.Info("stream ready", "stream", spec.Name, "handle", int64(s.Handle()), "lazy", spec.Lazy)
	}
	return true
}

// outcome is what a step produced, in the shape StepExpect checks.
type outcome struct {
	n        int
	position int64
	data     []byte
	eof      bool
	flag     bool
	extents  []extent.Region
	replay   *engine.ReplayResult
}

func (r *runner) executeStep(ctx context.Context, i int, step Step) error {
	label := fmt.Sprintf("steps[%d] %s", i, step.Op)
	if step.Stream != "" {
		label += " " + step.Stream
	}

	out, stepErr, err := r.perform(ctx, step)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}

	for _, msg := range checkStep(step, out, stepErr) {
		r.result.AddError(fmt.Sprintf("%s: %s", label, msg))
	}
	if step.Expect != nil && step.Expect.Shadow != nil {
		if s := r.streams[step.Stream]; s != nil && s.ShadowPosition() != *step.Expect.Shadow {
			r.result.AddError(fmt.Sprintf("%s: shadow position %d, expected %d", label, s.ShadowPosition(), *step.Expect.Shadow))
		}
	}

	r.logger.Info("step completed", "step", i, "op", step.Op, "stream", step.Stream, "error", errString(stepErr))
	return nil
}

// perform runs one step. stepErr is the step's own failure; err is an
// infrastructure failure that aborts the scenario.
func (r *runner) perform(ctx context.Context, step Step) (out outcome, stepErr error, err error) {
	switch step.Op {
	case StepLockdown:
		reason := step.Reason
		if reason == "" {
			reason = "requested by scenario"
		}
		return out, nil, r.engine.EnterLockdown(ctx, reason)
	case StepUnlock:
		r.engine.ClearLockdown()
		return out, nil, nil
	case StepReplay:
		res, err := r.replay(ctx, step.From, step.To)
		if err != nil {
			return out, nil, err
		}
		out.replay = &res
		return out, nil, nil
	}

	s := r.streams[step.Stream]
	switch activity.Op(step.Op) {
	case activity.OpRead:
		buf := make([]byte, step.Count)
		n, rerr := s.Read(buf)
		out.n, out.data = n, buf[:n]
		if errors.Is(rerr, io.EOF) {
			out.eof = true
			rerr = nil
		}
		stepErr = rerr
	case activity.OpWrite:
		out.n, stepErr = s.Write([]byte(step.Data))
	case activity.OpSeek:
		whence, werr := ParseWhence(step.Whence)
		if werr != nil {
			return out, nil, werr
		}
		out.position, stepErr = s.Seek(step.Offset, whence)
	case activity.OpPosition:
		out.position, stepErr = s.Position()
	case activity.OpSetPosition:
		stepErr = s.SetPosition(step.Position)
	case activity.OpFlush:
		stepErr = s.Flush()
	case activity.OpSetLength:
		stepErr = s.SetLength(step.Length)
	case activity.OpCanRead:
		out.flag, stepErr = s.CanRead()
	case activity.OpCanWrite:
		out.flag, stepErr = s.CanWrite()
	case activity.OpCanSeek:
		out.flag, stepErr = s.CanSeek()
	case activity.OpExtents:
		out.extents, stepErr = s.Extents()
	case activity.OpClose:
		stepErr = s.Close()
	default:
		return out, nil, fmt.Errorf("unsupported step op %q", step.Op)
	}
	return out, stepErr, nil
}

// replay re-executes the log recorded so far against a fresh filesystem
// built from the same seeds.
func (r *runner) replay(ctx context.Context, from, to int64) (engine.ReplayResult, error) {
	records, err := r.store.ReadActivities(ctx, r.runID)
	if err != nil {
		return engine.ReplayResult{}, err
	}
	fresh, err := NewSeededFS(r.fs.BlockSize(), r.seeds, r.logger)
	if err != nil {
		return engine.ReplayResult{}, err
	}
	res, err := engine.Replay(ctx, fresh, records, shadow.Apply, engine.ReplayOptions{
		From:   from,
		To:     to,
		Logger: r.logger,
	})
	if err != nil {
		return res, err
	}
	r.result.Replays = append(r.result.Replays, res)
	return res, nil
}

func checkStep(step Step, out outcome, stepErr error) []string {
	exp := step.Expect
	if exp == nil {
		if stepErr != nil {
			return []string{fmt.Sprintf("unexpected error: %v", stepErr)}
		}
		return nil
	}

	var msgs []string
	fail := func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}

	switch {
	case exp.Error != nil && stepErr == nil:
		fail("expected error containing %q, got none", *exp.Error)
	case exp.Error != nil && !strings.Contains(stepErr.Error(), *exp.Error):
		fail("expected error containing %q, got %v", *exp.Error, stepErr)
	case exp.Error == nil && stepErr != nil:
		fail("unexpected error: %v", stepErr)
	}

	if exp.N != nil && out.n != *exp.N {
		fail("n = %d, expected %d", out.n, *exp.N)
	}
	if exp.Position != nil && out.position != *exp.Position {
		fail("position = %d, expected %d", out.position, *exp.Position)
	}
	if exp.Data != nil && !bytes.Equal(out.data, []byte(*exp.Data)) {
		fail("data = %q, expected %q", out.data, *exp.Data)
	}
	if exp.EOF != nil && out.eof != *exp.EOF {
		fail("eof = %t, expected %t", out.eof, *exp.EOF)
	}
	if exp.Flag != nil && out.flag != *exp.Flag {
		fail("flag = %t, expected %t", out.flag, *exp.Flag)
	}
	if exp.Extents != nil {
		if want := toRegions(*exp.Extents); !slices.Equal(out.extents, want) {
			fail("extents = %v, expected %v", out.extents, want)
		}
	}

	if out.replay != nil {
		res := out.replay
		if exp.Divergences != nil && len(res.Divergences) != *exp.Divergences {
			fail("%d divergences, expected %d: %v", len(res.Divergences), *exp.Divergences, res.Divergences)
		}
		if exp.Reopened != nil && res.Reopened != *exp.Reopened {
			fail("reopened %d streams, expected %d", res.Reopened, *exp.Reopened)
		}
		if exp.Executed != nil && res.Executed != *exp.Executed {
			fail("executed %d activities, expected %d", res.Executed, *exp.Executed)
		}
	}
	return msgs
}

func (r *runner) checkFinal(ctx context.Context) {
	r.result.Lockdown = r.engine.InLockdown()
	r.result.LockdownReasons = r.engine.LockdownReasons()

	exp := r.scenario.Expect
	if exp == nil {
		return
	}

	if exp.Lockdown != nil && r.result.Lockdown != *exp.Lockdown {
		r.result.AddError(fmt.Sprintf("final: lockdown = %t, expected %t", r.result.Lockdown, *exp.Lockdown))
	}
	if exp.OpenStreams != nil {
		handles, err := r.engine.OpenHandles(ctx)
		if err != nil {
			r.result.AddError(fmt.Sprintf("final: open streams: %v", err))
		} else if len(handles) != *exp.OpenStreams {
			r.result.AddError(fmt.Sprintf("final: %d open native streams, expected %d", len(handles), *exp.OpenStreams))
		}
	}
	for _, f := range exp.Files {
		for _, msg := range r.checkFile(f) {
			r.result.AddError(fmt.Sprintf("final: file %s: %s", f.Path, msg))
		}
	}
}

func (r *runner) checkFile(f FileExpect) []string {
	exists, err := r.fs.Exists(f.Path)
	if err != nil {
		return []string{err.Error()}
	}
	if f.Exists != nil && exists != *f.Exists {
		return []string{fmt.Sprintf("exists = %t, expected %t", exists, *f.Exists)}
	}
	if !exists {
		if f.Contents != nil || f.Length != nil || f.Extents != nil {
			return []string{"does not exist"}
		}
		return nil
	}

	var msgs []string
	data, err := r.fs.ReadFile(f.Path)
	if err != nil {
		return []string{err.Error()}
	}
	if f.Contents != nil && string(data) != *f.Contents {
		msgs = append(msgs, fmt.Sprintf("contents = %q, expected %q", data, *f.Contents))
	}
	if f.Length != nil && int64(len(data)) != *f.Length {
		msgs = append(msgs, fmt.Sprintf("length = %d, expected %d", len(data), *f.Length))
	}
	if f.Extents != nil {
		got, err := fileExtents(r.fs, f.Path)
		if err != nil {
			return append(msgs, err.Error())
		}
		if want := toRegions(*f.Extents); !slices.Equal(got, want) {
			msgs = append(msgs, fmt.Sprintf("extents = %v, expected %v", got, want))
		}
	}
	return msgs
}

func fileExtents(fs *nativefs.FS, path string) ([]extent.Region, error) {
	native, err := fs.OpenStream(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer native.Close()
	return native.Extents()
}

// collectTrace reads the recorded log back and merges activities and
// lockdowns in seq order. A lockdown follows the activity that caused it.
func (r *runner) collectTrace(ctx context.Context) error {
	acts, err := r.store.ReadActivities(ctx, r.runID)
	if err != nil {
		return err
	}
	lockdowns, err := r.store.ReadLockdowns(ctx, r.runID)
	if err != nil {
		return err
	}

	trace := make([]TraceEvent, 0, len(acts)+len(lockdowns))
	for _, a := range acts {
		trace = append(trace, activityEvent(a, r.names[a.Request.Handle]))
	}
	for _, l := range lockdowns {
		trace = append(trace, lockdownEvent(l))
	}
	slices.SortStableFunc(trace, func(a, b TraceEvent) int {
		if a.Seq != b.Seq {
			if a.Seq < b.Seq {
				return -1
			}
			return 1
		}
		if a.Type == b.Type {
			return 0
		}
		if a.Type == EventActivity {
			return -1
		}
		return 1
	})
	r.result.Trace = trace
	return nil
}

// teardown leaves lockdown and releases every native stream. Final state
// has been inspected by now.
func (r *runner) teardown(ctx context.Context) {
	r.engine.ClearLockdown()
	if err := r.engine.Close(ctx); err != nil {
		r.logger.Warn("teardown", "run_id", r.runID, "error", err)
	}
}

// SeedsFromSpecs converts scenario seeds to their recorded form.
func SeedsFromSpecs(specs []SeedSpec) ([]store.Seed, error) {
	seeds := make([]store.Seed, 0, len(specs))
	for _, spec := range specs {
		seed := store.Seed{Path: spec.Path, Length: spec.Length}
		for _, r := range spec.Regions {
			if r.Data == "" {
				continue
			}
			seed.Regions = append(seed.Regions, store.SeedRegion{Start: r.Start, Data: []byte(r.Data)})
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

// SeedSparse composes a seed into a sparse stream.
func SeedSparse(seed store.Seed) (*extent.Sparse, error) {
	sources := make([]*extent.FixedSource, 0, len(seed.Regions))
	for _, r := range seed.Regions {
		region := extent.NewRegion(r.Start, int64(len(r.Data)))
		sources = append(sources, extent.NewFixedSource(region, bytes.NewReader(r.Data), extent.OwnBacking))
	}
	sp, err := extent.NewSparse(seed.Length, sources...)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", seed.Path, err)
	}
	return sp, nil
}

// SeedContents returns the full contents of a seed, gaps zero-filled.
func SeedContents(seed store.Seed) []byte {
	data := make([]byte, seed.Length)
	for _, r := range seed.Regions {
		copy(data[r.Start:], r.Data)
	}
	return data
}

// NewSeededFS creates an in-memory filesystem under test holding seeds.
func NewSeededFS(blockSize int64, seeds []store.Seed, logger *slog.Logger) (*nativefs.FS, error) {
	fs := nativefs.NewMemory(nativefs.WithBlockSize(blockSize), nativefs.WithLogger(logger))
	for _, seed := range seeds {
		sp, err := SeedSparse(seed)
		if err != nil {
			return nil, err
		}
		err = fs.Seed(seed.Path, sp)
		sp.Close()
		if err != nil {
			return nil, err
		}
	}
	return fs, nil
}

func toRegions(specs []RegionSpec) []extent.Region {
	out := make([]extent.Region, len(specs))
	for i, s := range specs {
		out[i] = extent.NewRegion(s.Start, s.Length)
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
