package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/ir"
	"github.com/roach88/fsreplay/internal/store"
)

// DefaultMaxActivities is the default activity quota per run.
const DefaultMaxActivities = 1_000_000

// Recorder persists activities and lockdown entries.
// Implemented by *store.Store.
type Recorder interface {
	WriteActivity(ctx context.Context, act store.Activity) error
	WriteLockdown(ctx context.Context, l store.Lockdown) error
}

// Checker validates the outcome of an activity. A non-nil error puts the
// engine in lockdown.
type Checker interface {
	Check(req activity.Request, resp activity.Response, stepErr error) error
}

// Engine implements activity.Harness.
//
// Thread-safety model:
//   - Perform, NextHandle, InLockdown, EnterLockdown: safe from any goroutine
//   - Activities run one at a time, in the order they acquire the slot
type Engine struct {
	fs       activity.FileSystem
	actx     *activity.Context
	slot     *semaphore.Weighted
	clock    *Clock
	handles  *activity.Allocator
	quota    *QuotaEnforcer
	runID    string
	recorder Recorder
	checker  Checker
	logger   *slog.Logger
	timeout  time.Duration

	lockdown atomic.Bool
	mu       sync.Mutex
	reasons  []string
}

var _ activity.Harness = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRecorder records every activity and lockdown entry to r.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithChecker checks every activity outcome with c.
func WithChecker(c Checker) EngineOption {
	return func(e *Engine) {
		e.checker = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRunID sets the run id activities are recorded under.
func WithRunID(id string) EngineOption {
	return func(e *Engine) {
		e.runID = id
	}
}

// WithClock sets the logical clock. Used to resume a run.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithHandles sets the handle allocator. Used to resume a run without
// reusing handles.
func WithHandles(a *activity.Allocator) EngineOption {
	return func(e *Engine) {
		e.handles = a
	}
}

// WithActivityTimeout bounds how long Perform waits for the activity slot
// and how long the step's context lives.
func WithActivityTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithMaxActivities sets the activity quota. 0 disables it.
//
// Default: DefaultMaxActivities.
func WithMaxActivities(n int64) EngineOption {
	return func(e *Engine) {
		e.quota = NewQuotaEnforcer(n)
	}
}

// New creates an engine over fs with an empty activity context.
func New(fs activity.FileSystem, opts ...EngineOption) *Engine {
	e := &Engine{
		fs:      fs,
		actx:    activity.NewContext(),
		slot:    semaphore.NewWeighted(1),
		clock:   NewClock(),
		handles: activity.NewAllocator(),
		quota:   NewQuotaEnforcer(DefaultMaxActivities),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunID returns the run id.
func (e *Engine) RunID() string { return e.runID }

// FS returns the filesystem under test.
func (e *Engine) FS() activity.FileSystem { return e.fs }

// Seq returns the seq of the last activity.
func (e *Engine) Seq() int64 { return e.clock.Current() }

// NextHandle implements activity.Harness.
func (e *Engine) NextHandle() activity.Handle {
	return e.handles.Next()
}

// InLockdown implements activity.LockdownReporter.
func (e *Engine) InLockdown() bool {
	return e.lockdown.Load()
}

// LockdownReasons returns why the engine entered lockdown, oldest first.
func (e *Engine) LockdownReasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.reasons...)
}

// Perform implements activity.Executor.
//
// The step's own error is returned unchanged. Engine failures (record,
// check, quota) are returned as *RuntimeError; a check failure is returned
// even when the step succeeded.
func (e *Engine) Perform(ctx context.Context, req activity.Request, step activity.Step) (activity.Response, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.slot.Acquire(ctx, 1); err != nil {
		return activity.Response{}, fmt.Errorf("acquire activity slot: %w", err)
	}
	defer e.slot.Release(1)

	if err := e.quota.Check(e.runID); err != nil {
		var ae *ActivitiesExceededError
		errors.As(err, &ae)
		return activity.Response{}, NewQuotaError(e.runID, ae)
	}

	seq := e.clock.Next()
	resp, stepErr := step(e.fs, e.actx, req)

	e.logger.Debug("activity",
		"run_id", e.runID,
		"seq", seq,
		"op", string(req.Op),
		"handle", int64(req.Handle),
		"position", req.Position,
		"n", resp.N,
		"reopened", resp.Reopened,
		"error", errString(stepErr),
	)

	if e.recorder != nil {
		if err := e.record(ctx, seq, req, resp, stepErr); err != nil {
			return resp, NewRecordError(e.runID, seq, req, err)
		}
	}

	if e.checker != nil && !e.InLockdown() {
		if cerr := e.checker.Check(req, resp, stepErr); cerr != nil {
			rerr := NewCheckError(e.runID, seq, req, cerr)
			if err := e.enterLockdown(ctx, rerr.describe()); err != nil {
				return resp, errors.Join(rerr, err)
			}
			return resp, rerr
		}
	}

	return resp, stepErr
}

func (e *Engine) record(ctx context.Context, seq int64, req activity.Request, resp activity.Response, stepErr error) error {
	id, err := ir.ActivityID(e.runID, seq, RequestObject(req))
	if err != nil {
		return err
	}
	return e.recorder.WriteActivity(ctx, store.Activity{
		ID:       id,
		RunID:    e.runID,
		Seq:      seq,
		Request:  req,
		Response: resp,
		Error:    errString(stepErr),
	})
}

// EnterLockdown freezes the filesystem under test in its current state.
// It waits for the running activity to finish.
func (e *Engine) EnterLockdown(ctx context.Context, reason string) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire activity slot: %w", err)
	}
	defer e.slot.Release(1)
	return e.enterLockdown(ctx, reason)
}

// enterLockdown must be called with the activity slot held.
func (e *Engine) enterLockdown(ctx context.Context, reason string) error {
	e.lockdown.Store(true)
	e.mu.Lock()
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()

	seq := e.clock.Current()
	e.logger.Warn("entering lockdown", "run_id", e.runID, "seq", seq, "reason", reason)

	if e.recorder == nil {
		return nil
	}
	id, err := ir.LockdownID(e.runID, seq, reason)
	if err != nil {
		return fmt.Errorf("lockdown id: %w", err)
	}
	if err := e.recorder.WriteLockdown(ctx, store.Lockdown{ID: id, RunID: e.runID, Seq: seq, Reason: reason}); err != nil {
		return fmt.Errorf("record lockdown: %w", err)
	}
	return nil
}

// ClearLockdown leaves lockdown. Streams disposed during lockdown stay
// disposed; their native streams are released by Close.
func (e *Engine) ClearLockdown() {
	if e.lockdown.Swap(false) {
		e.logger.Info("leaving lockdown", "run_id", e.runID, "seq", e.clock.Current())
	}
}

// Inspect runs fn with exclusive access to the filesystem under test and
// the activity context. Intended for examining state in lockdown.
func (e *Engine) Inspect(ctx context.Context, fn func(fs activity.FileSystem, actx *activity.Context) error) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire activity slot: %w", err)
	}
	defer e.slot.Release(1)
	return fn(e.fs, e.actx)
}

// OpenHandles returns the handles with a live native stream.
func (e *Engine) OpenHandles(ctx context.Context) ([]activity.Handle, error) {
	var handles []activity.Handle
	err := e.Inspect(ctx, func(_ activity.FileSystem, actx *activity.Context) error {
		handles = actx.Handles()
		return nil
	})
	return handles, err
}

// Close releases every native stream left in the activity context, unless
// the engine is in lockdown.
func (e *Engine) Close(ctx context.Context) error {
	if e.InLockdown() {
		e.logger.Info("lockdown: leaving native streams open", "run_id", e.runID, "open", e.actx.Len())
		return nil
	}
	return e.Inspect(ctx, func(_ activity.FileSystem, actx *activity.Context) error {
		return actx.CloseAll()
	})
}

// RequestObject is the identity-bearing part of a request. Write data
// contributes only its digest.
func RequestObject(req activity.Request) ir.Object {
	obj := ir.Object{
		"op":       ir.String(req.Op),
		"handle":   ir.Int(req.Handle),
		"path":     ir.String(req.Open.Path),
		"flag":     ir.Int(req.Open.Flag),
		"perm":     ir.Int(req.Open.Perm),
		"position": ir.Int(req.Position),
		"offset":   ir.Int(req.Offset),
		"whence":   ir.Int(req.Whence),
		"count":    ir.Int(req.Count),
	}
	if req.Data != nil {
		obj["data"] = ir.String(ir.PayloadDigest(req.Data))
	}
	return obj
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// discardLogger returns a logger that drops everything.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
