package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/fsreplay/internal/activity"
)

// Harness is a minimal activity.Harness for unit tests.
//
// It serializes activities with a mutex, keeps every submitted request, and
// exposes the lockdown flag and the activity context directly. It does no
// recording to a store and no consistency checking.
type Harness struct {
	mu       sync.Mutex
	fs       activity.FileSystem
	actx     *activity.Context
	handles  *activity.Allocator
	lockdown atomic.Bool
	requests []activity.Request
}

// NewHarness creates a harness over fs with an empty context.
func NewHarness(fs activity.FileSystem) *Harness {
	return &Harness{
		fs:      fs,
		actx:    activity.NewContext(),
		handles: activity.NewAllocator(),
	}
}

// Perform implements activity.Executor.
func (h *Harness) Perform(ctx context.Context, req activity.Request, step activity.Step) (activity.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return activity.Response{}, err
	}
	h.requests = append(h.requests, req)
	return step(h.fs, h.actx, req)
}

// InLockdown implements activity.LockdownReporter.
func (h *Harness) InLockdown() bool {
	return h.lockdown.Load()
}

// SetLockdown sets the lockdown flag.
func (h *Harness) SetLockdown(on bool) {
	h.lockdown.Store(on)
}

// NextHandle implements activity.Harness.
func (h *Harness) NextHandle() activity.Handle {
	return h.handles.Next()
}

// Context returns the current activity context.
func (h *Harness) Context() *activity.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actx
}

// NewPass starts a new execution pass over fs with an empty context.
// Native streams of the previous pass are left open.
func (h *Harness) NewPass(fs activity.FileSystem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fs = fs
	h.actx = activity.NewContext()
}

// Requests returns the requests submitted so far.
func (h *Harness) Requests() []activity.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]activity.Request(nil), h.requests...)
}

// Replay runs the recorded requests from index from onwards through step in
// a fresh pass over fs and returns their responses.
func (h *Harness) Replay(fs activity.FileSystem, from int, step activity.Step) ([]activity.Response, []error) {
	reqs := h.Requests()
	actx := activity.NewContext()

	var resps []activity.Response
	var errs []error
	for _, req := range reqs[from:] {
		resp, err := step(fs, actx, req)
		resps = append(resps, resp)
		errs = append(errs, err)
	}
	return resps, errs
}
