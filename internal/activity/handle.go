package activity

import (
	"strconv"
	"sync/atomic"
)

// Handle identifies one instrumented stream for the lifetime of an activity
// log. It is never reused within a log.
type Handle int64

// Key renders the context key derived from the handle.
// The same handle always renders the same key.
func (h Handle) Key() string {
	return "stream/" + strconv.FormatInt(int64(h), 10)
}

// Allocator hands out monotonically increasing handles.
//
// An Allocator is owned by the harness and lives as long as it does; there is
// no package-level counter. Allocation is an atomic increment so streams may
// be constructed concurrently with running activities.
type Allocator struct {
	last atomic.Int64
}

// NewAllocator creates an allocator whose first handle is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NewAllocatorAt creates an allocator that resumes after last.
// Used when appending to an existing activity log.
func NewAllocatorAt(last Handle) *Allocator {
	a := &Allocator{}
	a.last.Store(int64(last))
	return a
}

// Next returns a fresh handle.
func (a *Allocator) Next() Handle {
	return Handle(a.last.Add(1))
}

// Last returns the most recently allocated handle, or 0 if none.
func (a *Allocator) Last() Handle {
	return Handle(a.last.Load())
}
