package activity

import (
	"errors"
	"fmt"
	"slices"
)

// Context is the per-pass table of live native streams keyed by Handle.
//
// A Context belongs to one execution pass (live or replay) and is passed by
// reference into every activity. Each instrumented stream only writes its
// own slot; a missing slot means the stream must be reconstructed.
type Context struct {
	streams map[Handle]NativeStream
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{streams: make(map[Handle]NativeStream)}
}

// Lookup returns the native stream stored for h.
func (c *Context) Lookup(h Handle) (NativeStream, bool) {
	s, ok := c.streams[h]
	return s, ok
}

// Store sets the native stream for h, replacing any previous entry.
func (c *Context) Store(h Handle, s NativeStream) {
	c.streams[h] = s
}

// Remove deletes and returns the entry for h.
func (c *Context) Remove(h Handle) (NativeStream, bool) {
	s, ok := c.streams[h]
	if ok {
		delete(c.streams, h)
	}
	return s, ok
}

// Len returns the number of live entries.
func (c *Context) Len() int {
	return len(c.streams)
}

// Handles returns the live handles in ascending order.
func (c *Context) Handles() []Handle {
	out := make([]Handle, 0, len(c.streams))
	for h := range c.streams {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// CloseAll closes and removes every entry, in handle order.
// Used by the harness at the end of a pass.
func (c *Context) CloseAll() error {
	var errs []error
	for _, h := range c.Handles() {
		s, _ := c.Remove(h)
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.Key(), err))
		}
	}
	return errors.Join(errs...)
}
