package extent

import (
	"context"
	"fmt"
	"io"
)

// Ownership decides who closes the backing stream of a FixedSource.
type Ownership int

const (
	// LeaveOpen keeps the backing stream owned by the caller.
	LeaveOpen Ownership = iota
	// OwnBacking makes the source close the backing stream on Close.
	OwnBacking
)

// String returns the policy name.
func (o Ownership) String() string {
	switch o {
	case LeaveOpen:
		return "leave_open"
	case OwnBacking:
		return "own_backing"
	default:
		return "unknown"
	}
}

// FixedSource produces the bytes of a single Region from a backing stream.
// Offset 0 of the backing stream corresponds to Region.Start.
//
// Reads are addressed by absolute ("disk") offset. No range validation is
// done: callers only request ranges inside the Region.
//
// Thread-safety: a FixedSource repositions its backing stream on every read
// and is not safe for concurrent use.
type FixedSource struct {
	region    Region
	backing   io.ReadSeeker
	ownership Ownership
	closed    bool
}

// NewFixedSource creates a source for region backed by backing.
func NewFixedSource(region Region, backing io.ReadSeeker, ownership Ownership) *FixedSource {
	return &FixedSource{
		region:    region,
		backing:   backing,
		ownership: ownership,
	}
}

// Region returns the region this source covers.
func (s *FixedSource) Region() Region {
	return s.region
}

// Ownership returns the backing stream ownership policy.
func (s *FixedSource) Ownership() Ownership {
	return s.ownership
}

// Read reads up to len(p) bytes starting at the absolute offset diskOffset.
func (s *FixedSource) Read(diskOffset int64, p []byte) (int, error) {
	if err := s.seek(diskOffset); err != nil {
		return 0, err
	}
	return s.backing.Read(p)
}

// ReadContext is Read with a cancellation point right before the backing
// read. A cancelled ctx returns ctx.Err() and leaves p untouched.
func (s *FixedSource) ReadContext(ctx context.Context, diskOffset int64, p []byte) (int, error) {
	if err := s.seek(diskOffset); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.backing.Read(p)
}

func (s *FixedSource) seek(diskOffset int64) error {
	if s.closed {
		return fmt.Errorf("extent %s: source closed", s.region)
	}
	local := diskOffset - s.region.Start
	if _, err := s.backing.Seek(local, io.SeekStart); err != nil {
		return fmt.Errorf("extent %s: seek backing to %d: %w", s.region, local, err)
	}
	return nil
}

// Close releases the backing stream if the source owns it.
// Close is idempotent.
func (s *FixedSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ownership != OwnBacking {
		return nil
	}
	if c, ok := s.backing.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
