// Package extent describes the present byte ranges of a sparse stream and
// composes streams out of them.
//
// A Region is an immutable (start, length) pair. A FixedSource produces the
// bytes of one Region from a plain backing stream, and a Sparse stream stitches
// several FixedSources into one virtual stream where every byte outside a
// Region reads as zero.
package extent

import (
	"fmt"
	"slices"
)

// Region is a present, contiguous byte range of a sparse stream.
type Region struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
}

// NewRegion returns the region [start, start+length).
func NewRegion(start, length int64) Region {
	return Region{Start: start, Length: length}
}

// End returns the first offset past the region.
func (r Region) End() int64 {
	return r.Start + r.Length
}

// Contains reports whether off falls inside the region.
func (r Region) Contains(off int64) bool {
	return off >= r.Start && off < r.End()
}

// Overlaps reports whether the two regions share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// String renders the region as [start,end).
func (r Region) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End())
}

// Compare orders regions by start offset, then by length.
// Suitable for slices.SortFunc.
func Compare(a, b Region) int {
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	case a.Length < b.Length:
		return -1
	case a.Length > b.Length:
		return 1
	}
	return 0
}

// Validate checks that regions are sorted by start, have positive length,
// and do not overlap.
func Validate(regions []Region) error {
	for i, r := range regions {
		if r.Start < 0 {
			return fmt.Errorf("region %d %s: negative start", i, r)
		}
		if r.Length <= 0 {
			return fmt.Errorf("region %d %s: length must be positive", i, r)
		}
		if i == 0 {
			continue
		}
		prev := regions[i-1]
		if r.Start < prev.Start {
			return fmt.Errorf("region %d %s: not ordered after %s", i, r, prev)
		}
		if r.Overlaps(prev) {
			return fmt.Errorf("region %d %s: overlaps %s", i, r, prev)
		}
	}
	return nil
}

// Coalesce returns the regions sorted by start with touching or overlapping
// neighbours merged. Empty regions are dropped. The input is not modified.
func Coalesce(regions []Region) []Region {
	sorted := make([]Region, 0, len(regions))
	for _, r := range regions {
		if r.Length > 0 {
			sorted = append(sorted, r)
		}
	}
	slices.SortFunc(sorted, Compare)

	out := make([]Region, 0, len(sorted))
	for _, r := range sorted {
		if n := len(out); n > 0 && r.Start <= out[n-1].End() {
			if end := r.End(); end > out[n-1].End() {
				out[n-1].Length = end - out[n-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
