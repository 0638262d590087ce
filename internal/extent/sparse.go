package extent

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
)

// Sparse is a virtual stream of fixed length composed of FixedSources.
// Bytes outside every source's Region read as zero.
//
// Sparse implements io.ReaderAt, io.ReadSeeker and io.Closer. The cursor
// used by Read and Seek is independent of ReadAt.
type Sparse struct {
	length  int64
	sources []*FixedSource
	pos     int64
}

// NewSparse composes sources into a stream of the given length.
// Sources are ordered by region start; overlapping regions or regions
// extending past length are rejected.
func NewSparse(length int64, sources ...*FixedSource) (*Sparse, error) {
	if length < 0 {
		return nil, fmt.Errorf("sparse stream: negative length %d", length)
	}

	sorted := slices.Clone(sources)
	slices.SortFunc(sorted, func(a, b *FixedSource) int {
		return Compare(a.region, b.region)
	})

	regions := make([]Region, len(sorted))
	for i, src := range sorted {
		regions[i] = src.region
		if src.region.End() > length {
			return nil, fmt.Errorf("sparse stream: region %s exceeds length %d", src.region, length)
		}
	}
	if err := Validate(regions); err != nil {
		return nil, fmt.Errorf("sparse stream: %w", err)
	}

	return &Sparse{length: length, sources: sorted}, nil
}

// Len returns the virtual length of the stream.
func (s *Sparse) Len() int64 {
	return s.length
}

// Extents returns the present regions in ascending order.
func (s *Sparse) Extents() []Region {
	out := make([]Region, len(s.sources))
	for i, src := range s.sources {
		out[i] = src.region
	}
	return out
}

// ReadAt fills p from offset off. Gaps between regions are zero filled.
// It returns io.EOF when fewer than len(p) bytes remain.
func (s *Sparse) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sparse stream: negative offset %d", off)
	}
	if off >= s.length {
		return 0, io.EOF
	}

	want := int64(len(p))
	var eof error
	if off+want > s.length {
		want = s.length - off
		eof = io.EOF
	}

	cur := off
	end := off + want
	for cur < end {
		dst := p[cur-off : end-off]
		idx := s.sourceAt(cur)

		if idx < len(s.sources) && s.sources[idx].region.Contains(cur) {
			src := s.sources[idx]
			if limit := src.region.End() - cur; int64(len(dst)) > limit {
				dst = dst[:limit]
			}
			if err := readFull(src, cur, dst); err != nil {
				return int(cur - off), err
			}
			cur += int64(len(dst))
			continue
		}

		// Gap: zero fill up to the next region or the end of the request.
		gapEnd := end
		if idx < len(s.sources) && s.sources[idx].region.Start < gapEnd {
			gapEnd = s.sources[idx].region.Start
		}
		clear(dst[:gapEnd-cur])
		cur = gapEnd
	}

	return int(want), eof
}

// sourceAt returns the index of the first source whose region ends after off.
func (s *Sparse) sourceAt(off int64) int {
	return sort.Search(len(s.sources), func(i int) bool {
		return s.sources[i].region.End() > off
	})
}

func readFull(src *FixedSource, off int64, dst []byte) error {
	for len(dst) > 0 {
		n, err := src.Read(off, dst)
		off += int64(n)
		dst = dst[n:]
		if len(dst) == 0 {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("extent %s: backing ended at %d: %w", src.region, off, io.ErrUnexpectedEOF)
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("extent %s: backing made no progress at %d: %w", src.region, off, io.ErrNoProgress)
		}
	}
	return nil
}

// Read reads from the current cursor.
func (s *Sparse) Read(p []byte) (int, error) {
	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek moves the cursor used by Read.
func (s *Sparse) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.length + offset
	default:
		return 0, fmt.Errorf("sparse stream: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("sparse stream: negative position %d", abs)
	}
	s.pos = abs
	return abs, nil
}

// Close closes every source. Each source honours its own ownership policy.
func (s *Sparse) Close() error {
	var errs []error
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
