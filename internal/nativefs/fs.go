// Package nativefs provides the native filesystem instrumented streams run
// against: an afero filesystem that additionally tracks which blocks of each
// file have been written, so streams can report their present extents.
//
// Block tracking uses one roaring bitmap per path, shared by every stream
// open on that path. A block is present once any byte in it was written or
// seeded, and stops being present when SetLength truncates past it. A
// truncation inside a block leaves that block present only up to the cut.
package nativefs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spf13/afero"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
)

// DefaultBlockSize is the extent granularity when none is configured.
const DefaultBlockSize = 4096

// Stats counts native stream lifecycle events.
type Stats struct {
	Opens  int
	Closes int
}

// FS is an activity.FileSystem over an afero.Fs.
//
// Thread-safety: all methods are safe for concurrent use.
type FS struct {
	fs        afero.Fs
	blockSize int64
	logger    *slog.Logger

	mu      sync.Mutex
	present map[string]*roaring.Bitmap
	cuts    map[string]int64
	stats   Stats
}

// Option configures an FS.
type Option func(*FS)

// WithBlockSize sets the extent granularity in bytes.
func WithBlockSize(size int64) Option {
	return func(f *FS) {
		if size > 0 {
			f.blockSize = size
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default(); nil keeps the
// default.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FS) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New wraps fs.
func New(fs afero.Fs, opts ...Option) *FS {
	f := &FS{
		fs:        fs,
		blockSize: DefaultBlockSize,
		logger:    slog.Default(),
		present:   make(map[string]*roaring.Bitmap),
		cuts:      make(map[string]int64),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewMemory creates an FS over a fresh in-memory filesystem.
func NewMemory(opts ...Option) *FS {
	return New(afero.NewMemMapFs(), opts...)
}

// NewDir creates an FS rooted at dir on the OS filesystem.
func NewDir(dir string, opts ...Option) *FS {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir), opts...)
}

// BlockSize returns the extent granularity.
func (f *FS) BlockSize() int64 { return f.blockSize }

// Stats returns a snapshot of the lifecycle counters.
func (f *FS) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// OpenStream implements activity.FileSystem.
func (f *FS) OpenStream(name string, flag int, perm os.FileMode) (activity.NativeStream, error) {
	file, err := f.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if flag&os.O_TRUNC != 0 {
		f.forget(name)
	}
	f.stats.Opens++
	f.mu.Unlock()

	f.logger.Debug("native open", "path", name, "flag", flag)

	mode := flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
	return &Stream{
		fs:       f,
		name:     name,
		file:     file,
		readable: mode == os.O_RDONLY || mode == os.O_RDWR,
		writable: mode == os.O_WRONLY || mode == os.O_RDWR,
	}, nil
}

// Seed writes the contents of src to path, creating or truncating it.
// Only the regions present in src are marked present; gaps read back as
// zeros but are not reported as extents.
func (f *FS) Seed(path string, src *extent.Sparse) error {
	file, err := f.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	defer file.Close()

	if err := file.Truncate(src.Len()); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}

	f.mu.Lock()
	f.forget(path)
	f.mu.Unlock()

	for _, r := range src.Extents() {
		buf := make([]byte, r.Length)
		if _, err := src.ReadAt(buf, r.Start); err != nil && err != io.EOF {
			return fmt.Errorf("seed %s %s: %w", path, r, err)
		}
		if _, err := file.WriteAt(buf, r.Start); err != nil {
			return fmt.Errorf("seed %s %s: %w", path, r, err)
		}
		f.markWritten(path, r.Start, r.End())
	}
	return nil
}

// ReadFile returns the full contents of path.
func (f *FS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.fs, path)
}

// Exists reports whether path exists.
func (f *FS) Exists(path string) (bool, error) {
	return afero.Exists(f.fs, path)
}

// forget drops all block tracking for path. Callers hold f.mu.
func (f *FS) forget(path string) {
	delete(f.present, path)
	delete(f.cuts, path)
}

// markWritten marks every block overlapping [start, end) present.
func (f *FS) markWritten(path string, start, end int64) {
	if end <= start {
		return
	}
	first := uint64(start / f.blockSize)
	last := uint64((end-1)/f.blockSize) + 1

	f.mu.Lock()
	defer f.mu.Unlock()
	bm, ok := f.present[path]
	if !ok {
		bm = roaring.New()
		f.present[path] = bm
	}
	bm.AddRange(first, last)

	if cut, ok := f.cuts[path]; ok {
		block := uint64(cut / f.blockSize)
		if block >= first && block < last {
			// A write continuing from the cut extends it; anything else
			// fills the block.
			blockEnd := int64(block+1) * f.blockSize
			if start <= cut && end < blockEnd {
				f.cuts[path] = max(cut, end)
			} else {
				delete(f.cuts, path)
			}
		}
	}
}

// truncateBlocks drops every block past size. A block containing size
// keeps only its bytes before size.
func (f *FS) truncateBlocks(path string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bm, ok := f.present[path]
	if !ok || bm.IsEmpty() {
		return
	}
	keep := uint64((size + f.blockSize - 1) / f.blockSize)
	if keep <= uint64(bm.Maximum()) {
		bm.RemoveRange(keep, uint64(bm.Maximum())+1)
	}

	if cut, ok := f.cuts[path]; ok && cut <= size {
		return
	}
	delete(f.cuts, path)
	if size%f.blockSize != 0 && bm.Contains(uint32(size/f.blockSize)) {
		f.cuts[path] = size
	}
}

// extents coalesces present blocks into regions clipped to size and to
// any mid-block cut.
func (f *FS) extents(path string, size int64) []extent.Region {
	f.mu.Lock()
	bm, ok := f.present[path]
	var blocks []uint32
	if ok {
		blocks = bm.ToArray()
	}
	cut, hasCut := f.cuts[path]
	f.mu.Unlock()

	var regions []extent.Region
	for _, b := range blocks {
		start := int64(b) * f.blockSize
		if start >= size {
			break
		}
		end := min(start+f.blockSize, size)
		if hasCut && cut > start && cut < end {
			end = cut
		}
		regions = append(regions, extent.NewRegion(start, end-start))
	}
	return extent.Coalesce(regions)
}

func (f *FS) noteClose(path string) {
	f.mu.Lock()
	f.stats.Closes++
	f.mu.Unlock()
	f.logger.Debug("native close", "path", path)
}
