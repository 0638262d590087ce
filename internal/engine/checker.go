package engine

import (
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/roach88/fsreplay/internal/activity"
)

// ModelChecker is a reference model of file contents.
//
// It learns bytes from seeds, writes and reads, and flags a read that
// returns something other than what the model knows, a read past a known
// end, a premature EOF, or an extent past a known end. Bytes the model has
// never seen are accepted and learned.
//
// Content is modeled below modelLimit only. Bytes at or past it are
// accepted unchecked, while file sizes are tracked in full.
//
// Thread-safety: ModelChecker is safe for concurrent use.
type ModelChecker struct {
	mu    sync.Mutex
	files map[string]*fileModel
}

// modelLimit bounds the offsets whose content is modeled; the known set
// is a 32-bit bitmap.
const modelLimit = int64(math.MaxUint32)

// modeled clips [lo, hi) to the modeled range.
func modeled(lo, hi int64) (int64, int64) {
	return min(lo, modelLimit), min(hi, modelLimit)
}

type fileModel struct {
	data      []byte
	known     *roaring.Bitmap
	size      int64
	sizeKnown bool
}

func newFileModel() *fileModel {
	return &fileModel{known: roaring.New()}
}

var _ Checker = (*ModelChecker)(nil)

// NewModelChecker creates a checker that knows nothing.
func NewModelChecker() *ModelChecker {
	return &ModelChecker{files: make(map[string]*fileModel)}
}

// Seed records the full contents of path.
func (c *ModelChecker) Seed(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := newFileModel()
	m.size = int64(len(data))
	m.sizeKnown = true
	m.learn(0, data)
	c.files[path] = m
}

// Check implements Checker.
func (c *ModelChecker) Check(req activity.Request, resp activity.Response, stepErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := req.Open.Path
	if stepErr != nil {
		// A failed write or truncate may have landed partially.
		if req.Op == activity.OpWrite || req.Op == activity.OpSetLength {
			delete(c.files, path)
		}
		return nil
	}
	if req.Open.Flag&os.O_APPEND != 0 {
		delete(c.files, path)
		return nil
	}

	truncated := req.Op == activity.OpOpen || resp.Reopened
	if truncated && req.Open.Flag&os.O_TRUNC != 0 {
		m := newFileModel()
		m.sizeKnown = true
		c.files[path] = m
	}

	switch req.Op {
	case activity.OpWrite:
		c.model(path).write(req.Position, req.Data[:clampN(resp.N, len(req.Data))])
	case activity.OpSetLength:
		c.model(path).setLength(req.Offset)
	case activity.OpRead:
		return c.model(path).read(req.Position, resp)
	case activity.OpExtents:
		m := c.files[path]
		if m == nil || !m.sizeKnown {
			return nil
		}
		for _, r := range resp.Extents {
			if r.End() > m.size {
				return fmt.Errorf("extent %s past end of file at %d", r, m.size)
			}
		}
	}
	return nil
}

func (c *ModelChecker) model(path string) *fileModel {
	m, ok := c.files[path]
	if !ok {
		m = newFileModel()
		c.files[path] = m
	}
	return m
}

func (m *fileModel) grow(end int64) {
	if int64(len(m.data)) < end {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
}

// learn records p as the content at pos, up to modelLimit.
func (m *fileModel) learn(pos int64, p []byte) {
	lo, hi := modeled(pos, pos+int64(len(p)))
	if lo >= hi {
		return
	}
	m.grow(hi)
	copy(m.data[lo:hi], p[:hi-lo])
	m.known.AddRange(uint64(lo), uint64(hi))
}

// learnZeros records [from, to) as zero bytes, up to modelLimit.
func (m *fileModel) learnZeros(from, to int64) {
	lo, hi := modeled(from, to)
	if lo >= hi {
		return
	}
	m.grow(hi)
	clear(m.data[lo:hi])
	m.known.AddRange(uint64(lo), uint64(hi))
}

func (m *fileModel) write(pos int64, p []byte) {
	if len(p) == 0 {
		return
	}
	end := pos + int64(len(p))
	if m.sizeKnown && pos > m.size {
		// The gap reads as zeros.
		m.learnZeros(m.size, pos)
	}
	m.learn(pos, p)
	if m.sizeKnown && end > m.size {
		m.size = end
	}
}

func (m *fileModel) setLength(length int64) {
	if m.sizeKnown && length > m.size {
		m.learnZeros(m.size, length)
	}
	if !m.known.IsEmpty() && length <= int64(m.known.Maximum()) {
		m.known.RemoveRange(uint64(length), uint64(m.known.Maximum())+1)
	}
	if int64(len(m.data)) > length {
		m.data = m.data[:length]
	}
	m.size = length
	m.sizeKnown = true
}

func (m *fileModel) read(pos int64, resp activity.Response) error {
	n := int64(resp.N)
	if m.sizeKnown {
		if pos+n > m.size {
			return fmt.Errorf("read [%d,%d) past end of file at %d", pos, pos+n, m.size)
		}
		if n == 0 && resp.EOF && pos < m.size {
			return fmt.Errorf("EOF at %d before end of file at %d", pos, m.size)
		}
	}
	if n == 0 {
		return nil
	}
	if int64(len(resp.Data)) < n {
		return fmt.Errorf("read returned %d bytes of data for n=%d", len(resp.Data), n)
	}

	lo, hi := modeled(pos, pos+n)
	for off := lo; off < hi; off++ {
		if m.known.Contains(uint32(off)) && m.data[off] != resp.Data[off-pos] {
			return fmt.Errorf("byte at %d is %#02x, model has %#02x", off, resp.Data[off-pos], m.data[off])
		}
	}

	m.learn(pos, resp.Data[:n])
	return nil
}

func clampN(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}
