package testutil

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
)

// FakeFS is an in-memory activity.FileSystem with fault knobs.
//
// Knobs apply to every stream, including streams already open:
//   - ClampSeek > 0 caps every seek result at ClampSeek (silently).
//   - ShortWrite > 0 stores at most ShortWrite bytes per write and reports it.
//   - ReadLimit > 0 returns at most ReadLimit bytes per read.
//   - ScribbleWrites overwrites the caller's write buffer after copying it.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeFS struct {
	mu      sync.Mutex
	files   map[string][]byte
	streams []*FakeStream
	fail    map[activity.Op]error

	OpenErr        error
	ClampSeek      int64
	ShortWrite     int
	ReadLimit      int
	ScribbleWrites bool

	opens  int
	closes int
}

// NewFakeFS creates an empty fake filesystem.
func NewFakeFS() *FakeFS {
	return &FakeFS{
		files: make(map[string][]byte),
		fail:  make(map[activity.Op]error),
	}
}

// SetContents replaces the contents of name.
func (f *FakeFS) SetContents(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[name] = append([]byte(nil), data...)
}

// Contents returns a copy of the contents of name.
func (f *FakeFS) Contents(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.files[name]...)
}

// FailNext makes the next native call of op fail with err.
// Supported ops: read, write, seek, flush, set_length, extents, close.
func (f *FakeFS) FailNext(op activity.Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Opens returns the number of successful OpenStream calls.
func (f *FakeFS) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closes returns the number of native Close calls across all streams.
func (f *FakeFS) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Streams returns every stream opened so far.
func (f *FakeFS) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

// OpenStream implements activity.FileSystem.
func (f *FakeFS) OpenStream(name string, flag int, perm os.FileMode) (activity.NativeStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	if _, ok := f.files[name]; !ok {
		if flag&os.O_CREATE == 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		f.files[name] = nil
	}
	if flag&os.O_TRUNC != 0 {
		f.files[name] = nil
	}

	mode := flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR)
	s := &FakeStream{
		fs:       f,
		name:     name,
		Readable: mode == os.O_RDONLY || mode == os.O_RDWR,
		Writable: mode == os.O_WRONLY || mode == os.O_RDWR,
		Seekable: true,
	}
	f.streams = append(f.streams, s)
	f.opens++
	return s, nil
}

func (f *FakeFS) takeFailure(op activity.Op) error {
	err := f.fail[op]
	delete(f.fail, op)
	return err
}

// FakeStream is a native stream of FakeFS. Capability fields may be flipped
// by tests at any time.
type FakeStream struct {
	fs     *FakeFS
	name   string
	pos    int64
	closed bool
	closes int

	Readable bool
	Writable bool
	Seekable bool
}

// Closes returns how often Close was called on this stream.
func (s *FakeStream) Closes() int {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.closes
}

// Closed reports whether the stream was closed.
func (s *FakeStream) Closed() bool {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.closed
}

// RawPosition returns the native cursor without going through Seek.
func (s *FakeStream) RawPosition() int64 {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.pos
}

func (s *FakeStream) Read(p []byte) (int, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if err := s.check(activity.OpRead); err != nil {
		return 0, err
	}

	data := s.fs.files[s.name]
	if s.pos >= int64(len(data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if s.fs.ReadLimit > 0 && len(p) > s.fs.ReadLimit {
		p = p[:s.fs.ReadLimit]
	}
	n := copy(p, data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *FakeStream) Write(p []byte) (int, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if err := s.check(activity.OpWrite); err != nil {
		return 0, err
	}
	if !s.Writable {
		return 0, fmt.Errorf("fake %s: not writable", s.name)
	}

	src := p
	if s.fs.ShortWrite > 0 && len(src) > s.fs.ShortWrite {
		src = src[:s.fs.ShortWrite]
	}

	data := s.fs.files[s.name]
	end := s.pos + int64(len(src))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[s.pos:], src)
	s.fs.files[s.name] = data
	s.pos = end

	if s.fs.ScribbleWrites {
		for i := range p {
			p[i] = 0xEE
		}
	}
	return len(src), nil
}

func (s *FakeStream) Seek(offset int64, whence int) (int64, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if err := s.check(activity.OpSeek); err != nil {
		return 0, err
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = int64(len(s.fs.files[s.name])) + offset
	default:
		return 0, fmt.Errorf("fake %s: invalid whence %d", s.name, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("fake %s: negative position %d", s.name, abs)
	}
	if s.fs.ClampSeek > 0 && abs > s.fs.ClampSeek {
		abs = s.fs.ClampSeek
	}
	s.pos = abs
	return abs, nil
}

func (s *FakeStream) Flush() error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	return s.check(activity.OpFlush)
}

func (s *FakeStream) SetLength(length int64) error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if err := s.check(activity.OpSetLength); err != nil {
		return err
	}
	data := s.fs.files[s.name]
	if length <= int64(len(data)) {
		s.fs.files[s.name] = data[:length]
		return nil
	}
	grown := make([]byte, length)
	copy(grown, data)
	s.fs.files[s.name] = grown
	return nil
}

func (s *FakeStream) CanRead() bool  { return s.Readable }
func (s *FakeStream) CanWrite() bool { return s.Writable }
func (s *FakeStream) CanSeek() bool  { return s.Seekable }

// Extents reports the whole file as one present region.
func (s *FakeStream) Extents() ([]extent.Region, error) {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	if err := s.check(activity.OpExtents); err != nil {
		return nil, err
	}
	size := int64(len(s.fs.files[s.name]))
	if size == 0 {
		return nil, nil
	}
	return []extent.Region{extent.NewRegion(0, size)}, nil
}

func (s *FakeStream) Close() error {
	s.fs.mu.Lock()
	defer s.fs.mu.Unlock()
	s.closes++
	s.fs.closes++
	if err := s.fs.takeFailure(activity.OpClose); err != nil {
		return err
	}
	s.closed = true
	return nil
}

// check must be called with fs.mu held.
func (s *FakeStream) check(op activity.Op) error {
	if s.closed {
		return os.ErrClosed
	}
	return s.fs.takeFailure(op)
}
