// Package shadow implements the instrumented stream: a readable, writable,
// seekable, extent-enumerable stream facade that routes every operation
// through the harness's serialized activity executor.
//
// The stream keeps its own logical cursor, the shadow position. The native
// stream behind it may be closed and reopened between activities (for
// example when a replay window starts after the original open), so the
// native cursor is never trusted across calls: every activity carries the
// shadow position and the native stream is moved there before the
// operation runs.
//
// Cursor rules:
//   - Read advances the shadow position by the bytes actually read.
//   - Write advances it by len(p), whatever the native stream acknowledged.
//   - Seek adopts the position returned by the native stream.
//   - SetPosition adopts the requested value without reading it back.
//
// A Stream is not safe for concurrent use; ordering across streams is the
// harness's job.
package shadow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	iofs "io/fs"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
)

// ErrClosed is returned when a disposed stream is used.
var ErrClosed = fmt.Errorf("shadow stream disposed: %w", iofs.ErrClosed)

// Stream is the instrumented stream.
type Stream struct {
	ctx      context.Context
	harness  activity.Harness
	handle   activity.Handle
	open     activity.OpenSpec
	position int64
	disposed bool
}

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.Closer          = (*Stream)(nil)
)

// New creates a stream without opening it. The first activity finds no
// native stream in the context and reconstructs it from open.
//
// ctx bounds every activity the stream submits.
func New(ctx context.Context, h activity.Harness, open activity.OpenSpec) *Stream {
	return &Stream{
		ctx:     ctx,
		harness: h,
		handle:  h.NextHandle(),
		open:    open,
	}
}

// Open creates a stream and runs the open activity, which stores the native
// stream in the context.
func Open(ctx context.Context, h activity.Harness, open activity.OpenSpec) (*Stream, error) {
	s := New(ctx, h, open)
	if _, err := s.perform(activity.Request{Op: activity.OpOpen}); err != nil {
		return nil, s.pathError("open", err)
	}
	return s, nil
}

// Handle returns the replay handle of the stream.
func (s *Stream) Handle() activity.Handle { return s.handle }

// Name returns the path the stream was opened with.
func (s *Stream) Name() string { return s.open.Path }

// OpenSpec returns how the native stream is (re)opened.
func (s *Stream) OpenSpec() activity.OpenSpec { return s.open }

// ShadowPosition returns the locally held cursor without an activity.
func (s *Stream) ShadowPosition() int64 { return s.position }

// Disposed reports whether Close has been called.
func (s *Stream) Disposed() bool { return s.disposed }

// SetNativeStream seeds actx with an already open native stream so the first
// activity does not reconstruct it.
func (s *Stream) SetNativeStream(actx *activity.Context, native activity.NativeStream) {
	actx.Store(s.handle, native)
}

// Read reads up to len(p) bytes at the shadow position.
//
// The native read goes into a private buffer; exactly the bytes it returned
// are copied to p[:n] and nothing past p[n-1] is modified.
func (s *Stream) Read(p []byte) (int, error) {
	resp, err := s.perform(activity.Request{Op: activity.OpRead, Count: len(p)})
	if err != nil {
		return 0, s.pathError("read", err)
	}

	if resp.N < 0 || resp.N > len(p) || resp.N > len(resp.Data) {
		return 0, s.pathError("read", fmt.Errorf("native read reported %d bytes for a %d byte request", resp.N, len(p)))
	}
	n := copy(p[:resp.N], resp.Data[:resp.N])
	s.position += int64(n)
	if n == 0 && resp.EOF {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes p at the shadow position.
//
// A private copy of p is handed to the activity. On success the shadow
// position advances by len(p); partial native acknowledgements are not
// reported.
func (s *Stream) Write(p []byte) (int, error) {
	data := bytes.Clone(p)
	if data == nil {
		data = []byte{}
	}
	if _, err := s.perform(activity.Request{Op: activity.OpWrite, Data: data}); err != nil {
		return 0, s.pathError("write", err)
	}
	s.position += int64(len(p))
	return len(p), nil
}

// Seek seeks the native stream and adopts its resulting position.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	resp, err := s.perform(activity.Request{Op: activity.OpSeek, Offset: offset, Whence: whence})
	if err != nil {
		return 0, s.pathError("seek", err)
	}
	s.position = resp.Position
	return resp.Position, nil
}

// Position queries the native stream's position. The shadow position is not
// changed.
func (s *Stream) Position() (int64, error) {
	resp, err := s.perform(activity.Request{Op: activity.OpPosition})
	if err != nil {
		return 0, s.pathError("position", err)
	}
	return resp.Position, nil
}

// SetPosition moves the native stream to pos and sets the shadow position to
// pos. The position the native stream actually adopted is not read back.
func (s *Stream) SetPosition(pos int64) error {
	if _, err := s.perform(activity.Request{Op: activity.OpSetPosition, Offset: pos}); err != nil {
		return s.pathError("set_position", err)
	}
	s.position = pos
	return nil
}

// Flush flushes the native stream.
func (s *Stream) Flush() error {
	if _, err := s.perform(activity.Request{Op: activity.OpFlush}); err != nil {
		return s.pathError("flush", err)
	}
	return nil
}

// SetLength truncates or extends the native stream.
func (s *Stream) SetLength(length int64) error {
	if _, err := s.perform(activity.Request{Op: activity.OpSetLength, Offset: length}); err != nil {
		return s.pathError("set_length", err)
	}
	return nil
}

// CanRead asks the native stream; the answer is never cached.
func (s *Stream) CanRead() (bool, error) {
	return s.capability(activity.OpCanRead)
}

// CanWrite asks the native stream; the answer is never cached.
func (s *Stream) CanWrite() (bool, error) {
	return s.capability(activity.OpCanWrite)
}

// CanSeek asks the native stream; the answer is never cached.
func (s *Stream) CanSeek() (bool, error) {
	return s.capability(activity.OpCanSeek)
}

func (s *Stream) capability(op activity.Op) (bool, error) {
	resp, err := s.perform(activity.Request{Op: op})
	if err != nil {
		return false, s.pathError(string(op), err)
	}
	return resp.Flag, nil
}

// Extents returns the present regions of the native stream at call time.
func (s *Stream) Extents() ([]extent.Region, error) {
	resp, err := s.perform(activity.Request{Op: activity.OpExtents})
	if err != nil {
		return nil, s.pathError("extents", err)
	}
	return resp.Extents, nil
}

// Close disposes the stream.
//
// While the harness is in lockdown the native stream and its context entry
// are left alone so the failing state stays inspectable; the stream is still
// marked disposed. Otherwise a close activity closes the native stream and
// removes the context entry. Later calls return nil.
func (s *Stream) Close() error {
	if s.disposed {
		return nil
	}
	if s.harness.InLockdown() {
		s.disposed = true
		return nil
	}

	_, err := s.harness.Perform(s.ctx, s.request(activity.Request{Op: activity.OpClose}), Apply)
	s.disposed = true
	if err != nil {
		return s.pathError("close", err)
	}
	return nil
}

func (s *Stream) perform(req activity.Request) (activity.Response, error) {
	if s.disposed {
		return activity.Response{}, ErrClosed
	}
	return s.harness.Perform(s.ctx, s.request(req), Apply)
}

// request stamps the stream's identity and shadow position onto req.
func (s *Stream) request(req activity.Request) activity.Request {
	req.Handle = s.handle
	req.Open = s.open
	req.Position = s.position
	return req
}

func (s *Stream) pathError(op string, err error) error {
	return &iofs.PathError{Op: op, Path: s.open.Path, Err: err}
}
