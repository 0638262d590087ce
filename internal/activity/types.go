package activity

import (
	"context"
	"io"
	"os"

	"github.com/roach88/fsreplay/internal/extent"
)

// Op names a stream operation carried by an activity.
type Op string

const (
	OpOpen        Op = "open"
	OpRead        Op = "read"
	OpWrite       Op = "write"
	OpSeek        Op = "seek"
	OpPosition    Op = "position"
	OpSetPosition Op = "set_position"
	OpFlush       Op = "flush"
	OpSetLength   Op = "set_length"
	OpCanRead     Op = "can_read"
	OpCanWrite    Op = "can_write"
	OpCanSeek     Op = "can_seek"
	OpExtents     Op = "extents"
	OpClose       Op = "close"
)

// Ops lists every operation in declaration order.
var Ops = []Op{
	OpOpen, OpRead, OpWrite, OpSeek, OpPosition, OpSetPosition, OpFlush,
	OpSetLength, OpCanRead, OpCanWrite, OpCanSeek, OpExtents, OpClose,
}

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	for _, o := range Ops {
		if o == op {
			return true
		}
	}
	return false
}

// OpenSpec describes how to (re)open a native stream on a filesystem.
// It is the open factory in data form, so it survives being recorded.
type OpenSpec struct {
	Path string      `json:"path"`
	Flag int         `json:"flag"`
	Perm os.FileMode `json:"perm"`
}

// Open opens the described stream on fs.
func (o OpenSpec) Open(fs FileSystem) (NativeStream, error) {
	return fs.OpenStream(o.Path, o.Flag, o.Perm)
}

// Reopen returns the spec for reopening a stream that was already opened
// once: the file is neither truncated again nor required to be new.
func (o OpenSpec) Reopen() OpenSpec {
	o.Flag &^= os.O_TRUNC | os.O_EXCL
	return o
}

// Request is the input of one activity.
//
// Position carries the caller's shadow position at submission time. Offset
// is the seek offset, the requested position, or the requested length,
// depending on Op. Data is a private copy of the bytes to write.
type Request struct {
	Op       Op       `json:"op"`
	Handle   Handle   `json:"handle"`
	Open     OpenSpec `json:"open"`
	Position int64    `json:"position"`
	Offset   int64    `json:"offset,omitempty"`
	Whence   int      `json:"whence,omitempty"`
	Count    int      `json:"count,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// Response is the outcome of one activity.
//
// N is the native byte count, Position the native position the operation
// reported, Flag the answer to a capability query. Reopened is set when the
// native stream had to be reconstructed from the OpenSpec.
type Response struct {
	N        int             `json:"n,omitempty"`
	Position int64           `json:"position,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	Flag     bool            `json:"flag,omitempty"`
	EOF      bool            `json:"eof,omitempty"`
	Extents  []extent.Region `json:"extents,omitempty"`
	Reopened bool            `json:"reopened,omitempty"`
}

// FileSystem is the filesystem under test, reduced to the one capability the
// instrumented stream needs.
type FileSystem interface {
	OpenStream(name string, flag int, perm os.FileMode) (NativeStream, error)
}

// NativeStream is a stream produced by the filesystem under test.
type NativeStream interface {
	io.ReadWriteSeeker
	io.Closer

	// Flush commits buffered data to the filesystem.
	Flush() error
	// SetLength truncates or extends the stream.
	SetLength(length int64) error

	CanRead() bool
	CanWrite() bool
	CanSeek() bool

	// Extents returns the present regions of the stream at call time.
	Extents() ([]extent.Region, error)
}

// Step executes a request against a filesystem and a context.
type Step func(fs FileSystem, actx *Context, req Request) (Response, error)

// Executor runs steps one at a time, recording and checking each.
type Executor interface {
	Perform(ctx context.Context, req Request, step Step) (Response, error)
}

// LockdownReporter reports whether the filesystem under test is frozen in a
// failure state that must stay inspectable.
type LockdownReporter interface {
	InLockdown() bool
}

// Harness is everything the instrumented stream consumes from its driver.
type Harness interface {
	Executor
	LockdownReporter

	// NextHandle allocates a replay handle for a new stream.
	NextHandle() Handle
}
