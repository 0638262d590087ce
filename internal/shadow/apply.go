package shadow

import (
	"fmt"
	"io"

	"github.com/roach88/fsreplay/internal/activity"
)

// Apply is the step every instrumented stream submits to the harness.
//
// Apply depends only on its arguments, so a recorded request can be fed
// back through it during replay. For every operation other than open and
// close it first resolves the native stream:
//
//  1. Look the request's handle up in the context.
//  2. If absent, the open that produced it lies outside the window being
//     executed: reopen it from req.Open and store it under the same handle.
//  3. If the native stream is seekable and its position differs from the
//     shadow position carried by the request, seek it there.
//
// Errors raised by the native stream are returned unchanged.
func Apply(fs activity.FileSystem, actx *activity.Context, req activity.Request) (activity.Response, error) {
	switch req.Op {
	case activity.OpOpen:
		return applyOpen(fs, actx, req)
	case activity.OpClose:
		return applyClose(actx, req)
	}

	native, reopened, err := resolve(fs, actx, req)
	if err != nil {
		return activity.Response{Reopened: reopened}, err
	}

	resp, err := dispatch(native, req)
	resp.Reopened = reopened
	return resp, err
}

// applyOpen opens the native stream unless the context was already seeded.
func applyOpen(fs activity.FileSystem, actx *activity.Context, req activity.Request) (activity.Response, error) {
	if _, ok := actx.Lookup(req.Handle); ok {
		return activity.Response{}, nil
	}
	native, err := req.Open.Open(fs)
	if err != nil {
		return activity.Response{}, err
	}
	actx.Store(req.Handle, native)
	return activity.Response{}, nil
}

// applyClose removes the context entry and closes the native stream.
// A missing entry is not reconstructed just to be closed.
func applyClose(actx *activity.Context, req activity.Request) (activity.Response, error) {
	native, ok := actx.Remove(req.Handle)
	if !ok {
		return activity.Response{}, nil
	}
	return activity.Response{}, native.Close()
}

func resolve(fs activity.FileSystem, actx *activity.Context, req activity.Request) (activity.NativeStream, bool, error) {
	native, ok := actx.Lookup(req.Handle)
	reopened := false
	if !ok {
		n, err := req.Open.Open(fs)
		if err != nil {
			return nil, false, fmt.Errorf("reconstruct %s: %w", req.Handle.Key(), err)
		}
		actx.Store(req.Handle, n)
		native, reopened = n, true
	}

	if !native.CanSeek() {
		return native, reopened, nil
	}

	cur, err := native.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, reopened, fmt.Errorf("query native position: %w", err)
	}
	if cur != req.Position {
		if _, err := native.Seek(req.Position, io.SeekStart); err != nil {
			return nil, reopened, fmt.Errorf("reposition native to %d: %w", req.Position, err)
		}
	}
	return native, reopened, nil
}

func dispatch(native activity.NativeStream, req activity.Request) (activity.Response, error) {
	switch req.Op {
	case activity.OpRead:
		// Private buffer: the caller's memory is never handed to the
		// stream under test.
		buf := make([]byte, req.Count)
		n, err := native.Read(buf)
		eof := err == io.EOF
		if eof {
			err = nil
		}
		if err != nil {
			return activity.Response{}, err
		}
		return activity.Response{N: n, Data: buf[:n], EOF: eof}, nil

	case activity.OpWrite:
		n, err := native.Write(req.Data)
		return activity.Response{N: n}, err

	case activity.OpSeek:
		pos, err := native.Seek(req.Offset, req.Whence)
		return activity.Response{Position: pos}, err

	case activity.OpPosition:
		pos, err := native.Seek(0, io.SeekCurrent)
		return activity.Response{Position: pos}, err

	case activity.OpSetPosition:
		// The adopted position is reported for the log only; the stream
		// keeps the requested value as its shadow position.
		pos, err := native.Seek(req.Offset, io.SeekStart)
		return activity.Response{Position: pos}, err

	case activity.OpFlush:
		return activity.Response{}, native.Flush()

	case activity.OpSetLength:
		return activity.Response{}, native.SetLength(req.Offset)

	case activity.OpCanRead:
		return activity.Response{Flag: native.CanRead()}, nil

	case activity.OpCanWrite:
		return activity.Response{Flag: native.CanWrite()}, nil

	case activity.OpCanSeek:
		return activity.Response{Flag: native.CanSeek()}, nil

	case activity.OpExtents:
		regions, err := native.Extents()
		return activity.Response{Extents: regions}, err

	default:
		return activity.Response{}, fmt.Errorf("unknown op %q", req.Op)
	}
}
