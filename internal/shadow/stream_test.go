package shadow

import (
	"bytes"
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
	"github.com/roach88/fsreplay/internal/testutil"
)

var errBoom = errors.New("boom")

func rw(path string) activity.OpenSpec {
	return activity.OpenSpec{Path: path, Flag: os.O_RDWR | os.O_CREATE, Perm: 0o644}
}

func setup(t *testing.T) (*testutil.FakeFS, *testutil.Harness) {
	t.Helper()
	fs := testutil.NewFakeFS()
	return fs, testutil.NewHarness(fs)
}

func openStream(t *testing.T, h *testutil.Harness, path string) *Stream {
	t.Helper()
	s, err := Open(context.Background(), h, rw(path))
	require.NoError(t, err)
	return s
}

func TestOpen_StoresNativeStream(t *testing.T) {
	fs, h := setup(t)

	s := openStream(t, h, "a.bin")

	assert.Equal(t, 1, fs.Opens())
	_, ok := h.Context().Lookup(s.Handle())
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.ShadowPosition())
	assert.Equal(t, "a.bin", s.Name())
}

func TestOpen_Error(t *testing.T) {
	_, h := setup(t)

	_, err := Open(context.Background(), h, activity.OpenSpec{Path: "missing", Flag: os.O_RDONLY})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWrite_AdvancesByRequestedLength(t *testing.T) {
	fs, h := setup(t)
	fs.ShortWrite = 3

	s := openStream(t, h, "a.bin")
	n, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)

	assert.Equal(t, 10, n)
	assert.Equal(t, int64(10), s.ShadowPosition())
	// The native stream only took three bytes.
	assert.Equal(t, []byte("012"), fs.Contents("a.bin"))
}

func TestWrite_PrivateCopy(t *testing.T) {
	fs, h := setup(t)
	fs.ScribbleWrites = true

	s := openStream(t, h, "a.bin")
	p := []byte("hello")
	_, err := s.Write(p)
	require.NoError(t, err)

	assert.Equal(t, []byte("hello"), p, "native stream must not see the caller's buffer")
	assert.Equal(t, []byte("hello"), fs.Contents("a.bin"))
}

func TestWrite_Empty(t *testing.T) {
	_, h := setup(t)
	s := openStream(t, h, "a.bin")

	n, err := s.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), s.ShadowPosition())
	assert.Len(t, h.Requests(), 2, "an empty write is still an activity")
}

func TestRead_CopiesOnlyBytesRead(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("abcdefgh"))
	fs.ReadLimit = 3

	s := openStream(t, h, "a.bin")
	p := bytes.Repeat([]byte{0xAA}, 8)
	n, err := s.Read(p)
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), p[:3])
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 5), p[3:])
	assert.Equal(t, int64(3), s.ShadowPosition())
}

func TestRead_CallerOffset(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("xyz"))

	s := openStream(t, h, "a.bin")
	p := bytes.Repeat([]byte{'.'}, 7)
	n, err := s.Read(p[2:5])
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("..xyz.."), p)
}

func TestRead_EOF(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("ab"))

	s := openStream(t, h, "a.bin")
	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), data)

	n, err := s.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(2), s.ShadowPosition())
}

func TestRead_ZeroLength(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("ab"))

	s := openStream(t, h, "a.bin")
	n, err := s.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, h.Requests(), 2)
}

func TestRead_ErrorLeavesShadowPosition(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("abcdef"))

	s := openStream(t, h, "a.bin")
	_, err := s.Seek(2, io.SeekStart)
	require.NoError(t, err)

	fs.FailNext(activity.OpRead, errBoom)
	_, err = s.Read(make([]byte, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	var pathErr *iofs.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "read", pathErr.Op)
	assert.Equal(t, int64(2), s.ShadowPosition())
}

func TestWrite_ErrorLeavesShadowPosition(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")

	fs.FailNext(activity.OpWrite, errBoom)
	n, err := s.Write([]byte("abc"))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), s.ShadowPosition())
}

func TestSeek_AdoptsNativePosition(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", make([]byte, 100))

	s := openStream(t, h, "a.bin")

	pos, err := s.Seek(40, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos)

	got, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(40), got)

	pos, err = s.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(90), pos)
	assert.Equal(t, int64(90), s.ShadowPosition())

	pos, err = s.Seek(5, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(95), pos)
}

func TestSeek_ClampedByNative(t *testing.T) {
	fs, h := setup(t)
	fs.ClampSeek = 50

	s := openStream(t, h, "a.bin")
	pos, err := s.Seek(80, io.SeekStart)
	require.NoError(t, err)

	assert.Equal(t, int64(50), pos)
	assert.Equal(t, int64(50), s.ShadowPosition())
}

func TestSetPosition_KeepsRequestedValue(t *testing.T) {
	fs, h := setup(t)
	fs.ClampSeek = 50

	s := openStream(t, h, "a.bin")
	require.NoError(t, s.SetPosition(80))

	// The shadow keeps the requested value; the native stream clamped it.
	assert.Equal(t, int64(80), s.ShadowPosition())

	native, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(50), native)
	assert.Equal(t, int64(80), s.ShadowPosition(), "Position must not touch the shadow")

	// The next write is submitted at the requested position and advances
	// from it.
	n, err := s.Write([]byte("xy"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(82), s.ShadowPosition())

	reqs := h.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, activity.OpWrite, last.Op)
	assert.Equal(t, int64(80), last.Position)
}

func TestPosition_DoesNotMutateShadow(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("abcdef"))

	s := openStream(t, h, "a.bin")
	require.NoError(t, s.SetPosition(4))

	// Move the native cursor behind the stream's back.
	native := fs.Streams()[0]
	_, err := native.Seek(1, io.SeekStart)
	require.NoError(t, err)

	pos, err := s.Position()
	require.NoError(t, err)
	// The activity repositions the native stream to the shadow first.
	assert.Equal(t, int64(4), pos)
	assert.Equal(t, int64(4), s.ShadowPosition())
}

func TestResolve_RepositionsNative(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("0123456789"))

	s := openStream(t, h, "a.bin")
	require.NoError(t, s.SetPosition(6))

	native := fs.Streams()[0]
	_, err := native.Seek(0, io.SeekStart)
	require.NoError(t, err)

	p := make([]byte, 2)
	_, err = s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("67"), p)
}

func TestResolve_NotSeekable(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("0123456789"))

	s := openStream(t, h, "a.bin")
	native := fs.Streams()[0]
	native.Seekable = false
	_, err := native.Seek(5, io.SeekStart)
	require.NoError(t, err)

	p := make([]byte, 2)
	_, err = s.Read(p)
	require.NoError(t, err)
	// No repositioning: the read happens wherever the native cursor is.
	assert.Equal(t, []byte("56"), p)
	assert.Equal(t, int64(2), s.ShadowPosition())
}

func TestLazyConstruction(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("abc"))

	s := New(context.Background(), h, rw("a.bin"))
	assert.Equal(t, 0, fs.Opens())
	assert.Equal(t, 0, h.Context().Len())

	p := make([]byte, 3)
	_, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), p)
	assert.Equal(t, 1, fs.Opens())
	assert.Equal(t, 1, h.Context().Len())
}

func TestSetNativeStream_SkipsReconstruction(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("abc"))

	native, err := fs.OpenStream("a.bin", os.O_RDONLY, 0)
	require.NoError(t, err)

	s := New(context.Background(), h, activity.OpenSpec{Path: "a.bin", Flag: os.O_RDONLY})
	s.SetNativeStream(h.Context(), native)

	_, err = s.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, fs.Opens(), "only the seeded open")
}

func TestReconstruction_NewPass(t *testing.T) {
	fs, h := setup(t)

	s := openStream(t, h, "a.bin")
	_, err := s.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = s.Seek(3, io.SeekStart)
	require.NoError(t, err)

	// A new pass starts with an empty context, as when a replay window
	// begins after the open.
	h.NewPass(fs)

	p := make([]byte, 4)
	n, err := s.Read(p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("3456"), p)
	assert.Equal(t, 2, fs.Opens())
	assert.Equal(t, int64(7), s.ShadowPosition())
}

func TestReconstruction_OpenError(t *testing.T) {
	fs, h := setup(t)
	s := New(context.Background(), h, activity.OpenSpec{Path: "missing", Flag: os.O_RDONLY})

	_, err := s.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconstruct stream/1")
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, 0, fs.Opens())
}

func TestApply_ReportsReopened(t *testing.T) {
	fs := testutil.NewFakeFS()
	fs.SetContents("a.bin", []byte("abcdef"))
	actx := activity.NewContext()

	req := activity.Request{
		Op:       activity.OpRead,
		Handle:   7,
		Open:     activity.OpenSpec{Path: "a.bin", Flag: os.O_RDONLY},
		Position: 2,
		Count:    3,
	}
	resp, err := Apply(fs, actx, req)
	require.NoError(t, err)
	assert.True(t, resp.Reopened)
	assert.Equal(t, []byte("cde"), resp.Data)

	resp, err = Apply(fs, actx, req)
	require.NoError(t, err)
	assert.False(t, resp.Reopened)
}

func TestApply_UnknownOp(t *testing.T) {
	fs := testutil.NewFakeFS()
	fs.SetContents("a.bin", nil)

	_, err := Apply(fs, activity.NewContext(), activity.Request{Op: "truncate", Open: rw("a.bin")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}

func TestReplayWindow_MatchesOriginal(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", []byte("the quick brown fox"))

	s := openStream(t, h, "a.bin")
	_, err := s.Seek(4, io.SeekStart)
	require.NoError(t, err)
	first := make([]byte, 5)
	_, err = s.Read(first)
	require.NoError(t, err)
	second := make([]byte, 6)
	_, err = s.Read(second)
	require.NoError(t, err)

	// Replay from the first read: the open and the seek are outside the
	// window.
	replayFS := testutil.NewFakeFS()
	replayFS.SetContents("a.bin", []byte("the quick brown fox"))
	resps, errs := h.Replay(replayFS, 2, Apply)

	require.Len(t, resps, 2)
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, resps[0].Reopened)
	assert.False(t, resps[1].Reopened)
	assert.Equal(t, first, resps[0].Data)
	assert.Equal(t, second, resps[1].Data)
}

func TestCapabilities_NotCached(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")
	native := fs.Streams()[0]

	ok, err := s.CanWrite()
	require.NoError(t, err)
	assert.True(t, ok)

	native.Writable = false
	ok, err = s.CanWrite()
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CanRead()
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanSeek()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExtents_ReflectCurrentState(t *testing.T) {
	_, h := setup(t)
	s := openStream(t, h, "a.bin")

	regions, err := s.Extents()
	require.NoError(t, err)
	assert.Empty(t, regions)

	_, err = s.Write([]byte("abcd"))
	require.NoError(t, err)

	regions, err = s.Extents()
	require.NoError(t, err)
	assert.Equal(t, []extent.Region{extent.NewRegion(0, 4)}, regions)
}

func TestFlushAndSetLength(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")
	_, err := s.Write([]byte("abcdef"))
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	require.NoError(t, s.SetLength(2))
	assert.Equal(t, []byte("ab"), fs.Contents("a.bin"))
	assert.Equal(t, int64(6), s.ShadowPosition())

	fs.FailNext(activity.OpFlush, errBoom)
	assert.ErrorIs(t, s.Flush(), errBoom)
}

func TestClose_RemovesEntryAndClosesOnce(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")
	native := fs.Streams()[0]

	require.NoError(t, s.Close())
	assert.True(t, s.Disposed())
	assert.Equal(t, 0, h.Context().Len())
	assert.Equal(t, 1, native.Closes())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, native.Closes())
}

func TestClose_InLockdownLeavesNative(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")
	native := fs.Streams()[0]

	h.SetLockdown(true)
	require.NoError(t, s.Close())

	assert.True(t, s.Disposed())
	assert.Equal(t, 0, native.Closes())
	_, ok := h.Context().Lookup(s.Handle())
	assert.True(t, ok, "entry stays inspectable in lockdown")

	// Leaving lockdown does not resurrect the dispose.
	h.SetLockdown(false)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, native.Closes())
}

func TestClose_NeverReconstructs(t *testing.T) {
	fs, h := setup(t)
	fs.SetContents("a.bin", nil)

	s := New(context.Background(), h, rw("a.bin"))
	require.NoError(t, s.Close())
	assert.Equal(t, 0, fs.Opens())
}

func TestClose_NativeError(t *testing.T) {
	fs, h := setup(t)
	s := openStream(t, h, "a.bin")

	fs.FailNext(activity.OpClose, errBoom)
	err := s.Close()
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, s.Disposed())
	assert.Equal(t, 0, h.Context().Len())
}

func TestUseAfterClose(t *testing.T) {
	_, h := setup(t)
	s := openStream(t, h, "a.bin")
	require.NoError(t, s.Close())

	before := len(h.Requests())

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, iofs.ErrClosed)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = s.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, ErrClosed)

	assert.Len(t, h.Requests(), before, "no activity after dispose")
}

func TestCancelledContext(t *testing.T) {
	_, h := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Open(ctx, h, rw("a.bin"))
	require.NoError(t, err)

	cancel()
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), s.ShadowPosition())
}

func TestConcurrentConstruction_DistinctHandles(t *testing.T) {
	_, h := setup(t)

	const workers, perWorker = 8, 200
	handles := make([][]activity.Handle, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				s := New(context.Background(), h, rw("a.bin"))
				handles[w] = append(handles[w], s.Handle())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[activity.Handle]bool)
	for _, hs := range handles {
		for _, hd := range hs {
			assert.False(t, seen[hd], "duplicate handle %d", hd)
			seen[hd] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestConcurrentStreams_SerializedActivities(t *testing.T) {
	fs, h := setup(t)

	const streams = 6
	var g errgroup.Group
	for i := 0; i < streams; i++ {
		i := i
		g.Go(func() error {
			s, err := Open(context.Background(), h, rw("shared.bin"))
			if err != nil {
				return err
			}
			for j := 0; j < 50; j++ {
				if _, err := s.Write([]byte{byte(i)}); err != nil {
					return err
				}
			}
			return s.Close()
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, streams, fs.Opens())
	assert.Equal(t, streams, fs.Closes())
	assert.Equal(t, 0, h.Context().Len())
	assert.Len(t, fs.Contents("shared.bin"), 50)
}

func TestEndToEnd_LockdownLifecycle(t *testing.T) {
	t.Run("in lockdown", func(t *testing.T) {
		fs, h := setup(t)
		fs.SetContents("disk.img", make([]byte, 100))

		s := openStream(t, h, "disk.img")
		_, err := s.Write([]byte("0123456789"))
		require.NoError(t, err)
		assert.Equal(t, int64(10), s.ShadowPosition())

		h.SetLockdown(true)
		require.NoError(t, s.Close())

		native := fs.Streams()[0]
		assert.False(t, native.Closed())
		_, ok := h.Context().Lookup(s.Handle())
		assert.True(t, ok)
	})

	t.Run("out of lockdown", func(t *testing.T) {
		fs, h := setup(t)
		fs.SetContents("disk.img", make([]byte, 100))

		s := openStream(t, h, "disk.img")
		_, err := s.Write([]byte("0123456789"))
		require.NoError(t, err)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		native := fs.Streams()[0]
		assert.Equal(t, 1, native.Closes())
		assert.Equal(t, 0, h.Context().Len())
		assert.Equal(t, []byte("0123456789"), fs.Contents("disk.img")[:10])
	})
}
