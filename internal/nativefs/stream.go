package nativefs

import (
	"io"

	"github.com/spf13/afero"

	"github.com/roach88/fsreplay/internal/activity"
	"github.com/roach88/fsreplay/internal/extent"
)

// Stream is a native stream over an afero.File.
type Stream struct {
	fs       *FS
	name     string
	file     afero.File
	readable bool
	writable bool
}

var _ activity.NativeStream = (*Stream)(nil)

func (s *Stream) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

// Write writes p and marks the written blocks present.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if n > 0 {
		end, serr := s.file.Seek(0, io.SeekCurrent)
		if serr == nil {
			s.fs.markWritten(s.name, end-int64(n), end)
		}
	}
	return n, err
}

func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	return s.file.Seek(offset, whence)
}

// Flush syncs the file.
func (s *Stream) Flush() error {
	return s.file.Sync()
}

// SetLength truncates or extends the file. Extension does not make the new
// bytes present.
func (s *Stream) SetLength(length int64) error {
	if err := s.file.Truncate(length); err != nil {
		return err
	}
	s.fs.truncateBlocks(s.name, length)
	return nil
}

func (s *Stream) CanRead() bool  { return s.readable }
func (s *Stream) CanWrite() bool { return s.writable }
func (s *Stream) CanSeek() bool  { return true }

// Extents returns the present regions of the file at call time.
func (s *Stream) Extents() ([]extent.Region, error) {
	info, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	return s.fs.extents(s.name, info.Size()), nil
}

func (s *Stream) Close() error {
	err := s.file.Close()
	s.fs.noteClose(s.name)
	return err
}
