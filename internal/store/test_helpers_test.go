package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fsreplay/internal/activity"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun inserts a run with minimal fields.
func createTestRun(t *testing.T, s *Store, id string) Run {
	t.Helper()
	run := Run{
		ID:          id,
		Scenario:    "test",
		BlockSize:   4096,
		LogVersion:  "1",
		ToolVersion: "0.1.0",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// createTestActivity builds an activity for run at seq.
func createTestActivity(runID string, seq int64, h activity.Handle, op activity.Op) Activity {
	return Activity{
		ID:    fmt.Sprintf("act-%s-%03d", runID, seq),
		RunID: runID,
		Seq:   seq,
		Request: activity.Request{
			Op:     op,
			Handle: h,
			Open:   activity.OpenSpec{Path: "f.bin", Flag: os.O_RDWR | os.O_CREATE, Perm: 0o644},
		},
	}
}
