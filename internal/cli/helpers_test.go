package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fsreplay/internal/engine"
)

const overwriteScenario = `
name: overwrite
description: Overwrite two bytes of a seeded file and read the rest
seeds:
  - path: d.bin
    length: 6
    regions: [{ start: 0, data: "abcdef" }]
streams:
  - { name: a, path: d.bin, flags: [rdwr] }
steps:
  - op: set_position
    stream: a
    position: 2
  - op: write
    stream: a
    data: "XY"
  - op: read
    stream: a
    count: 2
    expect: { data: "ef" }
expect:
  files:
    - { path: d.bin, contents: "abXYef" }
`

const rewindScenario = `
name: rewind
description: Write at the start of a seeded file and read the bytes back
seeds:
  - path: d.bin
    length: 6
    regions: [{ start: 0, data: "abcdef" }]
streams:
  - { name: a, path: d.bin, flags: [rdwr] }
steps:
  - op: write
    stream: a
    data: "XY"
  - op: set_position
    stream: a
    position: 0
  - op: read
    stream: a
    count: 2
    expect: { data: "XY" }
`

const failingScenario = `
name: failing
description: Expects a byte count the write never reports
streams:
  - { name: a, path: f.bin }
steps:
  - op: write
    stream: a
    data: "abc"
    expect: { n: 9 }
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs cmd with args under a fresh root and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// recordRun records overwriteScenario under runID and returns the database
// path.
func recordRun(t *testing.T, runID string) string {
	t.Helper()
	return recordScenario(t, runID, overwriteScenario)
}

// recordScenario runs scenario into a fresh database under runID and
// returns the database path.
func recordScenario(t *testing.T, runID, scenario string) string {
	t.Helper()
	dir := t.TempDir()
	path := writeFile(t, dir, "scenario.yaml", scenario)
	db := filepath.Join(dir, "runs.db")

	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		Database:    db,
		Codec:       "zstd",
		RunIDs:      engine.NewFixedGenerator(runID),
	}
	cmd := NewRunCommand(opts.RootOptions)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, runScenarioFile(opts, path, cmd))
	return db
}
