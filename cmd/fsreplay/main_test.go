package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const scenario = `
name: smoke
description: One write through one stream
streams:
  - { name: a, path: f.bin }
steps:
  - op: write
    stream: a
    data: "hello"
    expect: { n: 5 }
`

func TestRun_ExitCodes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smoke.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "--db", filepath.Join(dir, "runs.db"), path}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "scenario smoke passed (2 activities)")

	stdout.Reset()
	stderr.Reset()
	code = run([]string{"test", filepath.Join(dir, "absent")}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "scenarios directory not found")

	code = run([]string{"run", path}, &stdout, &stderr)
	assert.Equal(t, 1, code, "missing required flag")
}
