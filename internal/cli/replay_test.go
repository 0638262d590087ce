package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_FullLog(t *testing.T) {
	db := recordRun(t, "run-1")

	out, err := execute(t, "replay", "--db", db, "--run", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Run: run-1 (overwrite)")
	assert.Contains(t, out, "Executed: 4, skipped: 0, reconstructed streams: 0")
	assert.Contains(t, out, "✓ Replay matches the recorded log")
}

func TestReplay_Window(t *testing.T) {
	db := recordRun(t, "run-1")

	out, err := execute(t, "--format", "json", "replay", "--db", db, "--run", "run-1", "--from", "3")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ReplayReport{
		RunID:       "run-1",
		Scenario:    "overwrite",
		From:        3,
		Executed:    2,
		Skipped:     2,
		Reopened:    1,
		Divergences: []string{},
	}, resp.Data)
}

func TestReplay_WindowAfterWrite(t *testing.T) {
	db := recordScenario(t, "run-1", rewindScenario)

	out, err := execute(t, "replay", "--db", db, "--run", "run-1", "--from", "3", "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "Run: run-1 (rewind)")
	assert.Contains(t, out, "Executed: 2, skipped: 2, reconstructed streams: 1")
	assert.Contains(t, out, "✓ Replay matches the recorded log")
}

func TestReplay_WithChecker(t *testing.T) {
	db := recordRun(t, "run-1")

	out, err := execute(t, "replay", "--db", db, "--run", "run-1", "--check")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Replay matches the recorded log")
}

func TestReplay_CommandErrors(t *testing.T) {
	db := recordRun(t, "run-1")

	_, err := execute(t, "replay", "--db", db, "--run", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "run not found: missing", err.Error())

	_, err = execute(t, "replay", "--db", db, "--run", "run-1", "--from", "4", "--to", "2")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "empty replay window [4,2]", err.Error())

	_, err = execute(t, "replay", "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "run" not set`)
}
