package harness

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fsreplay/internal/activity"
)

const minimalScenario = `
name: minimal
description: One write
streams:
  - name: a
    path: f.bin
steps:
  - op: write
    stream: a
    data: "hi"
`

func TestLoadScenario_ValidFile(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/overwrite_tail.yaml")
	require.NoError(t, err)

	assert.Equal(t, "overwrite_tail", scenario.Name)
	assert.Equal(t, int64(16), scenario.BlockSize)
	assert.True(t, scenario.CheckEnabled())

	require.Len(t, scenario.Seeds, 1)
	assert.Equal(t, "d.bin", scenario.Seeds[0].Path)
	assert.Equal(t, []RegionData{{Start: 0, Data: "0123456789"}}, scenario.Seeds[0].Regions)

	require.Len(t, scenario.Steps, 7)
	assert.Equal(t, "seek", scenario.Steps[0].Op)
	assert.Equal(t, int64(4), scenario.Steps[0].Offset)
	require.NotNil(t, scenario.Steps[0].Expect)
	require.NotNil(t, scenario.Steps[0].Expect.Shadow)
	assert.Equal(t, int64(4), *scenario.Steps[0].Expect.Shadow)

	require.NotNil(t, scenario.Steps[4].Expect.Extents)
	assert.Equal(t, []RegionSpec{{Start: 0, Length: 10}}, *scenario.Steps[4].Expect.Extents)

	require.NotNil(t, scenario.Expect)
	require.Len(t, scenario.Expect.Files, 1)
	assert.Equal(t, "0123xy6789", *scenario.Expect.Files[0].Contents)

	require.Len(t, scenario.Assertions, 3)
	assert.Equal(t, map[string]any{"input": "xy", "n": 2, "position": 4}, scenario.Assertions[0].Fields)
}

func TestLoadScenario_AllTestdata(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		_, err := LoadScenario(path)
		assert.NoError(t, err, path)
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Minimal(t *testing.T) {
	scenario, err := ParseScenario("minimal.yaml", []byte(minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", scenario.Name)
	assert.Nil(t, scenario.Expect)

	open, err := scenario.Streams[0].OpenSpec()
	require.NoError(t, err)
	assert.Equal(t, activity.OpenSpec{Path: "f.bin", Flag: os.O_RDWR | os.O_CREATE, Perm: 0o644}, open)
}

func TestParseScenario_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "missing name",
			doc: `
description: x
steps: [{ op: flush, stream: a }]
`,
		},
		{
			name: "missing description",
			doc: `
name: x
steps: [{ op: flush, stream: a }]
`,
		},
		{
			name: "no steps",
			doc: `
name: x
description: x
steps: []
`,
		},
		{
			name: "unknown op",
			doc: `
name: x
description: x
steps: [{ op: truncate, stream: a }]
`,
		},
		{
			name: "unknown field",
			doc: `
name: x
description: x
stepz: []
steps: [{ op: flush, stream: a }]
`,
		},
		{
			name: "unknown flag",
			doc: `
name: x
description: x
streams: [{ name: a, path: f, flags: [sync] }]
steps: [{ op: flush, stream: a }]
`,
		},
		{
			name: "numeric perm",
			doc: `
name: x
description: x
streams: [{ name: a, path: f, perm: 644 }]
steps: [{ op: flush, stream: a }]
`,
		},
		{
			name: "negative count",
			doc: `
name: x
description: x
streams: [{ name: a, path: f }]
steps: [{ op: read, stream: a, count: -1 }]
`,
		},
		{
			name: "bad whence",
			doc: `
name: x
description: x
streams: [{ name: a, path: f }]
steps: [{ op: seek, stream: a, whence: middle }]
`,
		},
		{
			name: "bad name",
			doc: `
name: Has Spaces
description: x
steps: [{ op: unlock }]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario("bad.yaml", []byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "scenario does not match schema")
		})
	}
}

func TestParseScenario_Inconsistent(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name: "unknown stream",
			doc: `
name: x
description: x
streams: [{ name: a, path: f }]
steps: [{ op: flush, stream: b }]
`,
			wantErr: `steps[0]: unknown stream "b"`,
		},
		{
			name: "duplicate stream",
			doc: `
name: x
description: x
streams: [{ name: a, path: f }, { name: a, path: g }]
steps: [{ op: flush, stream: a }]
`,
			wantErr: `streams[1]: duplicate stream name "a"`,
		},
		{
			name: "two access modes",
			doc: `
name: x
description: x
streams: [{ name: a, path: f, flags: [rdonly, rdwr] }]
steps: [{ op: flush, stream: a }]
`,
			wantErr: "more than one access mode",
		},
		{
			name: "harness step with stream",
			doc: `
name: x
description: x
streams: [{ name: a, path: f }]
steps: [{ op: lockdown, stream: a }]
`,
			wantErr: "lockdown takes no stream",
		},
		{
			name: "seed region past length",
			doc: `
name: x
description: x
seeds: [{ path: f, length: 4, regions: [{ start: 2, data: "abc" }] }]
steps: [{ op: unlock }]
`,
			wantErr: "region ends at 5 past length 4",
		},
		{
			name: "empty replay window",
			doc: `
name: x
description: x
steps: [{ op: replay, from: 5, to: 2 }]
`,
			wantErr: "replay window [5,2] is empty",
		},
		{
			name: "assertion without op",
			doc: `
name: x
description: x
steps: [{ op: unlock }]
assertions: [{ type: trace_count, count: 1 }]
`,
			wantErr: "op is required for trace_count",
		},
		{
			name: "order without ops",
			doc: `
name: x
description: x
steps: [{ op: unlock }]
assertions: [{ type: trace_order }]
`,
			wantErr: "ops list is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario("bad.yaml", []byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid scenario")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseFlags(t *testing.T) {
	flag, err := ParseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, os.O_RDWR|os.O_CREATE, flag)

	flag, err = ParseFlags([]string{"wronly", "create", "trunc"})
	require.NoError(t, err)
	assert.Equal(t, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, flag)

	flag, err = ParseFlags([]string{"rdonly"})
	require.NoError(t, err)
	assert.Equal(t, os.O_RDONLY, flag)

	_, err = ParseFlags([]string{"bogus"})
	assert.ErrorContains(t, err, `unknown open flag "bogus"`)
}

func TestParsePerm(t *testing.T) {
	perm, err := ParsePerm("")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), perm)

	perm, err = ParsePerm("0600")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), perm)

	perm, err = ParsePerm("755")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), perm)

	_, err = ParsePerm("0999")
	assert.Error(t, err)
}

func TestParseWhence(t *testing.T) {
	for name, want := range map[string]int{"": io.SeekStart, "start": io.SeekStart, "current": io.SeekCurrent, "end": io.SeekEnd} {
		got, err := ParseWhence(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseWhence("middle")
	assert.Error(t, err)
}

func TestCheckEnabled(t *testing.T) {
	off := false
	assert.True(t, (&Scenario{}).CheckEnabled())
	assert.False(t, (&Scenario{Check: &off}).CheckEnabled())
}
