package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fsreplay/internal/extent"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventActivity, Seq: 1, Op: "open", Stream: "a"},
		{Type: EventActivity, Seq: 2, Op: "write", Stream: "a", Input: []byte("abc"), N: 3},
		{Type: EventActivity, Seq: 3, Op: "read", Stream: "b", Position: 0, Count: 4, N: 2, Output: []byte("hi"), EOF: true},
		{Type: EventLockdown, Seq: 3, Reason: "byte mismatch"},
		{Type: EventActivity, Seq: 4, Op: "extents", Stream: "a", Position: 3, Extents: []extent.Region{extent.NewRegion(0, 16)}},
		{Type: EventActivity, Seq: 5, Op: "write", Stream: "b", Input: []byte{0xff, 0x00}, N: 2},
	}
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Op:     "write",
		Stream: "a",
		Fields: map[string]any{"input": "abc"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_NotFound(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type: AssertTraceContains,
		Op:   "flush",
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, AssertTraceContains, assertErr.Type)
	assert.Contains(t, assertErr.Expected, "flush on any stream")
	assert.Equal(t, "not found in trace", assertErr.Actual)
}

func TestAssertTraceContains_WrongStream(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Op:     "read",
		Stream: "a",
	})
	assert.Error(t, err)
}

func TestAssertTraceContains_WrongFields(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Op:     "write",
		Stream: "a",
		Fields: map[string]any{"n": 4},
	})
	assert.Error(t, err)
}

func TestAssertTraceContains_BinaryPayloadAsHex(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Op:     "write",
		Stream: "b",
		Fields: map[string]any{"input": "hex:ff00"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_Extents(t *testing.T) {
	// Shape produced by decoding YAML.
	err := assertTraceContains(sampleTrace(), Assertion{
		Type: AssertTraceContains,
		Op:   "extents",
		Fields: map[string]any{
			"extents": []any{map[string]any{"start": 0, "length": 16}},
		},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_IgnoresLockdowns(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:   AssertTraceContains,
		Op:     "",
		Fields: map[string]any{"reason": "byte mismatch"},
	})
	assert.Error(t, err)
}

func TestAssertTraceOrder_Correct(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{"open", "read", "extents"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{"extents", "write"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extents (pos 5) should be before write (pos 2)")
}

func TestAssertTraceOrder_MissingOp(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Type: AssertTraceOrder,
		Ops:  []string{"open", "close"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing op: close")
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		stream  string
		count   int
		wantErr bool
	}{
		{"exact any stream", "write", "", 2, false},
		{"exact one stream", "write", "b", 1, false},
		{"too few", "write", "", 3, true},
		{"too many", "write", "", 1, true},
		{"zero", "close", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(sampleTrace(), Assertion{
				Type:   AssertTraceCount,
				Op:     tt.op,
				Stream: tt.stream,
				Count:  tt.count,
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatchFields_SubsetSemantics(t *testing.T) {
	actual := map[string]any{"op": "read", "n": 2, "eof": true}

	assert.True(t, matchFields(actual, nil))
	assert.True(t, matchFields(actual, map[string]any{"eof": true}))
	assert.False(t, matchFields(actual, map[string]any{"eof": false}))
	assert.False(t, matchFields(actual, map[string]any{"missing": 1}))
	assert.False(t, matchFields(actual, map[string]any{"n": int64(2)}), "integers are int")
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(nil, nil))
	assert.False(t, valuesEqual(nil, 1))
	assert.False(t, valuesEqual("a", nil))
	assert.True(t, valuesEqual([]any{1, "x"}, []any{1, "x"}))
	assert.False(t, valuesEqual([]any{1}, []any{2}))
}

func TestEvaluateAssertions(t *testing.T) {
	errs := EvaluateAssertions(sampleTrace(), []Assertion{
		{Type: AssertTraceContains, Op: "open"},
		{Type: AssertTraceCount, Op: "read", Count: 2},
		{Type: "final_state"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "1 occurrences")
	assert.Contains(t, errs[1], `unknown assertion type "final_state"`)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of close on a",
		Actual:   "0 occurrences",
		Trace:    sampleTrace()[2:4],
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 1 occurrences of close on a")
	assert.Contains(t, msg, "[3] read b @0")
	assert.Contains(t, msg, "[3] lockdown: byte mismatch")
}

func TestTraceEvent_Fields(t *testing.T) {
	read := sampleTrace()[2].Fields()
	assert.Equal(t, map[string]any{
		"type":     EventActivity,
		"seq":      3,
		"op":       "read",
		"stream":   "b",
		"position": 0,
		"count":    4,
		"n":        2,
		"output":   "hi",
		"eof":      true,
	}, read)

	lockdown := sampleTrace()[3].Fields()
	assert.Equal(t, map[string]any{"type": EventLockdown, "seq": 3, "reason": "byte mismatch"}, lockdown)

	failed := TraceEvent{Type: EventActivity, Seq: 9, Op: "flush", Stream: "a", Error: "disk full", Reopened: true}.Fields()
	assert.Equal(t, "disk full", failed["error"])
	assert.Equal(t, true, failed["reopened"])
}
