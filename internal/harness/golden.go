package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fsreplay/internal/ir"
)

// goldenDir holds golden traces, relative to the test's package.
const goldenDir = "testdata/golden"

// MarshalTrace renders a result's trace as canonical JSON:
//
//	{"run_id":...,"scenario_name":...,"trace":[{...},...]}
//
// Every event is rendered from TraceEvent.Fields, so golden files and
// trace assertions see the same keys. Activity ids are content hashes and
// are left out; run_id is omitted when empty.
func MarshalTrace(scenarioName string, result *Result) ([]byte, error) {
	events := make(ir.Array, 0, len(result.Trace))
	for i, event := range result.Trace {
		v, err := toIR(event.Fields())
		if err != nil {
			return nil, fmt.Errorf("trace[%d]: %w", i, err)
		}
		events = append(events, v)
	}

	doc := ir.Object{
		"scenario_name": ir.String(scenarioName),
		"trace":         events,
	}
	if result.RunID != "" {
		doc["run_id"] = ir.String(result.RunID)
	}
	return ir.MarshalCanonical(doc)
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden trace. A
// mismatch fails t through goldie; the error reports marshalling problems.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	trace, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t, goldie.WithFixtureDir(goldenDir), goldie.WithNameSuffix(".golden"))
	g.Assert(t, scenarioName, trace)
	return nil
}

// toIR converts a trace field value. Canonical JSON has no null and no
// floats, so both are rejected.
func toIR(val any) (ir.Value, error) {
	switch v := val.(type) {
	case nil:
		return nil, fmt.Errorf("null values are forbidden in canonical JSON")
	case string:
		return ir.String(v), nil
	case bool:
		return ir.Bool(v), nil
	case int:
		return ir.Int(int64(v)), nil
	case int64:
		return ir.Int(v), nil
	case []any:
		arr := make(ir.Array, len(v))
		for i := range v {
			elem, err := toIR(v[i])
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = elem
		}
		return arr, nil
	case map[string]any:
		obj := make(ir.Object, len(v))
		for key := range v {
			elem, err := toIR(v[key])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			obj[key] = elem
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unsupported type %T", val)
}
