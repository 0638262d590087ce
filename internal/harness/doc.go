// Package harness runs fsreplay scenarios: instrumented streams driven over
// a seeded in-memory filesystem, with every activity recorded, checked, and
// optionally replayed.
//
// # Scenario Format
//
// Scenarios are YAML files validated against an embedded CUE schema and
// then decoded strictly (unknown fields are errors):
//
//	name: overwrite_tail
//	description: "Overwrite the tail of a seeded file"
//	block_size: 16
//	seeds:
//	  - path: d.bin
//	    length: 10
//	    regions:
//	      - { start: 0, data: "0123456789" }
//	streams:
//	  - name: a
//	    path: d.bin
//	    flags: [rdwr]
//	steps:
//	  - op: seek
//	    stream: a
//	    offset: 4
//	    expect: { position: 4 }
//	  - op: write
//	    stream: a
//	    data: "xy"
//	    expect: { shadow: 6 }
//	  - op: replay
//	    expect: { divergences: 0 }
//	expect:
//	  files:
//	    - { path: d.bin, contents: "0123xy6789" }
//	assertions:
//	  - type: trace_contains
//	    op: write
//	    stream: a
//	    fields: { input: "xy", n: 2 }
//
// Besides the stream operations, three harness steps exist: lockdown and
// unlock enter and leave lockdown, and replay re-executes the log recorded
// so far (optionally a from/to seq window) against a fresh filesystem built
// from the same seeds.
//
// # Assertion Types
//
//   - trace_contains: an activity with op (on stream) whose fields include the given ones
//   - trace_order: the first occurrences of ops appear in the given order
//   - trace_count: op (on stream) appears exactly count times
//
// # Deterministic Testing
//
// Every run uses a fixed run id (scenario run_id, else "test-run-default"),
// the engine's logical clock, engine-owned handles starting at 1, and an
// isolated in-memory SQLite store, so traces are identical across runs and
// can be compared against golden files:
//
//	result, err := harness.RunWithGolden(t, scenario)
//
// Run a directory of scenarios with RunAll.
package harness
