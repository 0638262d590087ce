// Package activity defines the vocabulary shared by the instrumented stream
// and the harness that executes it.
//
// # Activities
//
// An activity is one unit of work run by the harness's serialized executor
// against the filesystem under test. The instrumented stream never touches a
// native stream directly. It builds a Request value, hands it to
// Executor.Perform together with a Step, and reads the outcome from the
// returned Response. Requests and responses are plain values: the executor
// can record them, and a replay can feed the recorded requests back through
// the same Step.
//
// # Replay handles and the activity context
//
// Every instrumented stream is assigned a Handle from an Allocator when it is
// constructed. The Handle is the key of the stream's slot in the Context, the
// per-pass table of live native streams. A replay rebuilds a fresh Context
// and reuses the recorded Handles, so the replayed stream resolves to the
// same slot as in the live run.
//
// # Thread-safety
//
// Allocator is safe for concurrent use. Context is not: it relies on the
// executor running one activity at a time.
package activity
