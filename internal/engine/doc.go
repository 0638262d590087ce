// Package engine is the harness that instrumented streams submit their
// activities to.
//
// ARCHITECTURE:
//
// Serialized Activities:
// Every stream operation arrives at Engine.Perform as an explicit request
// plus a step function. The engine runs one activity at a time, whichever
// goroutine submitted it:
//  1. Acquire the activity slot (a weighted semaphore of size 1, so waiting
//     honours context cancellation).
//  2. Stamp the activity with the next seq from the logical Clock.
//  3. Run the step against the filesystem under test and the activity
//     context (the map from replay handle to native stream).
//  4. Record request, response and error to the activity log.
//  5. Run the checker. A failed check puts the engine in lockdown.
//
// Lockdown:
// In lockdown the filesystem under test is frozen in its failure state.
// Instrumented streams do not dispose their native streams, and Close
// leaves the activity context alone, so the state stays inspectable.
//
// Replay:
// Replay feeds recorded requests back through the same step functions in a
// fresh engine with an empty context. Streams opened before the replay
// window are reconstructed lazily by the step itself.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// All activities are stamped with a monotonic seq from Clock.Next().
// Wall-clock timestamps are never used for ordering.
//
// Engine-Owned Handles:
// Replay handles come from an allocator owned by the engine, never from
// package-level state, so independent engines never share a sequence.
package engine
