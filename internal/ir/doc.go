// Package ir provides the value types and canonical encoding used to give
// recorded activities stable, content-addressed identities.
//
// ir imports nothing internal. Engine and store build ir values from their
// own types.
//
// Key constraints:
//   - No floats anywhere; numbers are int64.
//   - Byte payloads are never embedded, only their digests.
//   - Logical clocks (seq) only, never wall-clock timestamps.
package ir
