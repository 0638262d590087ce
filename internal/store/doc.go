// Package store provides SQLite-backed durable storage for activity logs.
//
// The store is an append-only log with:
//   - Runs: one execution of a scenario, with the seeds it started from
//   - Activities: every request submitted to the harness and its outcome
//   - Lockdowns: the points at which a run entered lockdown
//
// # Ordering
//
// All ordering uses the logical seq, never timestamps. Every query that
// returns activities or lockdowns sorts by
//
//	ORDER BY seq ASC, id COLLATE BINARY ASC
//
// so reads are identical across replays.
//
// # Payloads
//
// Write data and read data are stored outside the JSON columns as payload
// blobs, compressed with zstd by default (lz4 or none are selectable).
// Activity ids are content-addressed via internal/ir.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
