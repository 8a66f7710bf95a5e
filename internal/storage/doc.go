// Package storage persists posts and the dispatch audit trail.
//
// Drivers:
//   - file: one JSON document holding every post, rewritten atomically,
//     plus an append-only <prefix>.audit.jsonl
//   - sqlite: modernc.org/sqlite database with posts and audit tables
//
// Every id-based read-modify-write is serialized against all other
// mutations, so the dispatch and metrics loops never clobber each other
// or a concurrent Append.
package storage
