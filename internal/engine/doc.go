// Package engine moves data between the local store and the active remote
// backend.
//
// Three paths share the package:
//
//   - Drainer replays the mutation queue against the active backend, oldest
//     entry first, with bounded retries.
//   - BulkSyncer downloads every schema collection from the active backend
//     and replaces the cached copy in one transaction per collection,
//     keeping records that still have unsynced queue entries.
//   - Writer is the local write path: it updates the cache and appends one
//     queue entry per mutation, both in one transaction.
//
// Drain and bulk passes are single-flight. A drain requested while one runs
// is not started; a bulk sync requested while one runs returns an
// in_progress result. Neither pass is aborted by a failing item: per-item
// failures are collected into the pass result and the progress events.
//
// Remote calls go through Backends, which resolves the active backend at
// the moment of each call, so a rotation during a pass applies to the
// remaining items.
package engine
