// Package store provides SQLite-backed local persistence for the sync engine.
//
// One database holds three independent areas:
//   - Local cache: records(collection, id) with CBOR-encoded fields, a
//     record_index table for declared secondary indexes and collection_meta
//     with the last write time per collection
//   - Mutation queue: sync_ops, an append-only journal of local writes
//     ordered by (enqueued_at, seq)
//   - State blobs: kv, one JSON value per key, each loaded independently
//
// # Guarantees
//
//   - ReplaceCollection runs in one transaction, so readers observe either
//     the previous or the new collection snapshot
//   - RefreshCollection never overwrites a record whose document still has
//     an unsynced queue entry
//   - PutWithOp and DeleteWithOp commit the cache change and its queue entry
//     together or not at all
//   - Each Enqueue creates exactly one entry; entries are never coalesced
//   - Queue state transitions go through model.SyncOperation methods inside
//     a read-modify-write transaction
//   - Every database failure is returned as model.ErrStorageUnavailable and
//     is never retried here
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Index rows cascade with their records
//   - One open connection: a single writer at a time
package store
