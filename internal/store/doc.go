// Package store provides the SQLite-backed local durable store for step
// drafts.
//
// Three tables make up the persisted state:
//   - steps: the authoritative local record per step (last write wins)
//   - outbox: append-only mutations awaiting transmission
//   - sync_status: the most recent sync status per step, plus the conflict
//     descriptor while a step awaits resolution
//
// # Snapshot-Safe Clear
//
// DrainOutbox records the highest entry id it returned. ClearOutbox deletes
// only entries at or below that id, so mutations appended while a sync is
// in flight survive the clear.
//
// # Payload Encryption
//
// Step data is serialized to JSON and passed through a Cipher before it is
// written. The cipher is chosen at Open time and must be the same for every
// process opening the database.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Every error returned by the store is a *StorageError.
package store
