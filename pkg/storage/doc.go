/*
Package storage provides bbolt-backed persistence for Tally's ledger state.

The package implements the Store interface over a single embedded database
file, providing ACID transactions for the hash-chained ledger, the shadow
ledger of pending bank flows, knowledge rules, worker heartbeats, the durable
outbox, interaction cards, advisory entry locks, and the snapshot catalog.
All values are serialized as JSON and kept in separate buckets.

# Architecture

	┌───────────────────── BOLT STORE ──────────────────────┐
	│                                                         │
	│  File: <dataDir>/tally.db     Snapshots: <dataDir>/     │
	│  (B+tree, MVCC, fsync)          snapshots/snapshot-*    │
	│                                                         │
	│  ┌──────────────────────────────────────────┐          │
	│  │ entries         (seq, hash-chained rows) │          │
	│  │ chain           (head_seq/head_hash/break)│         │
	│  │ trace_index     (trace_id -> seq)         │          │
	│  │ pending_entries (seq)   pending_index     │          │
	│  │ rules           (rule_id) rule_history    │          │
	│  │ heartbeats      (worker_name)             │          │
	│  │ outbox          (event_id)                │          │
	│  │ cards           (card_id)                 │          │
	│  │ locks           (entry seq)               │          │
	│  │ files           (content hash)            │          │
	│  │ snapshots       (snapshot_id)  meta       │          │
	│  └──────────────────────────────────────────┘          │
	└─────────────────────────────────────────────────────────┘

# Hash chain

Every appended entry carries

	chain_hash = SHA-256(prev_hash ‖ amount ‖ vendor ‖ category ‖
	                     trace_id ‖ occurred_at)

computed inside the append transaction against the committed head. Amount is
rendered at fixed scale 2 and occurred_at as decimal milliseconds so the
digest is stable across readers. VerifyChain recomputes the range and, on the
first mismatch, latches a break marker: subsequent appends fail with
ErrChainBroken until an operator rolls back to a snapshot or explicitly
clears the latch. The chain covers payload fields, not lifecycle state, so
audit transitions never invalidate it.

# Concurrency

bbolt serializes writers internally; concurrent readers run against a
consistent MVCC view. Transient file-lock contention (a second process such
as the inspection CLI) is absorbed by exponential backoff with jitter. The
handle itself is guarded by an RWMutex whose exclusive side only RollbackTo
takes: the file swap happens with no transaction in flight.

# Integrity rules

  - Duplicate trace ids are rejected with DuplicateTraceError carrying the
    prior entry id, so re-ingestion is idempotent for callers.
  - Rows in a terminal state (POSTED, REJECTED, REVERTED) refuse updates;
    corrections go through MarkReverted, which appends a sign-flipped
    reversing entry in the same transaction.
  - Entry locks are advisory and bounded: a lock whose owner stopped
    beating becomes claimable after the lock timeout, and Maintenance
    reverts orphaned LOCKING rows to PROPOSED.

# Usage

	store, err := storage.NewBoltStore(dataDir, storage.Options{})
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.AppendEntry(&types.LedgerEntry{
		TraceID:    types.NewTraceID(),
		Amount:     decimal.NewFromFloat(-500.00),
		Vendor:     "Starbucks",
		Category:   "6601-03",
		OccurredAt: types.NowMillis(),
	})
*/
package storage
