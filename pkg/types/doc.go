/*
Package types defines the core data structures used throughout Tally.

This package contains all fundamental types that represent the bookkeeping
domain model: ledger entries, pending (shadow) entries, knowledge base rules,
outbox events, interaction cards, heartbeats, and snapshots. These types are
used by all other packages for state management, pipeline hand-off, and the
audit trail.

# Core Types

Ledger:
  - LedgerEntry: one immutable hash-chained row with provenance
  - EntryState: PROPOSED, AUDITED, POSTED, REJECTED, RISK, REVERTED, LOCKING
  - InferenceStep: one step of the reasoning trail persisted with the entry
  - AuditVerdict / JudgeVote: audit outcome and per-judge votes

Reconciliation:
  - PendingEntry: bank/payment flow awaiting match to a ledger entry
  - PendingStatus: UNRECONCILED, MATCHED, RECONCILED
  - Source: ALIPAY, WECHAT, BANK, INVOICE

Knowledge base:
  - Rule: keyword/regex/condition rule with hit and reject accounting
  - AuditLevel: GRAY, STABLE, MANUAL, BLOCKED, FAILED

Human-in-the-loop:
  - OutboxEvent: durable at-least-once outbound notification
  - InteractionCard: signed, expiring, role-scoped decision request
  - CardStatus: SENT, CLICKED, COMPLETED, EXPIRED

Supervision:
  - Heartbeat: per-worker liveness row
  - WorkerState: ALIVE, DEAD, STUCK, QUARANTINED
  - SnapshotInfo: physical store snapshot descriptor

# Conventions

All monetary values are decimal.Decimal (fixed precision, scale 2 minimum,
aggregation at scale 6). All timestamps are UTC epoch milliseconds stored as
int64; NowMillis and TimeFromMillis convert. Every persisted entity carries
InsertedAt and UpdatedAt. TenantID is optional on every entity and is never
enforced by the core pipeline.

Identifier formats:

	trace id     T-NNNNNN-hhhhhhhh
	group id     SG-<unix>-hhhh
	event id     evt-<uuid>
	card id      card-<uuid>
	snapshot id  snap-hhhhhhhh

# Usage

Creating a ledger entry candidate:

	entry := &types.LedgerEntry{
		TraceID:    types.NewTraceID(),
		Amount:     decimal.NewFromFloat(-500.00),
		Vendor:     "Starbucks",
		Category:   "6601-03",
		OccurredAt: types.NowMillis(),
		State:      types.EntryProposed,
	}

The storage layer assigns ID, PrevHash, and ChainHash at append time; callers
never compute chain fields themselves.

# See Also

  - pkg/storage for persistence and chain enforcement
  - pkg/agent for Proposal production
  - pkg/auditor for AuditVerdict production
*/
package types
