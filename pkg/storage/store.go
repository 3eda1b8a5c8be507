package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tallyhq/tally/pkg/types"
)

// Sentinel errors. Callers branch on these with errors.Is; the typed
// variants below carry the detail (prior id, lock owner, break sequence).
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateTrace = errors.New("duplicate trace id")
	ErrChainBroken    = errors.New("ledger chain broken")
	ErrLocked         = errors.New("entry locked")
	ErrImmutable      = errors.New("entry is immutable")
	ErrBadTransition  = errors.New("illegal state transition")
	ErrCardConsumed   = errors.New("card already consumed")
)

// DuplicateTraceError reports an append whose trace id is already ledgered.
// The prior entry id lets callers treat the collision as idempotent success.
type DuplicateTraceError struct {
	TraceID string
	PriorID uint64
}

func (e *DuplicateTraceError) Error() string {
	return fmt.Sprintf("duplicate trace id %s: already ledgered as entry %d", e.TraceID, e.PriorID)
}

func (e *DuplicateTraceError) Unwrap() error { return ErrDuplicateTrace }

// LockedError reports a lock held by another owner.
type LockedError struct {
	EntryID uint64
	Owner   string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("entry %d locked by %s", e.EntryID, e.Owner)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// ChainBreakError reports the first entry at which hash continuity failed.
// Once latched, appends are refused until rollback or an explicit override.
type ChainBreakError struct {
	Seq        uint64
	DetectedAt int64
	Detail     string
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("ledger chain broken at entry %d: %s", e.Seq, e.Detail)
}

func (e *ChainBreakError) Unwrap() error { return ErrChainBroken }

// MaintenanceReport summarizes one self-healing pass.
type MaintenanceReport struct {
	OrphanedEntries int // LOCKING rows reverted to PROPOSED
	StaleLocks      int // locks dropped without a live owner
	ExpiredCards    int // cards flipped to EXPIRED
}

// Store is the persistence boundary for ledger state. Implemented by
// BoltStore; consumers accept the interface so tests can fake slices of it.
type Store interface {
	// Ledger entries (hash chain)
	AppendEntry(entry *types.LedgerEntry) (uint64, error)
	GetEntry(id uint64) (*types.LedgerEntry, error)
	GetEntryByTrace(traceID string) (*types.LedgerEntry, error)
	ListEntriesByState(state types.EntryState) ([]*types.LedgerEntry, error)
	ListEntriesSince(sinceID uint64, limit int) ([]*types.LedgerEntry, error)
	UpdateEntryState(id uint64, from, to types.EntryState) error
	AttachAudit(id uint64, verdict *types.AuditVerdict, to types.EntryState) error
	MarkReverted(id uint64, reason string) (uint64, error)
	VerifyChain(from, to uint64) (uint64, error)
	ChainHead() (seq uint64, hash string, err error)
	ChainBroken() (bool, *ChainBreakError)
	ClearChainBreak() error

	// Advisory entry locks
	LockEntry(id uint64, owner string) error
	UnlockEntry(id uint64, owner string) error
	ListLocks() ([]*types.EntryLock, error)

	// Worker heartbeats
	PutHeartbeat(hb *types.Heartbeat) error
	GetHeartbeat(worker string) (*types.Heartbeat, error)
	ListHeartbeats() ([]*types.Heartbeat, error)

	// Shadow ledger (pending bank/payment flows)
	PutPendingEntry(p *types.PendingEntry) (id uint64, inserted bool, err error)
	GetPendingEntry(id uint64) (*types.PendingEntry, error)
	ListPendingByStatus(status types.PendingStatus) ([]*types.PendingEntry, error)
	MarkPendingMatched(id, ledgerID uint64, group string, status types.PendingStatus) error
	UpdatePendingStatus(id uint64, from, to types.PendingStatus) error
	MarkEvidenceRequested(id uint64, at int64) error

	// N:M reconciliation groups
	PutMatchGroup(g *types.MatchGroup) error
	GetMatchGroup(ref string) (*types.MatchGroup, error)
	ListMatchGroups() ([]*types.MatchGroup, error)
	UpdateMatchGroupStatus(ref string, from, to types.PendingStatus) error
	ConfirmMatches(pairs []types.MatchPair, groupRefs []string) (int, error)

	// Knowledge rules
	PutRule(rule *types.Rule) error
	GetRule(ruleID string) (*types.Rule, error)
	ListRules() ([]*types.Rule, error)
	ListRuleHistory(ruleID string) ([]*types.Rule, error)
	DeleteRule(ruleID string) error

	// Outbox
	EnqueueOutbox(ev *types.OutboxEvent) error
	DueOutbox(now int64, limit int) ([]*types.OutboxEvent, error)
	MarkOutbox(eventID string, status types.OutboxStatus, attempts int, nextAttemptAt int64, lastErr string) error

	// Interaction cards
	PutCard(card *types.InteractionCard) error
	GetCard(cardID string) (*types.InteractionCard, error)
	UpdateCardStatus(cardID string, from, to types.CardStatus) error
	ConsumeCard(cardID string, at int64) error

	// Collector file ledger
	PutFileRecord(rec *types.FileRecord) error
	GetFileRecord(contentHash string) (*types.FileRecord, error)
	ListFileRecords(limit int) ([]*types.FileRecord, error)

	// Snapshots
	Snapshot(description string) (*types.SnapshotInfo, error)
	ListSnapshots() ([]*types.SnapshotInfo, error)
	RollbackTo(snapshotID string) error

	// Reports
	TrialBalance() (map[string]decimal.Decimal, error)
	AuditTrail(limit int) ([]*types.AuditTrailRow, error)
	VendorHistory(vendor string, limit int) ([]*types.LedgerEntry, error)

	// Export audit
	PutExportRecord(rec *types.ExportRecord) error
	CompleteExport(exportID, status string) error
	ListExportRecords(limit int) ([]*types.ExportRecord, error)

	// Housekeeping
	Maintenance(now time.Time) (MaintenanceReport, error)
	CompactOutbox(before int64) (int, error)
	Checkpoint() error

	Close() error
}
