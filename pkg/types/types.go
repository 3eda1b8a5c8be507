package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// LedgerEntry is one row of the hash-chained ledger. Rows are immutable once
// posted; corrections happen through reversing entries, never updates.
type LedgerEntry struct {
	ID       uint64 `json:"id"`
	TraceID  string `json:"trace_id"`
	TenantID string `json:"tenant_id,omitempty"`

	Amount     decimal.Decimal `json:"amount"`
	Vendor     string          `json:"vendor"`
	Category   string          `json:"category"` // account code NNNN or NNNN-NN
	OccurredAt int64           `json:"occurred_at"`
	GroupID    string          `json:"group_id,omitempty"` // links multimodal captures
	ProjectID  string          `json:"project_id,omitempty"`

	InferenceLog []InferenceStep `json:"inference_log,omitempty"`
	MatchedRule  string          `json:"matched_rule,omitempty"`
	Audit        *AuditVerdict   `json:"audit,omitempty"`

	PrevHash  string `json:"prev_hash"`
	ChainHash string `json:"chain_hash"`

	State EntryState `json:"state"`

	// RevertOf links a reversing entry back to the row it cancels.
	RevertOf     uint64 `json:"revert_of,omitempty"`
	RevertReason string `json:"revert_reason,omitempty"`

	InsertedAt int64 `json:"inserted_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// EntryState represents the lifecycle state of a ledger entry
type EntryState string

const (
	EntryProposed EntryState = "PROPOSED"
	EntryAudited  EntryState = "AUDITED"
	EntryPosted   EntryState = "POSTED"
	EntryRejected EntryState = "REJECTED"
	EntryRisk     EntryState = "RISK" // posted but flagged
	EntryReverted EntryState = "REVERTED"
	EntryLocking  EntryState = "LOCKING"
)

// Terminal reports whether the state permits no further transitions
// other than logical reversal.
func (s EntryState) Terminal() bool {
	switch s {
	case EntryPosted, EntryRejected, EntryReverted:
		return true
	}
	return false
}

// InferenceStep is one step of the reasoning trail attached to an entry:
// input analysis, routing, rule match, external reasoning, confidence scoring.
type InferenceStep struct {
	Step       int     `json:"step"`
	Stage      string  `json:"stage"`
	Detail     string  `json:"detail"`
	Engine     string  `json:"engine,omitempty"` // L1 or L2
	RuleID     string  `json:"rule_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	At         int64   `json:"at"`
}

// Proposal is the AccountingAgent's classification output for one document.
type Proposal struct {
	Category            string          `json:"category"`
	Confidence          float64         `json:"confidence"`
	MatchedRule         string          `json:"matched_rule,omitempty"`
	Engine              string          `json:"engine"` // L1 or L2
	InferenceLog        []InferenceStep `json:"inference_log"`
	RequiresShadowAudit bool            `json:"requires_shadow_audit"`
}

// DocumentRecord is the Collector's output for an invoice or receipt,
// awaiting classification. Bank/payment statement lines become PendingEntry
// rows instead.
type DocumentRecord struct {
	TraceID     string          `json:"trace_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Source      Source          `json:"source"`
	Vendor      string          `json:"vendor"`
	Amount      decimal.Decimal `json:"amount"`
	OccurredAt  int64           `json:"occurred_at"`
	Description string          `json:"description,omitempty"`
	GroupID     string          `json:"group_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	ContentHash string          `json:"content_hash"`
	FilePath    string          `json:"file_path,omitempty"`
}

// PendingEntry is a shadow row: a bank or payment flow awaiting
// reconciliation against a posted ledger entry.
type PendingEntry struct {
	ID           uint64          `json:"id"`
	TraceID      string          `json:"trace_id"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Source       Source          `json:"source"`
	Counterparty string          `json:"counterparty"`
	Amount       decimal.Decimal `json:"amount"`
	OccurredAt   int64           `json:"occurred_at"`
	Description  string          `json:"description,omitempty"`
	GroupID      string          `json:"group_id,omitempty"`
	ContentHash  string          `json:"content_hash"`

	Status          PendingStatus `json:"status"`
	MatchedLedgerID uint64        `json:"matched_ledger_id,omitempty"`
	MatchGroup      string        `json:"match_group,omitempty"`

	// EvidenceRequestedAt dedupes the evidence hunter: at most one
	// EVIDENCE_REQUEST per stale row.
	EvidenceRequestedAt int64 `json:"evidence_requested_at,omitempty"`

	InsertedAt int64 `json:"inserted_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// PendingStatus represents the reconciliation state of a pending entry
type PendingStatus string

const (
	PendingUnreconciled PendingStatus = "UNRECONCILED"
	PendingMatched      PendingStatus = "MATCHED"
	PendingReconciled   PendingStatus = "RECONCILED"
)

// MatchGroup records one N:M reconciliation: the pending flows and the
// posted entries that settle each other as a set. Ledger rows stay
// immutable, so group membership is what marks an entry consumed for
// future matching.
type MatchGroup struct {
	Ref        string          `json:"ref"` // MATCH_<unix>_<vendor>_<NvM>
	Vendor     string          `json:"vendor"`
	PendingIDs []uint64        `json:"pending_ids"`
	EntryIDs   []uint64        `json:"entry_ids"`
	Total      decimal.Decimal `json:"total"`
	Status     PendingStatus   `json:"status"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// MatchPair is one suggested pending/entry pairing carried inside a
// BATCH_CONFIRM card payload and echoed back by the callback.
type MatchPair struct {
	PendingID uint64 `json:"pending_id"`
	EntryID   uint64 `json:"entry_id"`
}

// Source identifies where an ingested record came from
type Source string

const (
	SourceAlipay  Source = "ALIPAY"
	SourceWechat  Source = "WECHAT"
	SourceBank    Source = "BANK"
	SourceInvoice Source = "INVOICE"
)

// Rule is one knowledge base classification rule. Promotion and demotion
// create new versions; superseded versions keep ValidUntil so historical
// entries remain attributable.
type Rule struct {
	RuleID         string          `json:"rule_id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	KeywordPattern string          `json:"keyword_pattern"`
	IsRegex        bool            `json:"is_regex,omitempty"`
	Conditions     *RuleConditions `json:"conditions,omitempty"`

	ProposedCategory string     `json:"proposed_category"`
	Priority         int        `json:"priority"`
	AuditLevel       AuditLevel `json:"audit_level"`

	HitCount           int `json:"hit_count"`
	RejectCount        int `json:"reject_count"`
	ConsecutiveSuccess int `json:"consecutive_success"`

	Version    int    `json:"version"`
	ValidUntil int64  `json:"valid_until,omitempty"`
	Origin     string `json:"origin,omitempty"` // MANUAL or L2

	InsertedAt int64 `json:"inserted_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// RuleConditions narrows a rule beyond its keyword: amount range and a
// vendor substring predicate.
type RuleConditions struct {
	MinAmount      decimal.NullDecimal `json:"min_amount,omitempty"`
	MaxAmount      decimal.NullDecimal `json:"max_amount,omitempty"`
	VendorContains string              `json:"vendor_contains,omitempty"`
}

// AuditLevel is the lifecycle state of a rule
type AuditLevel string

const (
	RuleGray    AuditLevel = "GRAY"
	RuleStable  AuditLevel = "STABLE"
	RuleManual  AuditLevel = "MANUAL"
	RuleBlocked AuditLevel = "BLOCKED"
	RuleFailed  AuditLevel = "FAILED"
)

// Live reports whether the rule may still produce proposals.
func (l AuditLevel) Live() bool {
	return l == RuleGray || l == RuleStable || l == RuleManual
}

// OutboxEvent is one durable outbound notification awaiting at-least-once
// delivery.
type OutboxEvent struct {
	EventID  string          `json:"event_id"`
	TenantID string          `json:"tenant_id,omitempty"`
	Kind     EventKind       `json:"kind"`
	Payload  json.RawMessage `json:"payload"`

	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt int64        `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`

	InsertedAt int64 `json:"inserted_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// EventKind identifies the outbound channel payload type
type EventKind string

const (
	EventPushCard        EventKind = "PUSH_CARD"
	EventEvidenceRequest EventKind = "EVIDENCE_REQUEST"
	EventBatchConfirm    EventKind = "BATCH_CONFIRM"
	EventCritical        EventKind = "CRITICAL"
)

// OutboxStatus is the delivery state of an outbox event
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
	OutboxAck     OutboxStatus = "ACK"
	OutboxFailed  OutboxStatus = "FAILED"
)

// InteractionCard is a signed, expiring, role-scoped request for a human
// decision.
type InteractionCard struct {
	CardID   string `json:"card_id"`
	TenantID string `json:"tenant_id,omitempty"`
	Kind     string `json:"kind"`

	CallbackToken string `json:"callback_token"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
	RequiredRole  string `json:"required_role"`

	Status          CardStatus      `json:"status"`
	LinkedEntityRef string          `json:"linked_entity_ref,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`

	// ConsumedAt is the one-shot replay marker: a completed callback stamps
	// it and any later delivery of the same action is rejected.
	ConsumedAt int64 `json:"consumed_at,omitempty"`

	InsertedAt int64 `json:"inserted_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// CardStatus is the card lifecycle state; transitions are monotonic
// SENT -> CLICKED -> COMPLETED with EXPIRED reachable from any non-terminal.
type CardStatus string

const (
	CardSent      CardStatus = "SENT"
	CardClicked   CardStatus = "CLICKED"
	CardCompleted CardStatus = "COMPLETED"
	CardExpired   CardStatus = "EXPIRED"
)

// Card actions accepted by the webhook callback
const (
	ActionConfirm      = "CONFIRM"
	ActionReject       = "REJECT"
	ActionBatchConfirm = "BATCH_CONFIRM"
)

// Heartbeat is one supervised worker's liveness row.
type Heartbeat struct {
	WorkerName    string      `json:"worker_name"`
	PID           int         `json:"pid"`
	LastBeatAt    int64       `json:"last_beat_at"`
	State         WorkerState `json:"state"`
	PanicSnapshot string      `json:"panic_snapshot,omitempty"`
	InsertedAt    int64       `json:"inserted_at"`
	UpdatedAt     int64       `json:"updated_at"`
}

// WorkerState represents the supervisor's view of a worker
type WorkerState string

const (
	WorkerAlive       WorkerState = "ALIVE"
	WorkerDead        WorkerState = "DEAD"
	WorkerStuck       WorkerState = "STUCK"
	WorkerQuarantined WorkerState = "QUARANTINED"
)

// SnapshotInfo describes one physical store snapshot.
type SnapshotInfo struct {
	SnapshotID  string `json:"snapshot_id"`
	CreatedAt   int64  `json:"created_at"`
	Description string `json:"description,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
	Path        string `json:"path"`
}

// EntryLock is an advisory lock over a ledger entry under audit.
type EntryLock struct {
	EntryID    uint64 `json:"entry_id"`
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at"`
}

// FileRecord tracks every file the Collector has seen, keyed by content
// hash, so re-dropped files are skipped and failed parses stay visible.
type FileRecord struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Status      string `json:"status"` // DONE, FAILED, SKIPPED
	Cause       string `json:"cause,omitempty"`
	ProcessedAt int64  `json:"processed_at"`
}

// File record statuses
const (
	FileDone    = "DONE"
	FileFailed  = "FAILED"
	FileSkipped = "SKIPPED"
)

// AuditVerdict is the AuditorAgent's decision over one proposal.
type AuditVerdict struct {
	Decision   AuditDecision `json:"decision"`
	RiskScore  float64       `json:"risk_score"`
	Confidence float64       `json:"confidence"`
	Reasons    []string      `json:"reasons,omitempty"`
	Votes      []JudgeVote   `json:"votes,omitempty"`
	DecidedAt  int64         `json:"decided_at"`
}

// AuditDecision classifies a proposal after audit
type AuditDecision string

const (
	AuditApproved    AuditDecision = "APPROVED"
	AuditNeedsReview AuditDecision = "NEEDS_REVIEW"
	AuditRejected    AuditDecision = "REJECTED"
)

// JudgeVote is one judge's contribution to the consensus.
type JudgeVote struct {
	Judge    string `json:"judge"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical"`
	Reason   string `json:"reason,omitempty"`
}

// AuditTrailRow is one row of the aggregate audit trail view: the entry
// with its inference steps and audit outcome.
type AuditTrailRow struct {
	Entry    LedgerEntry     `json:"entry"`
	Steps    []InferenceStep `json:"steps,omitempty"`
	Verdict  *AuditVerdict   `json:"verdict,omitempty"`
	Matched  bool            `json:"matched"`
	Reverted bool            `json:"reverted"`
}

// Export audit statuses.
const (
	ExportPending   = "PENDING"
	ExportCompleted = "COMPLETED"
	ExportFailed    = "FAILED"
)

// ExportRecord is the audit row every ledger export leaves behind: who
// exported what, how many rows, and whether the file made it to disk.
type ExportRecord struct {
	ExportID    string `json:"export_id"`
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	RecordCount int    `json:"record_count"`
	Operator    string `json:"operator"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`
}
