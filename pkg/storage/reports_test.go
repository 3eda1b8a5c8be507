package storage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/types"
)

func TestTrialBalance(t *testing.T) {
	s := newTestStore(t, Options{})

	postEntry(t, s, testEntry("t-1", "Starbucks", "-35.00"))
	postEntry(t, s, testEntry("t-2", "Starbucks", "-18.50"))

	travel := testEntry("t-3", "Didi", "-120.00")
	travel.Category = "6601-11"
	id, err := s.AppendEntry(travel)
	require.NoError(t, err)
	require.NoError(t, s.UpdateEntryState(id, types.EntryProposed, types.EntryLocking))
	require.NoError(t, s.UpdateEntryState(id, types.EntryLocking, types.EntryRisk))

	// A proposed entry is not posted yet and must not count.
	open := testEntry("t-4", "JD.com", "-299.00")
	open.Category = "5001"
	_, err = s.AppendEntry(open)
	require.NoError(t, err)

	totals, err := s.TrialBalance()
	require.NoError(t, err)

	assert.True(t, totals["6601-03"].Equal(decimal.RequireFromString("-53.50")),
		"meals = %s", totals["6601-03"])
	assert.True(t, totals["6601-11"].Equal(decimal.RequireFromString("-120.00")),
		"risk entries count toward the balance, got %s", totals["6601-11"])
	_, ok := totals["5001"]
	assert.False(t, ok, "proposed entries must not appear")
}

func TestVendorHistory(t *testing.T) {
	s := newTestStore(t, Options{})

	base := types.NowMillis() - 10*time.Hour.Milliseconds()
	for i, amount := range []string{"-30.00", "-32.00", "-35.00"} {
		e := testEntry("", "Starbucks", amount)
		e.TraceID = types.NewTraceID()
		e.OccurredAt = base + int64(i)*time.Hour.Milliseconds()
		postEntry(t, s, e)
	}

	// A reverted purchase must not anchor future price expectations.
	reverted := testEntry("t-rev", "Starbucks", "-500.00")
	reverted.OccurredAt = base + 4*time.Hour.Milliseconds()
	revID := postEntry(t, s, reverted)
	_, err := s.MarkReverted(revID, "duplicate capture")
	require.NoError(t, err)

	other := testEntry("t-other", "Didi", "-20.00")
	postEntry(t, s, other)

	hist, err := s.VendorHistory("Starbucks", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Amount.Equal(decimal.RequireFromString("-30.00")), "oldest first")
	assert.True(t, hist[2].Amount.Equal(decimal.RequireFromString("-35.00")))

	limited, err := s.VendorHistory("Starbucks", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.True(t, limited[0].Amount.Equal(decimal.RequireFromString("-32.00")),
		"limit keeps the most recent rows")
}

func TestAuditTrail(t *testing.T) {
	s := newTestStore(t, Options{})

	first := testEntry("t-1", "Starbucks", "-35.00")
	first.InferenceLog = []types.InferenceStep{
		{Step: 1, Stage: "rule_match", Engine: "L1", RuleID: "r-1", Confidence: 0.95},
	}
	id1, err := s.AppendEntry(first)
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id1, "auditor"))
	require.NoError(t, s.AttachAudit(id1, &types.AuditVerdict{
		Decision:  types.AuditApproved,
		DecidedAt: types.NowMillis(),
	}, types.EntryPosted))

	_, err = s.AppendEntry(testEntry("t-2", "Didi", "-18.50"))
	require.NoError(t, err)
	_, err = s.AppendEntry(testEntry("t-3", "JD.com", "-299.00"))
	require.NoError(t, err)

	// A reconciled bank flow marks its ledger entry matched.
	pid, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.MarkPendingMatched(pid, id1, "", types.PendingMatched))

	rows, err := s.AuditTrail(0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(3), rows[0].Entry.ID, "newest first")

	last := rows[2]
	assert.Equal(t, id1, last.Entry.ID)
	assert.True(t, last.Matched)
	require.NotNil(t, last.Verdict)
	assert.Equal(t, types.AuditApproved, last.Verdict.Decision)
	require.Len(t, last.Steps, 1)
	assert.Equal(t, "rule_match", last.Steps[0].Stage)

	limited, err := s.AuditTrail(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStatsSources(t *testing.T) {
	s := newTestStore(t, Options{})

	postEntry(t, s, testEntry("t-1", "Starbucks", "-35.00"))
	_, err := s.AppendEntry(testEntry("t-2", "Didi", "-18.50"))
	require.NoError(t, err)

	_, _, err = s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)

	require.NoError(t, s.PutRule(testRule("r-1", "星巴克", "6601-03", types.RuleStable)))
	require.NoError(t, s.PutRule(testRule("r-2", "滴滴", "6601-11", types.RuleGray)))

	require.NoError(t, s.EnqueueOutbox(testOutboxEvent("ev-1", types.EventPushCard)))

	require.NoError(t, s.PutHeartbeat(&types.Heartbeat{
		WorkerName: "collector",
		State:      types.WorkerAlive,
		LastBeatAt: types.NowMillis() - time.Minute.Milliseconds(),
	}))

	states, err := s.EntryStateCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, states[string(types.EntryPosted)])
	assert.Equal(t, 1, states[string(types.EntryProposed)])

	pending, err := s.PendingStatusCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, pending[string(types.PendingUnreconciled)])

	levels, err := s.RuleLevelCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, levels[string(types.RuleStable)])
	assert.Equal(t, 1, levels[string(types.RuleGray)])

	backlog, err := s.OutboxPendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, backlog)

	ages, err := s.HeartbeatAges(time.Now())
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ages["collector"].Seconds(), 5)

	seq, err := s.ChainHeadSeq()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestMaintenance(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 10 * time.Millisecond})

	// An orphaned lock: the owner never beats again.
	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-crashed"))

	// A card past its expiry.
	expired := testCard("card-old")
	expired.ExpiresAt = types.NowMillis() - 1000
	require.NoError(t, s.PutCard(expired))

	// A live card stays untouched.
	require.NoError(t, s.PutCard(testCard("card-live")))

	time.Sleep(25 * time.Millisecond)

	report, err := s.Maintenance(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleLocks)
	assert.Equal(t, 1, report.OrphanedEntries)
	assert.Equal(t, 1, report.ExpiredCards)

	e, err := s.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.EntryProposed, e.State, "orphaned entry handed back for audit")

	locks, err := s.ListLocks()
	require.NoError(t, err)
	assert.Empty(t, locks)

	card, err := s.GetCard("card-old")
	require.NoError(t, err)
	assert.Equal(t, types.CardExpired, card.Status)

	card, err = s.GetCard("card-live")
	require.NoError(t, err)
	assert.Equal(t, types.CardSent, card.Status)

	// Idempotent: a second pass finds nothing.
	report, err = s.Maintenance(time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.StaleLocks)
	assert.Zero(t, report.OrphanedEntries)
	assert.Zero(t, report.ExpiredCards)
}

func TestMaintenance_KeepsLiveLocks(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: time.Minute})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	report, err := s.Maintenance(time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.StaleLocks)

	locks, err := s.ListLocks()
	require.NoError(t, err)
	assert.Len(t, locks, 1)
}
