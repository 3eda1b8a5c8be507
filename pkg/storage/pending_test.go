package storage

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/types"
)

func testPending(trace, hash, amount string) *types.PendingEntry {
	return &types.PendingEntry{
		TraceID:      trace,
		Source:       types.SourceAlipay,
		Counterparty: "Starbucks",
		Amount:       decimal.RequireFromString(amount),
		OccurredAt:   types.NowMillis(),
		ContentHash:  hash,
	}
}

func TestPutPendingEntry_DedupesByContentHash(t *testing.T) {
	s := newTestStore(t, Options{})

	id, inserted, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, uint64(1), id)

	// Re-ingesting the same statement line is a no-op.
	again, inserted, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id, again)

	other, inserted, err := s.PutPendingEntry(testPending("p-2", "hash-b", "-18.50"))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEqual(t, id, other)

	p, err := s.GetPendingEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.PendingUnreconciled, p.Status)
	assert.Equal(t, "p-1", p.TraceID)

	_, _, err = s.PutPendingEntry(&types.PendingEntry{TraceID: "p-3"})
	assert.Error(t, err, "empty content hash must be rejected")
}

func TestMarkPendingMatched(t *testing.T) {
	s := newTestStore(t, Options{})

	id, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	ledgerID := postEntry(t, s, testEntry("t-1", "Starbucks", "-35.00"))

	require.NoError(t, s.MarkPendingMatched(id, ledgerID, "", types.PendingMatched))

	p, err := s.GetPendingEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.PendingMatched, p.Status)
	assert.Equal(t, ledgerID, p.MatchedLedgerID)

	// A second matcher cannot claim the same row.
	err = s.MarkPendingMatched(id, ledgerID, "", types.PendingMatched)
	assert.ErrorIs(t, err, ErrBadTransition)

	err = s.MarkPendingMatched(999, ledgerID, "", types.PendingMatched)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePendingStatus(t *testing.T) {
	s := newTestStore(t, Options{})

	id, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.MarkPendingMatched(id, 1, "", types.PendingMatched))

	// Batch confirm flips MATCHED rows to RECONCILED.
	require.NoError(t, s.UpdatePendingStatus(id, types.PendingMatched, types.PendingReconciled))

	p, err := s.GetPendingEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, p.Status)

	// Stale compare-and-swap.
	err = s.UpdatePendingStatus(id, types.PendingMatched, types.PendingReconciled)
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestListPendingByStatus(t *testing.T) {
	s := newTestStore(t, Options{})

	for _, p := range []*types.PendingEntry{
		testPending("p-1", "hash-a", "-35.00"),
		testPending("p-2", "hash-b", "-18.50"),
		testPending("p-3", "hash-c", "-299.00"),
	} {
		_, _, err := s.PutPendingEntry(p)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkPendingMatched(2, 1, "", types.PendingMatched))

	open, err := s.ListPendingByStatus(types.PendingUnreconciled)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "p-1", open[0].TraceID)
	assert.Equal(t, "p-3", open[1].TraceID)

	matched, err := s.ListPendingByStatus(types.PendingMatched)
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestMarkEvidenceRequested(t *testing.T) {
	s := newTestStore(t, Options{})

	id, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)

	at := types.NowMillis()
	require.NoError(t, s.MarkEvidenceRequested(id, at))

	p, err := s.GetPendingEntry(id)
	require.NoError(t, err)
	assert.Equal(t, at, p.EvidenceRequestedAt)
	assert.Equal(t, types.PendingUnreconciled, p.Status, "evidence request must not change status")
}

func TestConfirmMatches(t *testing.T) {
	s := newTestStore(t, Options{})

	// A batch card carries review-band pairs and subset groups together.
	pairID, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-200.00"))
	require.NoError(t, err)
	entryID := postEntry(t, s, testEntry("t-1", "中国石化加油站", "-200.00"))

	memberID, _, err := s.PutPendingEntry(testPending("p-2", "hash-b", "-300.00"))
	require.NoError(t, err)
	ref := "MATCH_1726000000_如家酒店_1v2"
	require.NoError(t, s.PutMatchGroup(&types.MatchGroup{
		Ref:        ref,
		Vendor:     "如家酒店",
		PendingIDs: []uint64{memberID},
		EntryIDs:   []uint64{7, 8},
		Total:      decimal.RequireFromString("-300.00"),
	}))
	require.NoError(t, s.MarkPendingMatched(memberID, 0, ref, types.PendingMatched))

	n, err := s.ConfirmMatches(
		[]types.MatchPair{{PendingID: pairID, EntryID: entryID}},
		[]string{ref},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := s.GetPendingEntry(pairID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, p.Status)
	assert.Equal(t, entryID, p.MatchedLedgerID)

	m, err := s.GetPendingEntry(memberID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, m.Status)
	assert.Equal(t, ref, m.MatchGroup)

	g, err := s.GetMatchGroup(ref)
	require.NoError(t, err)
	assert.Equal(t, types.PendingReconciled, g.Status)

	// Replaying the same card finds everything already reconciled.
	n, err = s.ConfirmMatches([]types.MatchPair{{PendingID: pairID, EntryID: entryID}}, nil)
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Zero(t, n)
	n, err = s.ConfirmMatches(nil, []string{ref})
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Zero(t, n)
}

func TestConfirmMatches_AtomicOnBadRow(t *testing.T) {
	s := newTestStore(t, Options{})

	a, _, err := s.PutPendingEntry(testPending("p-1", "hash-a", "-35.00"))
	require.NoError(t, err)
	b, _, err := s.PutPendingEntry(testPending("p-2", "hash-b", "-18.50"))
	require.NoError(t, err)
	require.NoError(t, s.MarkPendingMatched(b, 1, "", types.PendingMatched))
	require.NoError(t, s.UpdatePendingStatus(b, types.PendingMatched, types.PendingReconciled))

	n, err := s.ConfirmMatches([]types.MatchPair{
		{PendingID: a, EntryID: 1},
		{PendingID: b, EntryID: 1},
	}, nil)
	assert.ErrorIs(t, err, ErrBadTransition)
	assert.Zero(t, n)

	p, err := s.GetPendingEntry(a)
	require.NoError(t, err)
	assert.Equal(t, types.PendingUnreconciled, p.Status, "failed batch must not half-apply")

	// A pair with no ledger entry cannot confirm a fresh row.
	_, err = s.ConfirmMatches([]types.MatchPair{{PendingID: a}}, nil)
	assert.ErrorIs(t, err, ErrBadTransition)

	_, err = s.ConfirmMatches(nil, []string{"MATCH_0_none_0v0"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMatchGroupLifecycle(t *testing.T) {
	s := newTestStore(t, Options{})

	g := &types.MatchGroup{
		Ref:        "MATCH_1726000000_星巴克咖_2v1",
		Vendor:     "星巴克咖啡",
		PendingIDs: []uint64{1, 2},
		EntryIDs:   []uint64{7},
		Total:      decimal.RequireFromString("128.00"),
	}
	require.NoError(t, s.PutMatchGroup(g))
	assert.Error(t, s.PutMatchGroup(g), "duplicate ref must be refused")
	assert.Error(t, s.PutMatchGroup(&types.MatchGroup{}), "empty ref must be refused")

	got, err := s.GetMatchGroup(g.Ref)
	require.NoError(t, err)
	assert.Equal(t, types.PendingMatched, got.Status)
	assert.Equal(t, []uint64{7}, got.EntryIDs)
	assert.True(t, got.Total.Equal(g.Total))

	groups, err := s.ListMatchGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, s.UpdateMatchGroupStatus(g.Ref, types.PendingMatched, types.PendingReconciled))
	err = s.UpdateMatchGroupStatus(g.Ref, types.PendingMatched, types.PendingReconciled)
	assert.ErrorIs(t, err, ErrBadTransition)

	_, err = s.GetMatchGroup("MATCH_0_none_0v0")
	assert.ErrorIs(t, err, ErrNotFound)
}
