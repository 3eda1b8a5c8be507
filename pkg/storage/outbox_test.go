package storage

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/types"
)

func testOutboxEvent(id string, kind types.EventKind) *types.OutboxEvent {
	return &types.OutboxEvent{
		EventID: id,
		Kind:    kind,
		Payload: json.RawMessage(`{"title":"confirm entry"}`),
	}
}

func TestOutbox_EnqueueDueMark(t *testing.T) {
	s := newTestStore(t, Options{})

	now := types.NowMillis()
	require.NoError(t, s.EnqueueOutbox(testOutboxEvent("ev-1", types.EventPushCard)))

	later := testOutboxEvent("ev-2", types.EventEvidenceRequest)
	later.NextAttemptAt = now + time.Hour.Milliseconds()
	require.NoError(t, s.EnqueueOutbox(later))

	due, err := s.DueOutbox(now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ev-1", due[0].EventID)
	assert.Equal(t, types.OutboxPending, due[0].Status)

	// Both become due once the clock passes the backoff.
	due, err = s.DueOutbox(now+2*time.Hour.Milliseconds(), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "ev-1", due[0].EventID, "due events ordered by next attempt time")

	// A delivered event leaves the due set.
	require.NoError(t, s.MarkOutbox("ev-1", types.OutboxAck, 1, 0, ""))
	due, err = s.DueOutbox(now+2*time.Hour.Milliseconds(), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ev-2", due[0].EventID)

	// A failed attempt reschedules.
	retryAt := now + 4*time.Hour.Milliseconds()
	require.NoError(t, s.MarkOutbox("ev-2", types.OutboxPending, 3, retryAt, "webhook 502"))
	due, err = s.DueOutbox(retryAt-1, 0)
	require.NoError(t, err)
	assert.Empty(t, due)

	assert.ErrorIs(t, s.MarkOutbox("ev-missing", types.OutboxAck, 1, 0, ""), ErrNotFound)
}

func TestDueOutbox_Limit(t *testing.T) {
	s := newTestStore(t, Options{})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.EnqueueOutbox(testOutboxEvent(fmt.Sprintf("ev-%d", i), types.EventPushCard)))
	}

	due, err := s.DueOutbox(types.NowMillis()+1, 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestCompactOutbox(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.EnqueueOutbox(testOutboxEvent("ev-acked", types.EventPushCard)))
	require.NoError(t, s.EnqueueOutbox(testOutboxEvent("ev-failed", types.EventPushCard)))
	require.NoError(t, s.EnqueueOutbox(testOutboxEvent("ev-open", types.EventPushCard)))
	require.NoError(t, s.MarkOutbox("ev-acked", types.OutboxAck, 1, 0, ""))
	require.NoError(t, s.MarkOutbox("ev-failed", types.OutboxFailed, 5, 0, "gave up"))

	// Cutoff before the updates removes nothing.
	removed, err := s.CompactOutbox(1)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.CompactOutbox(types.NowMillis() + 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Undelivered events survive compaction.
	due, err := s.DueOutbox(types.NowMillis()+1, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "ev-open", due[0].EventID)
}

func testCard(id string) *types.InteractionCard {
	return &types.InteractionCard{
		CardID:        id,
		Kind:          "REVIEW",
		CallbackToken: "tok",
		CreatedAt:     types.NowMillis(),
		ExpiresAt:     types.NowMillis() + time.Hour.Milliseconds(),
		RequiredRole:  "accountant",
	}
}

func TestCardStatus_MonotonicTransitions(t *testing.T) {
	tests := []struct {
		name    string
		walk    []types.CardStatus
		from    types.CardStatus
		to      types.CardStatus
		wantErr bool
	}{
		{name: "sent to clicked", from: types.CardSent, to: types.CardClicked},
		{name: "clicked to completed", walk: []types.CardStatus{types.CardClicked}, from: types.CardClicked, to: types.CardCompleted},
		{name: "sent to expired", from: types.CardSent, to: types.CardExpired},
		{name: "clicked to expired", walk: []types.CardStatus{types.CardClicked}, from: types.CardClicked, to: types.CardExpired},
		{name: "clicked back to sent", walk: []types.CardStatus{types.CardClicked}, from: types.CardClicked, to: types.CardSent, wantErr: true},
		{name: "completed is terminal", walk: []types.CardStatus{types.CardClicked, types.CardCompleted}, from: types.CardCompleted, to: types.CardClicked, wantErr: true},
		{name: "expired is terminal", walk: []types.CardStatus{types.CardExpired}, from: types.CardExpired, to: types.CardClicked, wantErr: true},
		{name: "stale from", from: types.CardClicked, to: types.CardCompleted, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, Options{})
			require.NoError(t, s.PutCard(testCard("card-1")))

			prev := types.CardSent
			for _, next := range tt.walk {
				require.NoError(t, s.UpdateCardStatus("card-1", prev, next))
				prev = next
			}

			err := s.UpdateCardStatus("card-1", tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadTransition)
				return
			}
			require.NoError(t, err)
			card, err := s.GetCard("card-1")
			require.NoError(t, err)
			assert.Equal(t, tt.to, card.Status)
		})
	}
}

func TestConsumeCard_OneShot(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.PutCard(testCard("card-1")))

	at := types.NowMillis()
	require.NoError(t, s.ConsumeCard("card-1", at))

	// A replayed callback cannot act twice.
	err := s.ConsumeCard("card-1", at+5)
	assert.ErrorIs(t, err, ErrCardConsumed)

	card, err := s.GetCard("card-1")
	require.NoError(t, err)
	assert.Equal(t, at, card.ConsumedAt)

	assert.ErrorIs(t, s.ConsumeCard("card-missing", at), ErrNotFound)
}

func TestFileRecords(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.PutFileRecord(&types.FileRecord{
		Path:        "/drop/alipay_2026-08.csv",
		ContentHash: "hash-a",
		Status:      types.FileDone,
		ProcessedAt: 100,
	}))
	require.NoError(t, s.PutFileRecord(&types.FileRecord{
		Path:        "/drop/bad.csv",
		ContentHash: "hash-b",
		Status:      types.FileFailed,
		Cause:       "unparseable header",
		ProcessedAt: 200,
	}))

	rec, err := s.GetFileRecord("hash-a")
	require.NoError(t, err)
	assert.Equal(t, types.FileDone, rec.Status)

	_, err = s.GetFileRecord("hash-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	recs, err := s.ListFileRecords(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "hash-b", recs[0].ContentHash, "newest first")
}
