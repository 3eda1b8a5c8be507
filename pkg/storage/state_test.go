package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/types"
)

func TestLockEntry_MovesToLocking(t *testing.T) {
	s := newTestStore(t, Options{})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)

	require.NoError(t, s.LockEntry(id, "auditor-1"))

	e, err := s.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.EntryLocking, e.State)

	locks, err := s.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "auditor-1", locks[0].Owner)
	assert.Equal(t, id, locks[0].EntryID)
}

func TestLockEntry_Contention(t *testing.T) {
	s := newTestStore(t, Options{})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	// Reentrant for the same owner.
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	err = s.LockEntry(id, "auditor-2")
	require.ErrorIs(t, err, ErrLocked)

	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "auditor-1", locked.Owner)
	assert.Equal(t, id, locked.EntryID)
}

func TestLockEntry_StaleClaim(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 10 * time.Millisecond})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	// No heartbeat for auditor-1: once the lock ages past the timeout it is
	// claimable by another owner.
	time.Sleep(25 * time.Millisecond)

	require.NoError(t, s.LockEntry(id, "auditor-2"))

	locks, err := s.ListLocks()
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "auditor-2", locks[0].Owner)
}

func TestLockEntry_LiveOwnerKeepsLock(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 50 * time.Millisecond})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	time.Sleep(60 * time.Millisecond)

	// The owner is old but still beating: the lock holds regardless of age.
	require.NoError(t, s.PutHeartbeat(&types.Heartbeat{
		WorkerName: "auditor-1",
		State:      types.WorkerAlive,
		LastBeatAt: types.NowMillis(),
	}))

	err = s.LockEntry(id, "auditor-2")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestUnlockEntry(t *testing.T) {
	s := newTestStore(t, Options{})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))

	// Wrong owner cannot release.
	err = s.UnlockEntry(id, "auditor-2")
	assert.ErrorIs(t, err, ErrLocked)

	// Release without a terminal transition hands the entry back.
	require.NoError(t, s.UnlockEntry(id, "auditor-1"))
	e, err := s.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.EntryProposed, e.State)

	locks, err := s.ListLocks()
	require.NoError(t, err)
	assert.Empty(t, locks)

	// Unlocking an unheld entry is a no-op.
	assert.NoError(t, s.UnlockEntry(id, "auditor-1"))
}

func TestUnlockEntry_AfterVerdict(t *testing.T) {
	s := newTestStore(t, Options{})

	id, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	require.NoError(t, s.LockEntry(id, "auditor-1"))
	require.NoError(t, s.AttachAudit(id, &types.AuditVerdict{
		Decision:  types.AuditApproved,
		DecidedAt: types.NowMillis(),
	}, types.EntryPosted))

	// The verdict already moved the entry; unlock keeps it there.
	require.NoError(t, s.UnlockEntry(id, "auditor-1"))
	e, err := s.GetEntry(id)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPosted, e.State)
}

func TestHeartbeats(t *testing.T) {
	s := newTestStore(t, Options{})

	require.NoError(t, s.PutHeartbeat(&types.Heartbeat{
		WorkerName: "collector",
		PID:        1234,
		State:      types.WorkerAlive,
	}))

	hb, err := s.GetHeartbeat("collector")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerAlive, hb.State)
	assert.NotZero(t, hb.LastBeatAt)
	assert.NotZero(t, hb.InsertedAt)
	first := hb.InsertedAt

	// Updates keep the original insertion time.
	require.NoError(t, s.PutHeartbeat(&types.Heartbeat{
		WorkerName: "collector",
		PID:        1234,
		State:      types.WorkerStuck,
		LastBeatAt: types.NowMillis(),
	}))
	hb, err = s.GetHeartbeat("collector")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStuck, hb.State)
	assert.Equal(t, first, hb.InsertedAt)

	require.NoError(t, s.PutHeartbeat(&types.Heartbeat{
		WorkerName: "match-engine",
		State:      types.WorkerAlive,
	}))
	beats, err := s.ListHeartbeats()
	require.NoError(t, err)
	assert.Len(t, beats, 2)

	_, err = s.GetHeartbeat("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
