package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestSnapshotAndRollback(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	_, err = s.AppendEntry(testEntry("t-2", "Didi", "-18.50"))
	require.NoError(t, err)

	info, err := s.Snapshot("before import")
	require.NoError(t, err)
	require.NotEmpty(t, info.SnapshotID)
	assert.Positive(t, info.SizeBytes)
	assert.FileExists(t, info.Path)

	_, err = s.AppendEntry(testEntry("t-3", "JD.com", "-299.00"))
	require.NoError(t, err)

	require.NoError(t, s.RollbackTo(info.SnapshotID))

	// The restore point had two entries; the third is gone.
	seq, _, err := s.ChainHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	_, err = s.GetEntry(3)
	assert.ErrorIs(t, err, ErrNotFound)

	// The rollback leaves an audit marker.
	var marker []byte
	require.NoError(t, s.view(func(tx *bolt.Tx) error {
		marker = tx.Bucket(bucketMeta).Get([]byte("restored_from"))
		return nil
	}))
	assert.NotEmpty(t, marker)

	// The store keeps working: appends continue from the restored head.
	id, err := s.AppendEntry(testEntry("t-3-again", "JD.com", "-299.00"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	broken, err := s.VerifyChain(0, 0)
	require.NoError(t, err)
	assert.Zero(t, broken)
}

func TestRollback_ReindexesNewerSnapshots(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	older, err := s.Snapshot("restore point")
	require.NoError(t, err)

	_, err = s.AppendEntry(testEntry("t-2", "Didi", "-18.50"))
	require.NoError(t, err)
	newer, err := s.Snapshot("taken after")
	require.NoError(t, err)

	require.NoError(t, s.RollbackTo(older.SnapshotID))

	// The restored catalog predates the newer snapshot, but its file is
	// still on disk and gets folded back in.
	infos, err := s.ListSnapshots()
	require.NoError(t, err)
	ids := make(map[string]bool, len(infos))
	for _, info := range infos {
		ids[info.SnapshotID] = true
	}
	assert.True(t, ids[older.SnapshotID])
	assert.True(t, ids[newer.SnapshotID])
}

func TestRollback_ClearsChainBreakLatch(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.AppendEntry(testEntry("t-1", "Starbucks", "-35.00"))
	require.NoError(t, err)
	info, err := s.Snapshot("clean")
	require.NoError(t, err)

	// Latch a break after the snapshot.
	require.NoError(t, s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChain).Put(keyBreak, []byte(`{"seq":1,"detail":"test"}`))
	}))
	_, err = s.AppendEntry(testEntry("t-blocked", "Didi", "-10.00"))
	require.ErrorIs(t, err, ErrChainBroken)

	// Restoring the pre-break state lifts the latch with it.
	require.NoError(t, s.RollbackTo(info.SnapshotID))
	latched, _ := s.ChainBroken()
	assert.False(t, latched)

	_, err = s.AppendEntry(testEntry("t-2", "Didi", "-10.00"))
	assert.NoError(t, err)
}

func TestRollback_UnknownSnapshot(t *testing.T) {
	s := newTestStore(t, Options{})
	assert.ErrorIs(t, s.RollbackTo("snap-missing"), ErrNotFound)
}

func TestListSnapshots_Ordering(t *testing.T) {
	s := newTestStore(t, Options{})

	first, err := s.Snapshot("first")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // distinct CreatedAt
	second, err := s.Snapshot("second")
	require.NoError(t, err)

	infos, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, first.SnapshotID, infos[0].SnapshotID, "oldest first")
	assert.Equal(t, second.SnapshotID, infos[1].SnapshotID)
}
