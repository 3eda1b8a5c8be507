package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// --- Worker heartbeats ---

// PutHeartbeat upserts a worker's liveness row. The payload is deliberately
// small: workers beat on every loop iteration and the write must stay cheap.
func (s *BoltStore) PutHeartbeat(hb *types.Heartbeat) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeats)
		now := types.NowMillis()
		if prior := b.Get([]byte(hb.WorkerName)); prior != nil {
			var old types.Heartbeat
			if err := json.Unmarshal(prior, &old); err == nil {
				hb.InsertedAt = old.InsertedAt
			}
		}
		if hb.InsertedAt == 0 {
			hb.InsertedAt = now
		}
		if hb.LastBeatAt == 0 {
			hb.LastBeatAt = now
		}
		hb.UpdatedAt = now
		data, err := json.Marshal(hb)
		if err != nil {
			return err
		}
		return b.Put([]byte(hb.WorkerName), data)
	})
}

// GetHeartbeat retrieves one worker's heartbeat row.
func (s *BoltStore) GetHeartbeat(worker string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeartbeats).Get([]byte(worker))
		if data == nil {
			return fmt.Errorf("heartbeat %s: %w", worker, ErrNotFound)
		}
		return json.Unmarshal(data, &hb)
	})
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

// ListHeartbeats returns every worker's heartbeat row.
func (s *BoltStore) ListHeartbeats() ([]*types.Heartbeat, error) {
	var beats []*types.Heartbeat
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).ForEach(func(k, v []byte) error {
			var hb types.Heartbeat
			if err := json.Unmarshal(v, &hb); err != nil {
				return err
			}
			beats = append(beats, &hb)
			return nil
		})
	})
	return beats, err
}

// --- Advisory entry locks ---

// LockEntry claims an advisory lock over the entry for the given owner and
// moves the entry PROPOSED -> LOCKING in the same transaction. A lock held
// by a live owner fails with ErrLocked; a lock whose owner stopped beating
// and whose age exceeds the lock timeout is claimable.
func (s *BoltStore) LockEntry(id uint64, owner string) error {
	return s.update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		key := itob(id)
		now := types.NowMillis()

		if data := locks.Get(key); data != nil {
			var held types.EntryLock
			if err := json.Unmarshal(data, &held); err != nil {
				return err
			}
			if held.Owner == owner {
				return nil // reentrant
			}
			if !s.lockClaimable(tx, &held, now) {
				return &LockedError{EntryID: id, Owner: held.Owner}
			}
			// Stale lock: fall through and overwrite.
		} else {
			// Fresh lock also moves the entry into LOCKING; a stale
			// claim inherits the state the previous owner left behind.
			if err := updateEntryStateTx(tx, id, types.EntryProposed, types.EntryLocking, nil); err != nil {
				return err
			}
		}

		lock := types.EntryLock{EntryID: id, Owner: owner, AcquiredAt: now}
		data, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		return locks.Put(key, data)
	})
}

// lockClaimable reports whether a held lock may be taken over: the owner has
// no ALIVE heartbeat and the lock is older than the configured timeout.
func (s *BoltStore) lockClaimable(tx *bolt.Tx, held *types.EntryLock, now int64) bool {
	if now-held.AcquiredAt < s.opts.LockTimeout.Milliseconds() {
		return false
	}
	data := tx.Bucket(bucketHeartbeats).Get([]byte(held.Owner))
	if data == nil {
		return true
	}
	var hb types.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return true
	}
	if hb.State != types.WorkerAlive {
		return true
	}
	// An owner that still beats keeps its lock regardless of age.
	return now-hb.LastBeatAt > s.opts.LockTimeout.Milliseconds()
}

// UnlockEntry releases the owner's lock. The entry state is left where the
// owner's last transition put it; an entry still LOCKING reverts to PROPOSED
// so another auditor can pick it up.
func (s *BoltStore) UnlockEntry(id uint64, owner string) error {
	return s.update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		key := itob(id)
		data := locks.Get(key)
		if data == nil {
			return nil
		}
		var held types.EntryLock
		if err := json.Unmarshal(data, &held); err != nil {
			return err
		}
		if held.Owner != owner {
			return &LockedError{EntryID: id, Owner: held.Owner}
		}
		if err := locks.Delete(key); err != nil {
			return err
		}

		// Release without a terminal transition hands the entry back.
		b := tx.Bucket(bucketEntries)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var entry types.LedgerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.State == types.EntryLocking {
			return updateEntryStateTx(tx, id, types.EntryLocking, types.EntryProposed, nil)
		}
		return nil
	})
}

// ListLocks returns every advisory lock currently recorded.
func (s *BoltStore) ListLocks() ([]*types.EntryLock, error) {
	var locks []*types.EntryLock
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var l types.EntryLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			locks = append(locks, &l)
			return nil
		})
	})
	return locks, err
}

// releaseLockTx drops a lock row inside an existing transaction; used by the
// maintenance pass when cleaning orphans.
func releaseLockTx(tx *bolt.Tx, id uint64) error {
	return tx.Bucket(bucketLocks).Delete(itob(id))
}

// lockAge is a maintenance helper.
func lockAge(l *types.EntryLock, now time.Time) time.Duration {
	return now.Sub(types.TimeFromMillis(l.AcquiredAt))
}
