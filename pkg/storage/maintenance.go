package storage

import (
	"encoding/json"
	"time"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Maintenance runs one self-healing pass in a single transaction:
//   - advisory locks whose owner stopped beating and whose age exceeds the
//     lock timeout are dropped, and entries they left LOCKING revert to
//     PROPOSED so another auditor can pick them up;
//   - cards past their expiry flip to EXPIRED.
//
// The pass is idempotent; running it twice finds nothing the second time.
func (s *BoltStore) Maintenance(now time.Time) (MaintenanceReport, error) {
	var report MaintenanceReport
	nowMs := now.UTC().UnixMilli()

	err := s.update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketLocks)
		var stale []uint64
		err := locks.ForEach(func(k, v []byte) error {
			var held types.EntryLock
			if err := json.Unmarshal(v, &held); err != nil {
				return err
			}
			if s.lockClaimable(tx, &held, nowMs) {
				stale = append(stale, held.EntryID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range stale {
			if err := releaseLockTx(tx, id); err != nil {
				return err
			}
			report.StaleLocks++

			data := tx.Bucket(bucketEntries).Get(itob(id))
			if data == nil {
				continue
			}
			var entry types.LedgerEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			if entry.State == types.EntryLocking {
				if err := updateEntryStateTx(tx, id, types.EntryLocking, types.EntryProposed, nil); err != nil {
					return err
				}
				report.OrphanedEntries++
			}
		}

		cards := tx.Bucket(bucketCards)
		var expired []*types.InteractionCard
		err = cards.ForEach(func(k, v []byte) error {
			var card types.InteractionCard
			if err := json.Unmarshal(v, &card); err != nil {
				return err
			}
			switch card.Status {
			case types.CardSent, types.CardClicked:
				if card.ExpiresAt > 0 && card.ExpiresAt < nowMs {
					expired = append(expired, &card)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, card := range expired {
			card.Status = types.CardExpired
			card.UpdatedAt = nowMs
			data, err := json.Marshal(card)
			if err != nil {
				return err
			}
			if err := cards.Put([]byte(card.CardID), data); err != nil {
				return err
			}
			report.ExpiredCards++
		}
		return nil
	})
	return report, err
}

// CompactOutbox removes terminal outbox events older than the cutoff. ACKed
// events have served their purpose; FAILED ones stay visible for the
// retention window so operators can inspect what never got through.
func (s *BoltStore) CompactOutbox(before int64) (int, error) {
	var removed int
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		var drop [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ev types.OutboxEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if (ev.Status == types.OutboxAck || ev.Status == types.OutboxFailed) && ev.UpdatedAt < before {
				key := make([]byte, len(k))
				copy(key, k)
				drop = append(drop, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
