package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// balanceScale is the precision aggregate sums are reported at. Individual
// amounts carry scale 2; summation keeps the extra digits so long runs of
// rounding never drift.
const balanceScale = 6

// TrialBalance sums posted amounts per account category. Reverted originals
// stay in the sum so each reversing entry cancels its counterpart; a fully
// reverted pair nets to zero instead of leaving a one-sided residue.
func (s *BoltStore) TrialBalance() (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			switch entry.State {
			case types.EntryPosted, types.EntryRisk, types.EntryReverted:
			default:
				return nil
			}
			sum, ok := totals[entry.Category]
			if !ok {
				sum = decimal.Zero
			}
			totals[entry.Category] = sum.Add(entry.Amount)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for category, sum := range totals {
		totals[category] = sum.Round(balanceScale)
	}
	return totals, nil
}

// AuditTrail returns the most recent entries joined with their inference
// steps, audit verdicts, and reconciliation status, newest first. A limit of
// 0 means no cap.
func (s *BoltStore) AuditTrail(limit int) ([]*types.AuditTrailRow, error) {
	var rows []*types.AuditTrailRow
	err := s.view(func(tx *bolt.Tx) error {
		// Pending rows that reconciled against a ledger entry mark it matched.
		matched := make(map[uint64]bool)
		err := tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var p types.PendingEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.MatchedLedgerID != 0 {
				matched[p.MatchedLedgerID] = true
			}
			return nil
		})
		if err != nil {
			return err
		}

		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			rows = append(rows, &types.AuditTrailRow{
				Entry:    entry,
				Steps:    entry.InferenceLog,
				Verdict:  entry.Audit,
				Matched:  matched[entry.ID],
				Reverted: entry.State == types.EntryReverted || entry.RevertOf != 0,
			})
			if limit > 0 && len(rows) >= limit {
				return nil
			}
		}
		return nil
	})
	return rows, err
}

// EntryStateCounts reports the number of ledger entries per state.
func (s *BoltStore) EntryStateCounts() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			counts[string(entry.State)]++
			return nil
		})
	})
	return counts, err
}

// PendingStatusCounts reports the number of pending entries per status.
func (s *BoltStore) PendingStatusCounts() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var p types.PendingEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			counts[string(p.Status)]++
			return nil
		})
	})
	return counts, err
}

// RuleLevelCounts reports the number of live rules per audit level.
func (s *BoltStore) RuleLevelCounts() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r types.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			counts[string(r.AuditLevel)]++
			return nil
		})
	})
	return counts, err
}

// OutboxPendingCount reports how many outbox events await delivery.
func (s *BoltStore) OutboxPendingCount() (int, error) {
	var n int
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var ev types.OutboxEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Status == types.OutboxPending {
				n++
			}
			return nil
		})
	})
	return n, err
}

// HeartbeatAges reports the time since each worker's last beat.
func (s *BoltStore) HeartbeatAges(now time.Time) (map[string]time.Duration, error) {
	beats, err := s.ListHeartbeats()
	if err != nil {
		return nil, err
	}
	ages := make(map[string]time.Duration, len(beats))
	for _, hb := range beats {
		ages[hb.WorkerName] = now.Sub(types.TimeFromMillis(hb.LastBeatAt))
	}
	return ages, nil
}

// ChainHeadSeq reports the current chain head sequence.
func (s *BoltStore) ChainHeadSeq() (uint64, error) {
	seq, _, err := s.ChainHead()
	return seq, err
}

// VendorHistory returns the vendor's prior posted entries, oldest first, for
// the auditor's historical consistency check. Reverted rows are excluded:
// a cancelled purchase should not anchor future price expectations.
func (s *BoltStore) VendorHistory(vendor string, limit int) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Vendor != vendor || entry.RevertOf != 0 {
				return nil
			}
			if entry.State != types.EntryPosted && entry.State != types.EntryRisk {
				return nil
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].OccurredAt < entries[j].OccurredAt })
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
