package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// PutPendingEntry inserts an external record for later reconciliation.
// Records are deduplicated by content hash: re-ingesting the same statement
// line returns the prior row's id with inserted=false and changes nothing.
func (s *BoltStore) PutPendingEntry(p *types.PendingEntry) (uint64, bool, error) {
	var (
		id       uint64
		inserted bool
	)
	err := s.update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketPendingIdx)
		if p.ContentHash == "" {
			return fmt.Errorf("pending entry %s: empty content hash", p.TraceID)
		}
		if prior := idx.Get([]byte(p.ContentHash)); prior != nil {
			id = btoi(prior)
			inserted = false
			return nil
		}

		b := tx.Bucket(bucketPending)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		now := types.NowMillis()
		p.ID = seq
		if p.Status == "" {
			p.Status = types.PendingUnreconciled
		}
		p.InsertedAt = now
		p.UpdatedAt = now

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		if err := idx.Put([]byte(p.ContentHash), itob(seq)); err != nil {
			return err
		}
		id = seq
		inserted = true
		return nil
	})
	return id, inserted, err
}

// GetPendingEntry retrieves one pending entry by id.
func (s *BoltStore) GetPendingEntry(id uint64) (*types.PendingEntry, error) {
	var p types.PendingEntry
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPending).Get(itob(id))
		if data == nil {
			return fmt.Errorf("pending entry %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPendingByStatus returns pending entries in the given status, oldest
// first (insertion order).
func (s *BoltStore) ListPendingByStatus(status types.PendingStatus) ([]*types.PendingEntry, error) {
	var out []*types.PendingEntry
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var p types.PendingEntry
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == status {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// MarkPendingMatched records a reconciliation result: the ledger entry the
// row matched against, the match group for N:M pairings, and the resulting
// status. A row already past UNRECONCILED refuses the transition so two
// concurrent matchers cannot both claim it.
func (s *BoltStore) MarkPendingMatched(id, ledgerID uint64, group string, status types.PendingStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("pending entry %d: %w", id, ErrNotFound)
		}
		var p types.PendingEntry
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Status != types.PendingUnreconciled {
			return fmt.Errorf("pending entry %d is %s: %w", id, p.Status, ErrBadTransition)
		}
		p.Status = status
		p.MatchedLedgerID = ledgerID
		p.MatchGroup = group
		p.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// UpdatePendingStatus moves a pending entry between reconciliation states
// with a compare-and-swap guard, e.g. MATCHED -> RECONCILED on batch confirm.
func (s *BoltStore) UpdatePendingStatus(id uint64, from, to types.PendingStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("pending entry %d: %w", id, ErrNotFound)
		}
		var p types.PendingEntry
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.Status != from {
			return fmt.Errorf("pending entry %d is %s, not %s: %w", id, p.Status, from, ErrBadTransition)
		}
		p.Status = to
		p.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// MarkEvidenceRequested stamps the row so the evidence hunter asks for a
// receipt at most once per stale entry.
func (s *BoltStore) MarkEvidenceRequested(id uint64, at int64) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("pending entry %d: %w", id, ErrNotFound)
		}
		var p types.PendingEntry
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.EvidenceRequestedAt = at
		p.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put(itob(id), out)
	})
}

// PutMatchGroup persists an N:M reconciliation group. Refs carry a unix
// timestamp and are unique by construction; a collision is refused rather
// than silently merged.
func (s *BoltStore) PutMatchGroup(g *types.MatchGroup) error {
	if g.Ref == "" {
		return fmt.Errorf("match group: empty ref")
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMatchGroup)
		if b.Get([]byte(g.Ref)) != nil {
			return fmt.Errorf("match group %s already exists", g.Ref)
		}
		now := types.NowMillis()
		g.CreatedAt = now
		g.UpdatedAt = now
		if g.Status == "" {
			g.Status = types.PendingMatched
		}
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return b.Put([]byte(g.Ref), data)
	})
}

// GetMatchGroup retrieves one group by its shared ref.
func (s *BoltStore) GetMatchGroup(ref string) (*types.MatchGroup, error) {
	var g types.MatchGroup
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMatchGroup).Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("match group %s: %w", ref, ErrNotFound)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListMatchGroups returns every recorded group. The set is small (one row
// per concluded N:M pairing), so no paging.
func (s *BoltStore) ListMatchGroups() ([]*types.MatchGroup, error) {
	var out []*types.MatchGroup
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMatchGroup).ForEach(func(k, v []byte) error {
			var g types.MatchGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

// ConfirmMatches applies one human batch confirmation atomically: suggested
// pairs link their pending rows to the chosen ledger entries and move them
// to RECONCILED, and each named group moves MATCHED -> RECONCILED together
// with every pending row it covers. Any row or group in the wrong state
// fails the whole batch, so a stale or replayed card cannot half-apply.
// Returns the number of pending rows reconciled.
func (s *BoltStore) ConfirmMatches(pairs []types.MatchPair, groupRefs []string) (int, error) {
	var confirmed int
	err := s.update(func(tx *bolt.Tx) error {
		pb := tx.Bucket(bucketPending)
		now := types.NowMillis()

		flip := func(id, entryID uint64, group string) error {
			data := pb.Get(itob(id))
			if data == nil {
				return fmt.Errorf("pending entry %d: %w", id, ErrNotFound)
			}
			var p types.PendingEntry
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			switch p.Status {
			case types.PendingUnreconciled:
				// a fresh row needs something to reconcile against: a
				// ledger entry for a pair, or membership for a group
				if entryID == 0 && group == "" {
					return fmt.Errorf("pending entry %d has nothing to confirm: %w", id, ErrBadTransition)
				}
				if entryID != 0 {
					p.MatchedLedgerID = entryID
				}
			case types.PendingMatched:
				// the matcher already stamped the link; confirmation only advances it
			default:
				return fmt.Errorf("pending entry %d is %s: %w", id, p.Status, ErrBadTransition)
			}
			if group != "" {
				p.MatchGroup = group
			}
			p.Status = types.PendingReconciled
			p.UpdatedAt = now
			out, err := json.Marshal(&p)
			if err != nil {
				return err
			}
			if err := pb.Put(itob(id), out); err != nil {
				return err
			}
			confirmed++
			return nil
		}

		for _, pair := range pairs {
			if err := flip(pair.PendingID, pair.EntryID, ""); err != nil {
				return err
			}
		}

		gb := tx.Bucket(bucketMatchGroup)
		for _, ref := range groupRefs {
			data := gb.Get([]byte(ref))
			if data == nil {
				return fmt.Errorf("match group %s: %w", ref, ErrNotFound)
			}
			var g types.MatchGroup
			if err := json.Unmarshal(data, &g); err != nil {
				return err
			}
			if g.Status != types.PendingMatched {
				return fmt.Errorf("match group %s is %s: %w", ref, g.Status, ErrBadTransition)
			}
			g.Status = types.PendingReconciled
			g.UpdatedAt = now
			out, err := json.Marshal(&g)
			if err != nil {
				return err
			}
			if err := gb.Put([]byte(ref), out); err != nil {
				return err
			}
			for _, id := range g.PendingIDs {
				if err := flip(id, 0, ref); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return confirmed, nil
}

// UpdateMatchGroupStatus moves a group between reconciliation states with a
// compare-and-swap guard, e.g. MATCHED -> RECONCILED on batch confirm.
func (s *BoltStore) UpdateMatchGroupStatus(ref string, from, to types.PendingStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMatchGroup)
		data := b.Get([]byte(ref))
		if data == nil {
			return fmt.Errorf("match group %s: %w", ref, ErrNotFound)
		}
		var g types.MatchGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		if g.Status != from {
			return fmt.Errorf("match group %s is %s, not %s: %w", ref, g.Status, from, ErrBadTransition)
		}
		g.Status = to
		g.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		return b.Put([]byte(ref), out)
	})
}
