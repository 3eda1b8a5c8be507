package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// --- Outbox events ---

// EnqueueOutbox persists an outbound notification in the same store that
// holds the state change it announces. Delivery is the dispatcher's job;
// enqueueing only guarantees the event survives a crash.
func (s *BoltStore) EnqueueOutbox(ev *types.OutboxEvent) error {
	return s.update(func(tx *bolt.Tx) error {
		if ev.EventID == "" {
			return fmt.Errorf("outbox event: empty event id")
		}
		now := types.NowMillis()
		if ev.Status == "" {
			ev.Status = types.OutboxPending
		}
		if ev.NextAttemptAt == 0 {
			ev.NextAttemptAt = now
		}
		ev.InsertedAt = now
		ev.UpdatedAt = now
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOutbox).Put([]byte(ev.EventID), data)
	})
}

// DueOutbox returns pending events whose next attempt time has passed,
// ordered by next attempt time, up to limit.
func (s *BoltStore) DueOutbox(now int64, limit int) ([]*types.OutboxEvent, error) {
	var due []*types.OutboxEvent
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var ev types.OutboxEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.Status == types.OutboxPending && ev.NextAttemptAt <= now {
				due = append(due, &ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt < due[j].NextAttemptAt })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkOutbox records a delivery attempt's outcome.
func (s *BoltStore) MarkOutbox(eventID string, status types.OutboxStatus, attempts int, nextAttemptAt int64, lastErr string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		data := b.Get([]byte(eventID))
		if data == nil {
			return fmt.Errorf("outbox event %s: %w", eventID, ErrNotFound)
		}
		var ev types.OutboxEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		ev.Status = status
		ev.Attempts = attempts
		ev.NextAttemptAt = nextAttemptAt
		ev.LastError = lastErr
		ev.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return b.Put([]byte(eventID), out)
	})
}

// --- Interaction cards ---

// PutCard stores a new interaction card.
func (s *BoltStore) PutCard(card *types.InteractionCard) error {
	return s.update(func(tx *bolt.Tx) error {
		if card.CardID == "" {
			return fmt.Errorf("interaction card: empty card id")
		}
		now := types.NowMillis()
		if card.Status == "" {
			card.Status = types.CardSent
		}
		card.InsertedAt = now
		card.UpdatedAt = now
		data, err := json.Marshal(card)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCards).Put([]byte(card.CardID), data)
	})
}

// GetCard retrieves one interaction card.
func (s *BoltStore) GetCard(cardID string) (*types.InteractionCard, error) {
	var card types.InteractionCard
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCards).Get([]byte(cardID))
		if data == nil {
			return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
		}
		return json.Unmarshal(data, &card)
	})
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// cardRank orders card statuses for monotonic transition checks.
var cardRank = map[types.CardStatus]int{
	types.CardSent:      0,
	types.CardClicked:   1,
	types.CardCompleted: 2,
	types.CardExpired:   3,
}

// UpdateCardStatus moves a card from -> to. Transitions only move forward:
// SENT -> CLICKED -> COMPLETED, with EXPIRED reachable from any non-terminal
// state. A stale from value fails with ErrBadTransition.
func (s *BoltStore) UpdateCardStatus(cardID string, from, to types.CardStatus) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCards)
		data := b.Get([]byte(cardID))
		if data == nil {
			return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
		}
		var card types.InteractionCard
		if err := json.Unmarshal(data, &card); err != nil {
			return err
		}
		if card.Status != from {
			return fmt.Errorf("card %s is %s, not %s: %w", cardID, card.Status, from, ErrBadTransition)
		}
		if card.Status == types.CardCompleted || card.Status == types.CardExpired {
			return fmt.Errorf("card %s is terminal %s: %w", cardID, card.Status, ErrBadTransition)
		}
		if to != types.CardExpired && cardRank[to] <= cardRank[from] {
			return fmt.Errorf("card %s: %s -> %s: %w", cardID, from, to, ErrBadTransition)
		}
		card.Status = to
		card.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&card)
		if err != nil {
			return err
		}
		return b.Put([]byte(cardID), out)
	})
}

// ConsumeCard stamps the one-shot replay marker. A card already consumed
// fails with ErrCardConsumed so a duplicate callback cannot act twice.
func (s *BoltStore) ConsumeCard(cardID string, at int64) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCards)
		data := b.Get([]byte(cardID))
		if data == nil {
			return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
		}
		var card types.InteractionCard
		if err := json.Unmarshal(data, &card); err != nil {
			return err
		}
		if card.ConsumedAt != 0 {
			return fmt.Errorf("card %s consumed at %d: %w", cardID, card.ConsumedAt, ErrCardConsumed)
		}
		card.ConsumedAt = at
		card.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&card)
		if err != nil {
			return err
		}
		return b.Put([]byte(cardID), out)
	})
}

// --- File records ---

// PutFileRecord records a processed drop-folder file keyed by content hash.
func (s *BoltStore) PutFileRecord(rec *types.FileRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		if rec.ContentHash == "" {
			return fmt.Errorf("file record %s: empty content hash", rec.Path)
		}
		if rec.ProcessedAt == 0 {
			rec.ProcessedAt = types.NowMillis()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put([]byte(rec.ContentHash), data)
	})
}

// GetFileRecord looks up a file record by content hash.
func (s *BoltStore) GetFileRecord(contentHash string) (*types.FileRecord, error) {
	var rec types.FileRecord
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(contentHash))
		if data == nil {
			return fmt.Errorf("file record %s: %w", contentHash, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFileRecords returns the most recently processed files, newest first.
func (s *BoltStore) ListFileRecords(limit int) ([]*types.FileRecord, error) {
	var recs []*types.FileRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var rec types.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ProcessedAt > recs[j].ProcessedAt })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
