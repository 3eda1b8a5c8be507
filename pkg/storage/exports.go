package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// PutExportRecord inserts the audit row for a starting export.
func (s *BoltStore) PutExportRecord(rec *types.ExportRecord) error {
	if rec.ExportID == "" {
		return fmt.Errorf("export record without id")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = types.NowMillis()
	}
	if rec.Status == "" {
		rec.Status = types.ExportPending
	}
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExports).Put([]byte(rec.ExportID), data)
	})
}

// CompleteExport stamps the terminal status on an export audit row.
func (s *BoltStore) CompleteExport(exportID, status string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExports)
		data := b.Get([]byte(exportID))
		if data == nil {
			return fmt.Errorf("export %s: %w", exportID, ErrNotFound)
		}
		var rec types.ExportRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Status = status
		rec.CompletedAt = types.NowMillis()
		out, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(exportID), out)
	})
}

// ListExportRecords returns export audit rows, newest first. A limit of 0
// means no cap.
func (s *BoltStore) ListExportRecords(limit int) ([]*types.ExportRecord, error) {
	var recs []*types.ExportRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExports).ForEach(func(k, v []byte) error {
			var rec types.ExportRecord
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
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt > recs[j].CreatedAt })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
