package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// snapshotFileName builds the on-disk name for a snapshot.
func snapshotFileName(id string, createdAt int64) string {
	return fmt.Sprintf("snapshot-%s-%d.db", id, createdAt)
}

// Snapshot writes a consistent point-in-time copy of the database file and
// records it in the catalog. The copy happens inside a read transaction, so
// writers keep running while the file streams out.
func (s *BoltStore) Snapshot(description string) (*types.SnapshotInfo, error) {
	info := &types.SnapshotInfo{
		SnapshotID:  types.NewSnapshotID(),
		CreatedAt:   types.NowMillis(),
		Description: description,
	}
	info.Path = filepath.Join(s.snapshotDir, snapshotFileName(info.SnapshotID, info.CreatedAt))

	tmp := info.Path + ".tmp"
	err := s.view(func(tx *bolt.Tx) error {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		n, err := tx.WriteTo(f)
		if err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		info.SizeBytes = n
		return f.Close()
	})
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, info.Path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	err = s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(info.SnapshotID), data)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListSnapshots returns the snapshot catalog, oldest first.
func (s *BoltStore) ListSnapshots() ([]*types.SnapshotInfo, error) {
	var infos []*types.SnapshotInfo
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var info types.SnapshotInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			infos = append(infos, &info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt < infos[j].CreatedAt })
	return infos, nil
}

// RollbackTo restores the database file from a snapshot. It takes the
// exclusive side of the handle lock, so every in-flight transaction drains
// first and no new one starts until the swapped file is reopened. The
// snapshot's state replaces everything, including any chain break marker
// recorded after the snapshot was taken.
func (s *BoltStore) RollbackTo(snapshotID string) error {
	if s.opts.ReadOnly {
		return fmt.Errorf("rollback: store is read-only")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Resolve the snapshot against the live catalog before touching the
	// handle. view() would re-enter the lock, so read directly.
	var info types.SnapshotInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(snapshotID))
		if data == nil {
			return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(info.Path); err != nil {
		return fmt.Errorf("snapshot file %s: %w", info.Path, err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database for rollback: %w", err)
	}

	// Stage the restored file next to the live one and rename over it, so a
	// crash mid-restore leaves either the old or the new file, never a torn
	// one.
	staged := s.dbPath + ".restore"
	if err := copyFile(info.Path, staged); err != nil {
		os.Remove(staged)
		if db, openErr := openWithRetry(s.dbPath, s.boltOptions()); openErr == nil {
			s.db = db
		}
		return fmt.Errorf("failed to stage snapshot: %w", err)
	}
	if err := os.Rename(staged, s.dbPath); err != nil {
		os.Remove(staged)
		if db, openErr := openWithRetry(s.dbPath, s.boltOptions()); openErr == nil {
			s.db = db
		}
		return fmt.Errorf("failed to swap database file: %w", err)
	}

	db, err := openWithRetry(s.dbPath, s.boltOptions())
	if err != nil {
		return fmt.Errorf("failed to reopen database after rollback: %w", err)
	}
	db.NoSync = s.opts.NoSync
	s.db = db

	// The restored catalog predates snapshots taken after the restore
	// point; their files are still on disk, so fold them back in and leave
	// an audit marker.
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := reindexSnapshotsTx(tx, s.snapshotDir); err != nil {
			return err
		}
		marker, err := json.Marshal(map[string]any{
			"snapshot_id": snapshotID,
			"restored_at": types.NowMillis(),
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte("restored_from"), marker)
	})
}

// reindexSnapshotsTx re-registers snapshot files found on disk that the
// (possibly just-restored) catalog does not know about.
func reindexSnapshotsTx(tx *bolt.Tx, dir string) error {
	b := tx.Bucket(bucketSnapshots)
	paths, err := filepath.Glob(filepath.Join(dir, "snapshot-*.db"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "snapshot-"), ".db")
		cut := strings.LastIndexByte(name, '-')
		if cut <= 0 {
			continue
		}
		id := name[:cut]
		createdAt, err := strconv.ParseInt(name[cut+1:], 10, 64)
		if err != nil {
			continue
		}
		if b.Get([]byte(id)) != nil {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		info := types.SnapshotInfo{
			SnapshotID: id,
			CreatedAt:  createdAt,
			SizeBytes:  fi.Size(),
			Path:       p,
		}
		data, err := json.Marshal(&info)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
