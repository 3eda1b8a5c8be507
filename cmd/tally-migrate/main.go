package main

import (
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

// Schema v1 kept external records in a "pending" bucket with no content
// dedup index and no trace index over the ledger. v2 renames the bucket to
// "pending_entries", adds "pending_index" (content hash → id) and
// "trace_index" (trace id → entry id), and stamps meta/schema_version.
const targetSchemaVersion = 2

var (
	dataDir    = flag.String("data-dir", "./tally-data", "Tally data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/tally.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Tally Store Migration Tool - Schema v1 → v2")
	log.Println("===========================================")

	dbPath := filepath.Join(*dataDir, "tally.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateV1ToV2(db, *dryRun); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
	} else {
		log.Println("\n✓ Migration completed successfully!")
		log.Println("Old 'pending' bucket has been preserved for rollback if needed.")
		log.Println("After verifying the migration, you can manually delete it using:")
		log.Printf("  bolt buckets %s", dbPath)
	}
}

func migrateV1ToV2(db *bolt.DB, dryRun bool) error {
	var (
		currentVersion int
		pendingCount   int
		entryCount     int
	)

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket([]byte("meta")); meta != nil {
			if v := meta.Get([]byte("schema_version")); v != nil {
				currentVersion, _ = strconv.Atoi(string(v))
			}
		}
		if old := tx.Bucket([]byte("pending")); old != nil {
			old.ForEach(func(k, v []byte) error {
				pendingCount++
				return nil
			})
		}
		if entries := tx.Bucket([]byte("entries")); entries != nil {
			entries.ForEach(func(k, v []byte) error {
				entryCount++
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if currentVersion >= targetSchemaVersion {
		log.Printf("✓ Database already at schema version %d - nothing to do", currentVersion)
		return nil
	}
	log.Printf("Current schema version: %d", currentVersion)
	log.Printf("Found %d pending records and %d ledger entries", pendingCount, entryCount)

	return db.Update(func(tx *bolt.Tx) error {
		if dryRun {
			log.Println("\n[DRY RUN] Would perform the following operations:")
			log.Printf("1. Copy %d records from 'pending' to 'pending_entries'", pendingCount)
			log.Println("2. Build 'pending_index' from record content hashes")
			log.Printf("3. Build 'trace_index' over %d ledger entries", entryCount)
			log.Printf("4. Stamp meta/schema_version = %d", targetSchemaVersion)
			log.Println("5. Preserve 'pending' bucket for rollback")
			return nil
		}

		if err := migratePending(tx, pendingCount); err != nil {
			return err
		}
		if err := rebuildTraceIndex(tx); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists([]byte("meta"))
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		if err := meta.Put([]byte("schema_version"), []byte(strconv.Itoa(targetSchemaVersion))); err != nil {
			return err
		}
		log.Printf("✓ Schema version stamped: %d", targetSchemaVersion)
		return nil
	})
}

// migratePending copies the v1 'pending' bucket into 'pending_entries' and
// rebuilds the content-hash dedup index. Records without a content hash
// (possible in early v1 files) are copied but not indexed; the next ingest
// of the same line hashes it fresh.
func migratePending(tx *bolt.Tx, total int) error {
	old := tx.Bucket([]byte("pending"))
	if old == nil {
		log.Println("✓ No 'pending' bucket found - records already in new layout")
		return nil
	}

	dst, err := tx.CreateBucketIfNotExists([]byte("pending_entries"))
	if err != nil {
		return fmt.Errorf("failed to create pending_entries bucket: %w", err)
	}
	idx, err := tx.CreateBucketIfNotExists([]byte("pending_index"))
	if err != nil {
		return fmt.Errorf("failed to create pending_index bucket: %w", err)
	}

	log.Println("\nMigrating pending records...")
	migrated := 0
	unindexed := 0
	err = old.ForEach(func(k, v []byte) error {
		var rec struct {
			ContentHash string `json:"content_hash"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			log.Printf("⚠ Warning: Skipping invalid JSON for key %x: %v", k, err)
			return nil
		}
		if err := dst.Put(k, v); err != nil {
			return fmt.Errorf("failed to copy pending record %x: %w", k, err)
		}
		if rec.ContentHash != "" {
			if err := idx.Put([]byte(rec.ContentHash), k); err != nil {
				return err
			}
		} else {
			unindexed++
		}
		migrated++
		if migrated%100 == 0 {
			log.Printf("  Migrated %d/%d...", migrated, total)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The destination inherits the source's id sequence so fresh inserts
	// never collide with migrated rows.
	if seq := old.Sequence(); seq > dst.Sequence() {
		if err := dst.SetSequence(seq); err != nil {
			return err
		}
	}

	log.Printf("✓ Migrated %d/%d pending records (%d without content hash)", migrated, total, unindexed)
	log.Println("✓ Preserved 'pending' bucket for rollback")
	return nil
}

// rebuildTraceIndex derives trace_id → entry id over the whole ledger. The
// index is what makes duplicate-trace detection O(1) in v2.
func rebuildTraceIndex(tx *bolt.Tx) error {
	entries := tx.Bucket([]byte("entries"))
	if entries == nil {
		log.Println("✓ No ledger entries to index")
		return nil
	}

	idx, err := tx.CreateBucketIfNotExists([]byte("trace_index"))
	if err != nil {
		return fmt.Errorf("failed to create trace_index bucket: %w", err)
	}

	indexed := 0
	err = entries.ForEach(func(k, v []byte) error {
		var entry struct {
			ID      uint64 `json:"id"`
			TraceID string `json:"trace_id"`
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			log.Printf("⚠ Warning: Skipping invalid JSON for entry %x: %v", k, err)
			return nil
		}
		if entry.TraceID == "" {
			return nil
		}
		id := make([]byte, 8)
		binary.BigEndian.PutUint64(id, entry.ID)
		if err := idx.Put([]byte(entry.TraceID), id); err != nil {
			return err
		}
		indexed++
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("✓ Indexed %d ledger entries by trace id", indexed)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
