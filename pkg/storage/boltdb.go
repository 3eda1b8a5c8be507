package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketEntries    = []byte("entries")
	bucketChain      = []byte("chain")
	bucketTraceIndex = []byte("trace_index")
	bucketPending    = []byte("pending_entries")
	bucketPendingIdx = []byte("pending_index")
	bucketMatchGroup = []byte("match_groups")
	bucketRules      = []byte("rules")
	bucketRuleHist   = []byte("rule_history")
	bucketHeartbeats = []byte("heartbeats")
	bucketOutbox     = []byte("outbox")
	bucketCards      = []byte("cards")
	bucketLocks      = []byte("locks")
	bucketFiles      = []byte("files")
	bucketSnapshots  = []byte("snapshots")
	bucketExports    = []byte("export_audit")
	bucketMeta       = []byte("meta")
)

// Chain bucket keys
var (
	keyHeadSeq  = []byte("head_seq")
	keyHeadHash = []byte("head_hash")
	keyBreak    = []byte("break")
)

// SchemaVersion is the on-disk layout version, persisted under meta and
// checked by tally-migrate.
const SchemaVersion = 2

// GenesisHash anchors the chain before the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const busyAttempts = 5

// Options tune the embedded store.
type Options struct {
	// BusyTimeout bounds how long opening waits for the file lock when
	// another process holds the database.
	BusyTimeout time.Duration
	// NoSync skips fsync on commit. Only for tests and bulk imports.
	NoSync bool
	// ReadOnly opens a shared-lock handle for inspection commands.
	ReadOnly bool
	// LockTimeout is the age past which an advisory entry lock is
	// claimable by another owner.
	LockTimeout time.Duration
	// CardTTL governs how long an interaction card stays actionable;
	// Maintenance expires cards past it.
	CardTTL time.Duration
}

// BoltStore implements Store over a single bbolt file.
type BoltStore struct {
	// mu guards the db handle. Every transaction holds the read side;
	// RollbackTo takes the write side so the file swap happens with no
	// transaction in flight (the daemon-wide exclusive lock).
	mu          sync.RWMutex
	db          *bolt.DB
	dbPath      string
	snapshotDir string
	opts        Options
}

// NewBoltStore opens (or creates) the ledger database under dataDir.
func NewBoltStore(dataDir string, opts Options) (*BoltStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Minute
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &BoltStore{
		dbPath:      filepath.Join(dataDir, "tally.db"),
		snapshotDir: filepath.Join(dataDir, "snapshots"),
		opts:        opts,
	}
	if err := os.MkdirAll(s.snapshotDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	db, err := openWithRetry(s.dbPath, s.boltOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.NoSync = opts.NoSync
	s.db = db

	if !opts.ReadOnly {
		if err := s.ensureBuckets(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *BoltStore) boltOptions() *bolt.Options {
	return &bolt.Options{
		Timeout:  s.opts.BusyTimeout,
		ReadOnly: s.opts.ReadOnly,
	}
}

// openWithRetry absorbs transient lock contention: a second handle (the
// inspection CLI against a live daemon, or overlapping tests) backs off with
// jitter instead of failing on the first flock timeout.
func openWithRetry(path string, opts *bolt.Options) (*bolt.DB, error) {
	var db *bolt.DB
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			metrics.BusyRetriesTotal.Inc()
			time.Sleep(busyBackoff(attempt))
		}
		db, err = bolt.Open(path, 0600, opts)
		if err == nil {
			return db, nil
		}
		if !isBusy(err) {
			return nil, err
		}
	}
	return nil, err
}

// busyBackoff returns an exponential delay with full jitter, capped at 2s.
func busyBackoff(attempt int) time.Duration {
	max := 100 * time.Millisecond * (1 << uint(attempt-1))
	if max > 2*time.Second {
		max = 2 * time.Second
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func isBusy(err error) bool {
	return errors.Is(err, bolt.ErrTimeout) || strings.Contains(err.Error(), "timeout")
}

// view runs a read transaction under the handle guard.
func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

// update runs a write transaction under the handle guard, absorbing
// transient contention with exponential backoff plus jitter. bbolt
// serializes writers internally; the retry matters when a second process
// (inspection CLI, migrate tool) briefly holds the file.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return retryBusy(func() error {
		return s.db.Update(fn)
	})
}

// retryBusy retries op while it reports lock contention. Non-busy errors
// surface immediately.
func retryBusy(op func() error) error {
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			metrics.BusyRetriesTotal.Inc()
			time.Sleep(busyBackoff(attempt))
		}
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
	}
	return err
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketChain,
			bucketTraceIndex,
			bucketPending,
			bucketPendingIdx,
			bucketMatchGroup,
			bucketRules,
			bucketRuleHist,
			bucketHeartbeats,
			bucketOutbox,
			bucketCards,
			bucketLocks,
			bucketFiles,
			bucketSnapshots,
			bucketExports,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(strconv.Itoa(SchemaVersion)))
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the live database file path.
func (s *BoltStore) Path() string {
	return s.dbPath
}

// Checkpoint forces a sync of the database file. With NoSync imports this is
// the durability point; otherwise it is a cheap no-op fsync.
func (s *BoltStore) Checkpoint() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Sync()
}

// --- Ledger entries and the hash chain ---

// chainHash derives the tamper-evidence hash for an entry given its
// predecessor. Amount is rendered at fixed scale 2 and occurred_at as
// decimal milliseconds so the digest is stable across readers.
func chainHash(prevHash string, e *types.LedgerEntry) string {
	h := sha256.New()
	io.WriteString(h, prevHash)
	io.WriteString(h, e.Amount.StringFixed(2))
	io.WriteString(h, e.Vendor)
	io.WriteString(h, e.Category)
	io.WriteString(h, e.TraceID)
	io.WriteString(h, strconv.FormatInt(e.OccurredAt, 10))
	return hex.EncodeToString(h.Sum(nil))
}

// AppendEntry writes one entry at the chain head. The whole operation is a
// single transaction: duplicate-trace check, hash derivation, id assignment,
// insert, head advance. Returns the assigned id.
func (s *BoltStore) AppendEntry(entry *types.LedgerEntry) (uint64, error) {
	var id uint64
	err := s.update(func(tx *bolt.Tx) error {
		var err error
		id, err = appendEntryTx(tx, entry)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateTrace):
			metrics.AppendRejectedTotal.WithLabelValues("duplicate_trace").Inc()
		case errors.Is(err, ErrChainBroken):
			metrics.AppendRejectedTotal.WithLabelValues("chain_broken").Inc()
		default:
			metrics.AppendRejectedTotal.WithLabelValues("error").Inc()
		}
		return 0, err
	}
	metrics.EntriesAppendedTotal.Inc()
	metrics.ChainHead.Set(float64(id))
	return id, nil
}

// appendEntryTx is the shared append path, also used by MarkReverted so the
// flip and its reversing entry commit together.
func appendEntryTx(tx *bolt.Tx, entry *types.LedgerEntry) (uint64, error) {
	chain := tx.Bucket(bucketChain)
	if data := chain.Get(keyBreak); data != nil {
		var brk ChainBreakError
		if err := json.Unmarshal(data, &brk); err != nil {
			return 0, fmt.Errorf("corrupt break latch: %w", err)
		}
		return 0, &brk
	}

	idx := tx.Bucket(bucketTraceIndex)
	if prior := idx.Get([]byte(entry.TraceID)); prior != nil {
		return 0, &DuplicateTraceError{TraceID: entry.TraceID, PriorID: btoi(prior)}
	}

	b := tx.Bucket(bucketEntries)
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}

	prev := GenesisHash
	if h := chain.Get(keyHeadHash); h != nil {
		prev = string(h)
	}

	now := types.NowMillis()
	entry.ID = seq
	entry.PrevHash = prev
	entry.ChainHash = chainHash(prev, entry)
	entry.InsertedAt = now
	entry.UpdatedAt = now
	if entry.State == "" {
		entry.State = types.EntryProposed
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	if err := b.Put(itob(seq), data); err != nil {
		return 0, err
	}
	if err := idx.Put([]byte(entry.TraceID), itob(seq)); err != nil {
		return 0, err
	}
	if err := chain.Put(keyHeadHash, []byte(entry.ChainHash)); err != nil {
		return 0, err
	}
	return seq, chain.Put(keyHeadSeq, itob(seq))
}

// GetEntry retrieves an entry by id.
func (s *BoltStore) GetEntry(id uint64) (*types.LedgerEntry, error) {
	var entry types.LedgerEntry
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get(itob(id))
		if data == nil {
			return fmt.Errorf("entry %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetEntryByTrace retrieves an entry through the trace index.
func (s *BoltStore) GetEntryByTrace(traceID string) (*types.LedgerEntry, error) {
	var entry types.LedgerEntry
	err := s.view(func(tx *bolt.Tx) error {
		ref := tx.Bucket(bucketTraceIndex).Get([]byte(traceID))
		if ref == nil {
			return fmt.Errorf("trace %s: %w", traceID, ErrNotFound)
		}
		data := tx.Bucket(bucketEntries).Get(ref)
		if data == nil {
			return fmt.Errorf("trace %s points at missing entry %d: %w", traceID, btoi(ref), ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListEntriesByState returns entries in the given state, ascending by id.
func (s *BoltStore) ListEntriesByState(state types.EntryState) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.State == state {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

// ListEntriesSince returns up to limit entries with id > sinceID, ascending.
// A limit of 0 means no cap.
func (s *BoltStore) ListEntriesSince(sinceID uint64, limit int) ([]*types.LedgerEntry, error) {
	var entries []*types.LedgerEntry
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(itob(sinceID + 1)); k != nil; k, v = c.Next() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

// entryTransitions enumerates the legal lifecycle moves. Terminal states
// (POSTED, REJECTED, REVERTED) accept no transition here; reversal goes
// through MarkReverted.
var entryTransitions = map[types.EntryState][]types.EntryState{
	types.EntryProposed: {types.EntryLocking, types.EntryRejected},
	types.EntryLocking:  {types.EntryProposed, types.EntryAudited, types.EntryPosted, types.EntryRejected, types.EntryRisk},
	types.EntryAudited:  {types.EntryPosted, types.EntryRejected, types.EntryRisk},
	types.EntryRisk:     {types.EntryPosted, types.EntryRejected},
}

func transitionAllowed(from, to types.EntryState) bool {
	for _, t := range entryTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateEntryState moves an entry from one lifecycle state to another.
// The from state is a compare-and-swap guard: a concurrent move surfaces as
// ErrBadTransition instead of silently clobbering the other writer.
func (s *BoltStore) UpdateEntryState(id uint64, from, to types.EntryState) error {
	return s.update(func(tx *bolt.Tx) error {
		return updateEntryStateTx(tx, id, from, to, nil)
	})
}

// AttachAudit stores the verdict and moves the entry in one transaction.
func (s *BoltStore) AttachAudit(id uint64, verdict *types.AuditVerdict, to types.EntryState) error {
	return s.update(func(tx *bolt.Tx) error {
		return updateEntryStateTx(tx, id, types.EntryLocking, to, verdict)
	})
}

func updateEntryStateTx(tx *bolt.Tx, id uint64, from, to types.EntryState, verdict *types.AuditVerdict) error {
	b := tx.Bucket(bucketEntries)
	data := b.Get(itob(id))
	if data == nil {
		return fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	var entry types.LedgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	if entry.State.Terminal() {
		return fmt.Errorf("entry %d in state %s: %w", id, entry.State, ErrImmutable)
	}
	if entry.State != from {
		return fmt.Errorf("entry %d is %s, not %s: %w", id, entry.State, from, ErrBadTransition)
	}
	if !transitionAllowed(from, to) {
		return fmt.Errorf("entry %d: %s -> %s: %w", id, from, to, ErrBadTransition)
	}
	entry.State = to
	if verdict != nil {
		entry.Audit = verdict
	}
	entry.UpdatedAt = types.NowMillis()
	out, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return b.Put(itob(id), out)
}

// MarkReverted performs a logical reversal: the original flips to REVERTED
// and a reversing entry with the sign-flipped amount is appended in the same
// transaction. The pair cancels in the trial balance; nothing is deleted.
// Returns the reversing entry's id.
func (s *BoltStore) MarkReverted(id uint64, reason string) (uint64, error) {
	var revID uint64
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("entry %d: %w", id, ErrNotFound)
		}
		var orig types.LedgerEntry
		if err := json.Unmarshal(data, &orig); err != nil {
			return err
		}
		switch orig.State {
		case types.EntryReverted:
			return fmt.Errorf("entry %d already reverted: %w", id, ErrImmutable)
		case types.EntryRejected:
			return fmt.Errorf("entry %d was rejected, nothing to revert: %w", id, ErrBadTransition)
		}

		orig.State = types.EntryReverted
		orig.RevertReason = reason
		orig.UpdatedAt = types.NowMillis()
		out, err := json.Marshal(&orig)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), out); err != nil {
			return err
		}

		rev := &types.LedgerEntry{
			TraceID:      orig.TraceID + "-R",
			TenantID:     orig.TenantID,
			Amount:       orig.Amount.Neg(),
			Vendor:       orig.Vendor,
			Category:     orig.Category,
			OccurredAt:   types.NowMillis(),
			ProjectID:    orig.ProjectID,
			State:        types.EntryPosted,
			RevertOf:     orig.ID,
			RevertReason: reason,
		}
		revID, err = appendEntryTx(tx, rev)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.EntriesAppendedTotal.Inc()
	return revID, nil
}

// VerifyChain recomputes hash continuity over [from, to]. Zero bounds mean
// the full chain. Returns the id of the first broken entry, or 0 when the
// range is intact. A detected break latches: subsequent appends fail with
// ErrChainBroken until rollback or ClearChainBreak.
func (s *BoltStore) VerifyChain(from, to uint64) (uint64, error) {
	if from == 0 {
		from = 1
	}
	var breakSeq uint64
	var detail string
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()

		expected := GenesisHash
		if from > 1 {
			// Anchor on the predecessor's stored hash.
			data := b.Get(itob(from - 1))
			if data == nil {
				return fmt.Errorf("entry %d: %w", from-1, ErrNotFound)
			}
			var prev types.LedgerEntry
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			expected = prev.ChainHash
		}

		for k, v := c.Seek(itob(from)); k != nil; k, v = c.Next() {
			var entry types.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if to > 0 && entry.ID > to {
				break
			}
			if entry.PrevHash != expected {
				breakSeq = entry.ID
				detail = fmt.Sprintf("prev_hash mismatch: expected %s, stored %s", short(expected), short(entry.PrevHash))
				return nil
			}
			if got := chainHash(entry.PrevHash, &entry); got != entry.ChainHash {
				breakSeq = entry.ID
				detail = "stored fields no longer produce the stored chain_hash"
				return nil
			}
			expected = entry.ChainHash
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if breakSeq == 0 {
		return 0, nil
	}

	metrics.ChainVerifyFailures.Inc()
	brk := &ChainBreakError{Seq: breakSeq, DetectedAt: types.NowMillis(), Detail: detail}
	latchErr := s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(brk)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChain).Put(keyBreak, data)
	})
	if latchErr != nil {
		return breakSeq, latchErr
	}
	return breakSeq, nil
}

// ChainHead returns the current head sequence and hash.
func (s *BoltStore) ChainHead() (uint64, string, error) {
	var seq uint64
	hash := GenesisHash
	err := s.view(func(tx *bolt.Tx) error {
		chain := tx.Bucket(bucketChain)
		if v := chain.Get(keyHeadSeq); v != nil {
			seq = btoi(v)
		}
		if v := chain.Get(keyHeadHash); v != nil {
			hash = string(v)
		}
		return nil
	})
	return seq, hash, err
}

// ChainBroken reports whether the break latch is set.
func (s *BoltStore) ChainBroken() (bool, *ChainBreakError) {
	var brk *ChainBreakError
	s.view(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketChain).Get(keyBreak); data != nil {
			brk = &ChainBreakError{}
			if err := json.Unmarshal(data, brk); err != nil {
				brk.Detail = "corrupt break latch"
			}
		}
		return nil
	})
	return brk != nil, brk
}

// ClearChainBreak lifts the append latch. This is the explicit operator
// override; the safer recovery is RollbackTo a pre-break snapshot.
func (s *BoltStore) ClearChainBreak() error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChain).Delete(keyBreak)
	})
}

// short truncates a hash for error text.
func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// itob returns an 8-byte big-endian representation of v, so numeric keys
// sort correctly under bbolt's byte ordering.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
