// Package collector watches the drop folder, parses statements and invoice
// captures into normalized records, and hands them to the rest of the
// pipeline: statement lines become pending entries awaiting reconciliation,
// invoices become document records awaiting classification. Every file is
// deduplicated by content hash and every failure is soft: one bad file
// never stalls ingestion.
package collector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

const (
	// minFileSize filters out placeholder files sync clients create.
	minFileSize = 10
	// maxFileSize bounds what a single statement or capture may weigh.
	maxFileSize = 32 << 20
	// stabilitySamples caps how long the collector waits for a file copy
	// to settle before giving up on it.
	stabilitySamples = 40
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".pdf": true}

// Collector ingests dropped files through a bounded queue and a fixed
// parser pool.
type Collector struct {
	cfg      config.CollectorConfig
	store    storage.Store
	registry *Registry
	ocr      OCRConnector
	docs     chan types.DocumentRecord
	logger   zerolog.Logger
	group    grouper
	beat     func()

	mu     sync.Mutex
	inWait map[string]bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithRegistry replaces the built-in parser registry.
func WithRegistry(reg *Registry) Option {
	return func(c *Collector) { c.registry = reg }
}

// WithOCR replaces the invoice field extractor.
func WithOCR(conn OCRConnector) Option {
	return func(c *Collector) { c.ocr = conn }
}

// WithHeartbeat registers the supervisor liveness hook, invoked from the
// watch loop and after every processed file.
func WithHeartbeat(beat func()) Option {
	return func(c *Collector) {
		if beat != nil {
			c.beat = beat
		}
	}
}

// New builds a Collector over the store.
func New(cfg config.CollectorConfig, store storage.Store, opts ...Option) *Collector {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	c := &Collector{
		cfg:      cfg,
		store:    store,
		registry: NewRegistry(),
		ocr:      NewPatternConnector(),
		docs:     make(chan types.DocumentRecord, cfg.QueueSize),
		logger:   log.WithComponent("collector"),
		group:    grouper{window: cfg.GroupWindow()},
		beat:     func() {},
		inWait:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Documents is the stream of invoice records awaiting classification.
func (c *Collector) Documents() <-chan types.DocumentRecord { return c.docs }

// Run watches the drop folder until the context is canceled. A full scan
// at startup picks up files dropped while the daemon was down.
func (c *Collector) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.DropDir, 0o755); err != nil {
		return fmt.Errorf("collector: create drop dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("collector: watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.cfg.DropDir); err != nil {
		return fmt.Errorf("collector: watch %s: %w", c.cfg.DropDir, err)
	}

	queue := make(chan string, c.cfg.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.parseWorker(ctx, id, queue)
		}(i)
	}

	c.scan(ctx, watcher, queue)
	c.logger.Info().
		Str("dir", c.cfg.DropDir).
		Int("workers", c.cfg.Workers).
		Strs("parsers", c.registry.Names()).
		Msg("collector watching")

	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		c.beat()
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-tick.C:
		case ev, ok := <-watcher.Events:
			if !ok {
				wg.Wait()
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				// New subdirectories (per-project folders) get watched too.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						c.logger.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch subdirectory")
					}
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.admit(ctx, ev.Name, queue)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				wg.Wait()
				return nil
			}
			c.logger.Warn().Err(werr).Msg("watcher error")
		}
	}
}

// scan walks the drop tree once and enqueues every regular file.
func (c *Collector) scan(ctx context.Context, watcher *fsnotify.Watcher, queue chan<- string) {
	count := 0
	err := filepath.WalkDir(c.cfg.DropDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != c.cfg.DropDir {
				return filepath.SkipDir
			}
			if path != c.cfg.DropDir {
				if werr := watcher.Add(path); werr != nil {
					c.logger.Warn().Err(werr).Str("dir", path).Msg("failed to watch subdirectory")
				}
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		select {
		case queue <- path:
			count++
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("startup scan incomplete")
	}
	if count > 0 {
		c.logger.Info().Int("files", count).Msg("startup scan enqueued backlog")
	}
}

// admit waits for the file to settle, then enqueues it. One waiter per
// path at a time; editors that fire many write events collapse into one.
func (c *Collector) admit(ctx context.Context, path string, queue chan<- string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return
	}
	c.mu.Lock()
	if c.inWait[path] {
		c.mu.Unlock()
		return
	}
	c.inWait[path] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inWait, path)
			c.mu.Unlock()
		}()
		if !c.waitStable(ctx, path) {
			return
		}
		select {
		case queue <- path:
		case <-ctx.Done():
		}
	}()
}

// waitStable polls size and mtime until two consecutive samples agree.
func (c *Collector) waitStable(ctx context.Context, path string) bool {
	interval := c.cfg.StabilityWait()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	var lastSize int64 = -1
	var lastMod time.Time
	for i := 0; i < stabilitySamples; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false // vanished mid-copy
		}
		if info.Size() == lastSize && info.ModTime().Equal(lastMod) && info.Size() > 0 {
			return true
		}
		lastSize, lastMod = info.Size(), info.ModTime()
	}
	c.logger.Warn().Str("path", path).Msg("file never settled, giving up")
	return false
}

func (c *Collector) parseWorker(ctx context.Context, id int, queue <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-queue:
			c.processFile(ctx, path)
			c.beat()
		}
	}
}

// processFile runs the per-file pipeline under a wall-clock timeout with
// panic isolation. Outcome lands in the file ledger and metrics.
func (c *Collector) processFile(ctx context.Context, path string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ParseDuration)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PerFileTimeout())
	defer cancel()

	var status, cause, hash string
	func() {
		defer func() {
			if r := recover(); r != nil {
				status, cause = types.FileFailed, fmt.Sprintf("panic: %v", r)
				c.logger.Error().Str("path", path).Interface("panic", r).Msg("parse panicked")
			}
		}()
		status, cause, hash = c.ingest(ctx, path)
	}()

	if status == "" {
		return // duplicate; the original record stands
	}
	if hash != "" {
		rec := &types.FileRecord{
			Path:        path,
			ContentHash: hash,
			Status:      status,
			Cause:       cause,
			ProcessedAt: types.NowMillis(),
		}
		if err := c.store.PutFileRecord(rec); err != nil {
			c.logger.Error().Err(err).Str("path", path).Msg("failed to record file outcome")
		}
	}
	metrics.FilesProcessedTotal.WithLabelValues(strings.ToLower(status)).Inc()

	ev := c.logger.Info()
	if status == types.FileFailed {
		ev = c.logger.Warn()
	}
	ev.Str("path", filepath.Base(path)).Str("status", status).Str("cause", cause).Msg("file processed")
}

// ingest is steps 1-7 of the per-file pipeline. An empty status means a
// content-hash duplicate that must not overwrite the prior record.
func (c *Collector) ingest(ctx context.Context, path string) (status, cause, hash string) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", ""
	}
	if info.Size() < minFileSize {
		return "", "", "" // placeholder or still empty, not worth a record
	}
	if info.Size() > maxFileSize {
		return types.FileFailed, "file too large", ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return types.FileFailed, fmt.Sprintf("read: %v", err), ""
	}
	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])

	if prior, err := c.store.GetFileRecord(hash); err == nil && prior.Status != types.FileFailed {
		c.logger.Debug().Str("path", filepath.Base(path)).Str("prior", prior.Path).Msg("duplicate content, skipping")
		metrics.FilesProcessedTotal.WithLabelValues("duplicate").Inc()
		return "", "", ""
	}

	ext := strings.ToLower(filepath.Ext(path))
	if mism := magicMismatch(ext, data); mism != "" {
		return types.FileFailed, mism, hash
	}

	switch {
	case imageExts[ext]:
		status, cause = c.document(ctx, path, data, hash, info.ModTime())
	case ext == ".csv" || ext == ".txt":
		status, cause = c.statement(ctx, path, data, info.ModTime())
	case ext == ".xlsx":
		status, cause = c.workbook(ctx, path, data, info.ModTime())
	default:
		status, cause = types.FileSkipped, "unsupported extension "+ext
	}
	return status, cause, hash
}

// statement decodes and parses a bank or payment export; each extracted
// row becomes a pending entry deduplicated by row content hash.
func (c *Collector) statement(ctx context.Context, path string, data []byte, mtime time.Time) (string, string) {
	text, encName, err := decodeText(data)
	if err != nil {
		return types.FileFailed, fmt.Sprintf("decode: %v", err)
	}

	inserted, dups := 0, 0
	parserName, total, err := c.registry.ParseStatement(text, c.rowSink(ctx, mtime, &inserted, &dups))
	if err == errNoHeader {
		return types.FileFailed, "no parser matched statement header"
	}
	if err != nil {
		return types.FileFailed, fmt.Sprintf("parse: %v", err)
	}

	c.logger.Info().
		Str("parser", parserName).
		Str("encoding", encName).
		Str("file", filepath.Base(path)).
		Int("rows", total).
		Int("inserted", inserted).
		Int("duplicates", dups).
		Msg("statement ingested")
	return types.FileDone, fmt.Sprintf("%s: %d rows", parserName, inserted)
}

// workbook parses an xlsx export. The first sheet is flattened to string
// records and runs through the same registry as a csv statement.
func (c *Collector) workbook(ctx context.Context, path string, data []byte, mtime time.Time) (string, string) {
	rows, err := xlsxRows(data)
	if err != nil {
		return types.FileFailed, fmt.Sprintf("xlsx: %v", err)
	}

	inserted, dups := 0, 0
	parserName, total, err := c.registry.ParseRows(rows, c.rowSink(ctx, mtime, &inserted, &dups))
	if err == errNoHeader {
		return types.FileFailed, "no parser matched statement header"
	}
	if err != nil {
		return types.FileFailed, fmt.Sprintf("parse: %v", err)
	}

	c.logger.Info().
		Str("parser", parserName).
		Str("file", filepath.Base(path)).
		Int("rows", total).
		Int("inserted", inserted).
		Int("duplicates", dups).
		Msg("workbook ingested")
	return types.FileDone, fmt.Sprintf("%s: %d rows", parserName, inserted)
}

// rowSink inserts extracted statement rows as pending entries, counting
// fresh inserts against content-hash duplicates. Every statement format
// funnels through this one sink.
func (c *Collector) rowSink(ctx context.Context, mtime time.Time, inserted, dups *int) func(Row) error {
	return func(row Row) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		occurred := row.OccurredAt
		if occurred == 0 {
			occurred = mtime.UTC().UnixMilli()
		}
		p := &types.PendingEntry{
			TraceID:      types.NewTraceID(),
			Source:       row.Source,
			Counterparty: row.Counterparty,
			Amount:       row.Amount,
			OccurredAt:   occurred,
			Description:  row.Description,
			ContentHash:  rowHash(row, occurred),
		}
		_, fresh, err := c.store.PutPendingEntry(p)
		if err != nil {
			return err
		}
		if fresh {
			(*inserted)++
		} else {
			(*dups)++
		}
		return nil
	}
}

// document extracts invoice fields and dispatches a record for
// classification. Captures in the same mtime window sharing a name prefix
// join one multimodal group.
func (c *Collector) document(ctx context.Context, path string, data []byte, hash string, mtime time.Time) (string, string) {
	groupID := c.group.assign(path, mtime)

	ex, err := c.ocr.Extract(ctx, path, data)
	if err != nil {
		return types.FileFailed, fmt.Sprintf("extract: %v", err)
	}
	occurred := ex.OccurredAt
	if occurred == 0 {
		occurred = mtime.UTC().UnixMilli()
	}

	doc := types.DocumentRecord{
		TraceID:     types.NewTraceID(),
		Source:      types.SourceInvoice,
		Vendor:      ex.Vendor,
		Amount:      ex.Amount,
		OccurredAt:  occurred,
		Description: ex.Description,
		GroupID:     groupID,
		ProjectID:   c.projectOf(path),
		ContentHash: hash,
		FilePath:    path,
	}
	select {
	case c.docs <- doc:
	case <-ctx.Done():
		return types.FileFailed, "dispatch canceled"
	}
	return types.FileDone, "document " + doc.TraceID
}

// projectOf tags documents dropped in a per-project subfolder.
func (c *Collector) projectOf(path string) string {
	dir := filepath.Dir(path)
	if dir == filepath.Clean(c.cfg.DropDir) {
		return ""
	}
	return filepath.Base(dir)
}

func rowHash(row Row, occurred int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s", row.Source, row.Counterparty, row.Amount.StringFixed(2), occurred, row.Description)
	return hex.EncodeToString(h.Sum(nil))
}

// magicMismatch reports an inconsistency between extension and leading
// bytes. Renamed binaries must not reach the CSV parsers and vice versa.
func magicMismatch(ext string, data []byte) string {
	kind := magicKind(data)
	switch ext {
	case ".png":
		if kind != "png" {
			return "extension .png but content is not PNG"
		}
	case ".jpg", ".jpeg":
		if kind != "jpeg" {
			return "extension " + ext + " but content is not JPEG"
		}
	case ".pdf":
		if kind != "pdf" {
			return "extension .pdf but content is not PDF"
		}
	case ".csv", ".txt":
		if kind != "" {
			return "extension " + ext + " but content is binary (" + kind + ")"
		}
	case ".xlsx":
		// xlsx is a zip container.
		if kind != "zip" {
			return "extension .xlsx but content is not a workbook"
		}
	}
	return ""
}

func magicKind(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G'}):
		return "png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "pdf"
	case bytes.HasPrefix(data, []byte{'P', 'K', 0x03, 0x04}):
		return "zip"
	}
	return ""
}

// grouper clusters captures into multimodal groups: same directory, same
// five-rune name prefix, modification times within the window.
type grouper struct {
	mu     sync.Mutex
	window time.Duration

	lastDir    string
	lastPrefix string
	lastAt     time.Time
	id         string
}

func (g *grouper) assign(path string, mtime time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	dir := filepath.Dir(path)
	prefix := namePrefix(filepath.Base(path))

	if g.id != "" && dir == g.lastDir && prefix == g.lastPrefix {
		delta := mtime.Sub(g.lastAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= g.window {
			g.lastAt = mtime
			return g.id
		}
	}
	g.id = types.NewGroupID(mtime)
	g.lastDir, g.lastPrefix, g.lastAt = dir, prefix, mtime
	return g.id
}

func namePrefix(base string) string {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	runes := []rune(name)
	if len(runes) > 5 {
		runes = runes[:5]
	}
	return string(runes)
}
