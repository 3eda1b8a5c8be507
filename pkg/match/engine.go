// Package match reconciles pending bank and payment flows against posted
// ledger entries. Each cycle scores one-to-one candidates first, then runs
// a vendor-grouped subset matcher over the leftovers, and on its own
// cadence chases missing documents and re-verifies a span of the hash
// chain. Matches wait for a one-click confirmation unless auto-posting is
// configured.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

const (
	defaultTolerance       = "0.01"
	defaultSubsetTolerance = "0.10"

	// verifySampleSpan is how many chain entries one integrity pass
	// re-hashes; the cursor walks the ledger span by span and wraps.
	verifySampleSpan = 256
)

// Engine drives reconciliation over the shadow ledger.
type Engine struct {
	cfg    config.MatchConfig
	store  storage.Store
	broker *events.Broker
	beat   func()
	logger zerolog.Logger
	now    func() time.Time

	tolerance decimal.Decimal
	subsetTol decimal.Decimal

	// suggested remembers which entry a pending was last surfaced with, so
	// a stable review-band pair raises one card instead of one per cycle.
	suggested map[uint64]uint64

	lastHunt     time.Time
	lastVerify   time.Time
	verifyCursor uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithHeartbeat registers a hook invoked at cycle start and after each
// scoring batch, so the supervisor sees a live worker during long passes.
func WithHeartbeat(beat func()) Option {
	return func(e *Engine) {
		if beat != nil {
			e.beat = beat
		}
	}
}

// New builds a reconciliation engine over the store. The broker may be
// nil; match events are then dropped.
func New(cfg config.MatchConfig, store storage.Store, broker *events.Broker, opts ...Option) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}
	if cfg.AutoThreshold <= 0 {
		cfg.AutoThreshold = 0.90
	}
	if cfg.ReviewBandLow <= 0 {
		cfg.ReviewBandLow = 0.60
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		beat:      func() {},
		logger:    log.WithComponent("match"),
		now:       time.Now,
		tolerance: parseTolerance(cfg.Tolerance, defaultTolerance),
		subsetTol: parseTolerance(cfg.SubsetTolerant, defaultSubsetTolerance),
		suggested: make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func parseTolerance(raw, fallback string) decimal.Decimal {
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.RequireFromString(fallback)
	}
	return d
}

// Run drives reconciliation until the context is canceled: one cycle
// immediately, then one per interval.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	e.logger.Info().
		Dur("interval", interval).
		Str("tolerance", e.tolerance.String()).
		Float64("auto_threshold", e.cfg.AutoThreshold).
		Msg("reconciliation loop running")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error().Err(err).Msg("reconciliation cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one reconciliation pass: one-to-one scoring, then N:M subset
// matching over the leftovers, then the evidence and integrity cadences
// when due.
func (e *Engine) Cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MatchCycleDuration)
	e.beat()

	pendings, err := e.store.ListPendingByStatus(types.PendingUnreconciled)
	if err != nil {
		return fmt.Errorf("match: list pending: %w", err)
	}
	if len(pendings) > 0 {
		claimed, err := e.claimedEntryIDs()
		if err != nil {
			return fmt.Errorf("match: claimed set: %w", err)
		}
		index, err := e.loadPostedIndex(ctx, claimed)
		if err != nil {
			return fmt.Errorf("match: index posted rows: %w", err)
		}
		leftovers := e.matchPairs(ctx, pendings, index, claimed)
		e.matchGroups(ctx, leftovers, index, claimed)
	}

	if e.now().Sub(e.lastHunt) >= huntEvery {
		e.huntEvidence()
		e.lastHunt = e.now()
	}
	if e.cfg.VerifyEveryS > 0 && e.now().Sub(e.lastVerify) >= e.cfg.VerifyEvery() {
		e.verifyLedgerSample()
		e.lastVerify = e.now()
	}
	return ctx.Err()
}

// claimedEntryIDs rebuilds the set of posted rows already consumed: one-to-one
// matches reference their entry directly, group matches through the group row.
func (e *Engine) claimedEntryIDs() (map[uint64]bool, error) {
	claimed := make(map[uint64]bool)
	for _, status := range []types.PendingStatus{types.PendingMatched, types.PendingReconciled} {
		rows, err := e.store.ListPendingByStatus(status)
		if err != nil {
			return nil, err
		}
		for _, p := range rows {
			if p.MatchedLedgerID != 0 {
				claimed[p.MatchedLedgerID] = true
			}
		}
	}
	groups, err := e.store.ListMatchGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		for _, id := range g.EntryIDs {
			claimed[id] = true
		}
	}
	return claimed, nil
}

// loadPostedIndex pages through the ledger and buckets unclaimed POSTED rows
// by amount. RISK rows are posted but flagged; they stay out of
// reconciliation until resolved.
func (e *Engine) loadPostedIndex(ctx context.Context, claimed map[uint64]bool) (*amountIndex, error) {
	index := newAmountIndex()
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := e.store.ListEntriesSince(cursor, e.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return index, nil
		}
		for _, entry := range batch {
			cursor = entry.ID
			if entry.State != types.EntryPosted || claimed[entry.ID] {
				continue
			}
			index.add(entry)
		}
		if len(batch) < e.cfg.BatchSize {
			return index, nil
		}
	}
}

type candidate struct {
	entry *types.LedgerEntry
	score float64
	name  float64
}

type suggestion struct {
	pending *types.PendingEntry
	entry   *types.LedgerEntry
	score   float64
}

// matchPairs scores every pending against the posted rows sharing its
// amount neighborhood, in batches with a heartbeat between them. Pendings
// with no decision come back as leftovers for the group stage; review-band
// pendings are withheld from it, their one-to-one pair is already in front
// of a human.
func (e *Engine) matchPairs(ctx context.Context, pendings []*types.PendingEntry, index *amountIndex, claimed map[uint64]bool) []*types.PendingEntry {
	var leftovers []*types.PendingEntry
	var card []suggestion

	for start := 0; start < len(pendings); start += e.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		e.beat()
		end := min(start+e.cfg.BatchSize, len(pendings))
		for _, p := range pendings[start:end] {
			best, ok := e.bestCandidate(p, index, claimed)
			switch {
			case !ok:
				metrics.MatchDecisionsTotal.WithLabelValues("none").Inc()
				leftovers = append(leftovers, p)
			case best.score >= e.cfg.AutoThreshold && (best.name >= fuzzyThreshold || sameGroup(p, best.entry)):
				if err := e.confirmPair(p, best); err != nil {
					e.logger.Warn().Err(err).Uint64("pending_id", p.ID).Msg("pair not confirmed")
					leftovers = append(leftovers, p)
					continue
				}
				claimed[best.entry.ID] = true
			case best.score >= e.cfg.ReviewBandLow:
				metrics.MatchDecisionsTotal.WithLabelValues("review").Inc()
				if e.suggested[p.ID] != best.entry.ID {
					e.suggested[p.ID] = best.entry.ID
					card = append(card, suggestion{pending: p, entry: best.entry, score: best.score})
				}
			default:
				metrics.MatchDecisionsTotal.WithLabelValues("none").Inc()
				leftovers = append(leftovers, p)
			}
		}
	}
	if len(card) > 0 {
		e.publishBatchCard(card)
	}
	return leftovers
}

// bestCandidate scans the amount bucket neighborhood for the strongest
// scoring unclaimed row inside the tolerance and the time window.
func (e *Engine) bestCandidate(p *types.PendingEntry, index *amountIndex, claimed map[uint64]bool) (candidate, bool) {
	var best candidate
	window := e.cfg.Window()
	for _, entry := range index.probe(p.Amount, e.tolerance) {
		if claimed[entry.ID] {
			continue
		}
		if p.Amount.Sub(entry.Amount).Abs().GreaterThan(e.tolerance) {
			continue
		}
		if absMillis(p.OccurredAt-entry.OccurredAt) > window {
			continue
		}
		total, name := e.score(p, entry)
		if total > best.score {
			best = candidate{entry: entry, score: total, name: name}
		}
	}
	return best, best.entry != nil
}

// confirmPair persists a one-to-one match and announces it.
func (e *Engine) confirmPair(p *types.PendingEntry, c candidate) error {
	status := e.matchedStatus()
	if err := e.store.MarkPendingMatched(p.ID, c.entry.ID, "", status); err != nil {
		return err
	}
	label := "auto"
	if status == types.PendingReconciled {
		label = "auto_posted"
	}
	metrics.MatchDecisionsTotal.WithLabelValues(label).Inc()
	e.publish(&events.Event{
		Type:    events.EventMatchFound,
		TraceID: p.TraceID,
		Message: fmt.Sprintf("%s %s paired with entry %d", p.Counterparty, p.Amount.StringFixed(2), c.entry.ID),
		Metadata: map[string]string{
			"pending_id": strconv.FormatUint(p.ID, 10),
			"entry_id":   strconv.FormatUint(c.entry.ID, 10),
			"vendor":     c.entry.Vendor,
			"amount":     p.Amount.StringFixed(2),
			"score":      formatScore(c.score),
		},
	})
	e.logger.Info().
		Uint64("pending_id", p.ID).
		Uint64("entry_id", c.entry.ID).
		Str("counterparty", p.Counterparty).
		Float64("score", c.score).
		Str("status", string(status)).
		Msg("flow matched")
	return nil
}

func (e *Engine) matchedStatus() types.PendingStatus {
	if e.cfg.AutoPosted {
		return types.PendingReconciled
	}
	return types.PendingMatched
}

// publishBatchCard surfaces this cycle's review-band pairs as one card.
// The pairs ride the metadata as JSON so the hub can render confirm
// buttons without re-deriving the candidate set.
func (e *Engine) publishBatchCard(suggestions []suggestion) {
	type pair struct {
		PendingID    uint64  `json:"pending_id"`
		EntryID      uint64  `json:"entry_id"`
		Counterparty string  `json:"counterparty"`
		Vendor       string  `json:"vendor"`
		Amount       string  `json:"amount"`
		Score        float64 `json:"score"`
	}
	pairs := make([]pair, 0, len(suggestions))
	total := decimal.Zero
	for _, s := range suggestions {
		pairs = append(pairs, pair{
			PendingID:    s.pending.ID,
			EntryID:      s.entry.ID,
			Counterparty: s.pending.Counterparty,
			Vendor:       s.entry.Vendor,
			Amount:       s.pending.Amount.StringFixed(2),
			Score:        math.Round(s.score*100) / 100,
		})
		total = total.Add(s.pending.Amount)
	}
	data, err := json.Marshal(pairs)
	if err != nil {
		e.logger.Warn().Err(err).Msg("batch card not encoded")
		return
	}
	e.publish(&events.Event{
		Type:    events.EventMatchBatch,
		Message: fmt.Sprintf("%d candidate pairs await confirmation", len(pairs)),
		Metadata: map[string]string{
			"count":        strconv.Itoa(len(pairs)),
			"total_amount": total.StringFixed(2),
			"pairs":        string(data),
		},
	})
	e.logger.Info().
		Int("pairs", len(pairs)).
		Str("total", total.StringFixed(2)).
		Msg("batch reconciliation card raised")
}

// verifyLedgerSample re-hashes one span of the chain per pass, walking a
// cursor so successive passes cover the whole ledger. A mismatch latches
// the store against appends and raises a chain break event.
func (e *Engine) verifyLedgerSample() {
	head, _, err := e.store.ChainHead()
	if err != nil {
		e.logger.Warn().Err(err).Msg("chain head unavailable")
		return
	}
	if head == 0 {
		return
	}
	from := e.verifyCursor
	if from == 0 || from > head {
		from = 1
	}
	to := from + verifySampleSpan - 1
	if to >= head {
		to = head
		e.verifyCursor = 1
	} else {
		e.verifyCursor = to + 1
	}

	badSeq, err := e.store.VerifyChain(from, to)
	if err != nil {
		e.logger.Warn().Err(err).Uint64("from", from).Uint64("to", to).Msg("chain verification errored")
		return
	}
	if badSeq == 0 {
		e.logger.Debug().Uint64("from", from).Uint64("to", to).Msg("chain span verified")
		return
	}
	e.logger.Error().Uint64("entry_id", badSeq).Msg("ledger chain verification failed")
	e.publish(&events.Event{
		Type:    events.EventChainBreak,
		Message: fmt.Sprintf("hash continuity broken at entry %d", badSeq),
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(badSeq, 10),
			"from":     strconv.FormatUint(from, 10),
			"to":       strconv.FormatUint(to, 10),
		},
	})
}

func (e *Engine) publish(ev *events.Event) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(ev)
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64)
}
