package match

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/types"
)

const (
	// maxSubsetItems caps the combination size per side; the enumeration
	// is exponential past that.
	maxSubsetItems = 6
	// maxGroupSide skips vendor groups too large to enumerate. A group
	// this size means ingestion is badly behind, not a real N:M pairing.
	maxGroupSide = 16
)

type vendorGroup struct {
	key      string
	pendings []*types.PendingEntry
	entries  []*types.LedgerEntry
}

// matchGroups pairs leftover pendings with unclaimed posted rows one vendor
// at a time: a bounded subset-sum finds receipt sets and statement sets
// that settle each other even when neither side lines up one-to-one.
func (e *Engine) matchGroups(ctx context.Context, leftovers []*types.PendingEntry, index *amountIndex, claimed map[uint64]bool) {
	if len(leftovers) == 0 {
		return
	}
	for _, g := range e.groupByVendor(leftovers, index.entries, claimed) {
		if ctx.Err() != nil {
			return
		}
		if len(g.pendings) == 0 || len(g.entries) == 0 {
			continue
		}
		if len(g.pendings) > maxGroupSide || len(g.entries) > maxGroupSide {
			e.logger.Warn().
				Str("vendor", g.key).
				Int("pendings", len(g.pendings)).
				Int("entries", len(g.entries)).
				Msg("vendor group too large for subset matching")
			continue
		}
		pIdx, nIdx, ok := findSubsetMatch(amountsOfPendings(g.pendings), amountsOfEntries(g.entries), e.subsetTol)
		if !ok {
			continue
		}
		e.confirmGroup(g, pIdx, nIdx, claimed)
	}
}

// groupByVendor clusters leftover pendings by normalized counterparty and
// folds unclaimed posted rows into the nearest cluster: exact key first,
// then the best name-similarity hit past the threshold. An entry only
// joins a cluster when it sits inside the match window of at least one
// pending there; rows with no cluster on the other side drop out.
func (e *Engine) groupByVendor(pendings []*types.PendingEntry, entries []*types.LedgerEntry, claimed map[uint64]bool) []*vendorGroup {
	window := e.cfg.Window()
	byKey := make(map[string]*vendorGroup)
	var keys []string
	for _, p := range pendings {
		key := normalizeName(p.Counterparty)
		if key == "" {
			key = "unknown"
		}
		g, ok := byKey[key]
		if !ok {
			g = &vendorGroup{key: key}
			byKey[key] = g
			keys = append(keys, key)
		}
		g.pendings = append(g.pendings, p)
	}

	for _, entry := range entries {
		if claimed[entry.ID] {
			continue
		}
		v := normalizeName(entry.Vendor)
		if v == "" {
			v = "unknown"
		}
		if g, ok := byKey[v]; ok && withinAny(entry, g.pendings, window) {
			g.entries = append(g.entries, entry)
			continue
		}
		bestKey, bestScore := "", 0.0
		for _, k := range keys {
			if !withinAny(entry, byKey[k].pendings, window) {
				continue
			}
			if s := nameSimilarity(v, k); s >= fuzzyThreshold && s > bestScore {
				bestKey, bestScore = k, s
			}
		}
		if bestKey != "" {
			byKey[bestKey].entries = append(byKey[bestKey].entries, entry)
		}
	}

	out := make([]*vendorGroup, 0, len(keys))
	for _, key := range keys {
		out = append(out, byKey[key])
	}
	return out
}

// withinAny reports whether the entry falls inside the window of at least
// one pending in the cluster.
func withinAny(entry *types.LedgerEntry, pendings []*types.PendingEntry, window time.Duration) bool {
	for _, p := range pendings {
		if absMillis(p.OccurredAt-entry.OccurredAt) <= window {
			return true
		}
	}
	return false
}

// confirmGroup persists the pairing: a group row carrying the consumed
// entry ids, each pending flipped under the shared ref, one event.
func (e *Engine) confirmGroup(g *vendorGroup, pIdx, nIdx []int, claimed map[uint64]bool) {
	matchedP := make([]*types.PendingEntry, 0, len(pIdx))
	pendingIDs := make([]uint64, 0, len(pIdx))
	total := decimal.Zero
	for _, i := range pIdx {
		matchedP = append(matchedP, g.pendings[i])
		pendingIDs = append(pendingIDs, g.pendings[i].ID)
		total = total.Add(g.pendings[i].Amount)
	}
	entryIDs := make([]uint64, 0, len(nIdx))
	for _, i := range nIdx {
		entryIDs = append(entryIDs, g.entries[i].ID)
	}

	ref := matchRef(e.now(), g.key, len(pendingIDs), len(entryIDs))
	group := &types.MatchGroup{
		Ref:        ref,
		Vendor:     g.key,
		PendingIDs: pendingIDs,
		EntryIDs:   entryIDs,
		Total:      total,
		Status:     e.matchedStatus(),
	}
	if err := e.store.PutMatchGroup(group); err != nil {
		e.logger.Warn().Err(err).Str("ref", ref).Msg("match group not persisted")
		return
	}
	for _, p := range matchedP {
		if err := e.store.MarkPendingMatched(p.ID, 0, ref, group.Status); err != nil {
			e.logger.Warn().Err(err).Uint64("pending_id", p.ID).Str("ref", ref).Msg("pending not flipped")
		}
	}
	for _, id := range entryIDs {
		claimed[id] = true
	}

	metrics.MatchDecisionsTotal.WithLabelValues("subset").Inc()
	e.publish(&events.Event{
		Type:    events.EventMatchFound,
		TraceID: matchedP[0].TraceID,
		Message: fmt.Sprintf("%s: %d flows settle %d entries, total %s", g.key, len(pendingIDs), len(entryIDs), total.StringFixed(2)),
		Metadata: map[string]string{
			"group":        ref,
			"vendor":       g.key,
			"pendings":     strconv.Itoa(len(pendingIDs)),
			"entries":      strconv.Itoa(len(entryIDs)),
			"total_amount": total.StringFixed(2),
		},
	})
	e.logger.Info().
		Str("ref", ref).
		Str("vendor", g.key).
		Int("pendings", len(pendingIDs)).
		Int("entries", len(entryIDs)).
		Str("total", total.StringFixed(2)).
		Msg("group reconciled")
}

// matchRef builds the shared group reference, e.g. MATCH_1726000000_星巴克咖_2v1.
func matchRef(at time.Time, vendor string, n, m int) string {
	key := strings.ReplaceAll(vendor, " ", "")
	runes := []rune(key)
	if len(runes) > 4 {
		key = string(runes[:4])
	}
	if key == "" {
		key = "none"
	}
	return fmt.Sprintf("MATCH_%d_%s_%dv%d", at.Unix(), key, n, m)
}

// findSubsetMatch looks for index sets over want and pool whose sums agree
// within tolerance. Subset size is capped per side to bound the
// enumeration; the first hit wins.
func findSubsetMatch(want, pool []decimal.Decimal, tolerance decimal.Decimal) ([]int, []int, bool) {
	if len(want) == 0 || len(pool) == 0 {
		return nil, nil, false
	}

	type sumCombo struct {
		sum     decimal.Decimal
		indices []int
	}
	var wantSums []sumCombo
	seen := make(map[string]bool)
	maxW := min(len(want), maxSubsetItems)
	for r := 1; r <= maxW; r++ {
		combinations(len(want), r, func(idx []int) bool {
			s := sumAt(want, idx)
			key := s.StringFixed(2)
			if !seen[key] {
				seen[key] = true
				wantSums = append(wantSums, sumCombo{sum: s, indices: append([]int(nil), idx...)})
			}
			return true
		})
	}

	var wIdx, pIdx []int
	maxP := min(len(pool), maxSubsetItems)
	for r := 1; r <= maxP && wIdx == nil; r++ {
		combinations(len(pool), r, func(idx []int) bool {
			s := sumAt(pool, idx)
			for _, wc := range wantSums {
				if wc.sum.Sub(s).Abs().LessThanOrEqual(tolerance) {
					wIdx = wc.indices
					pIdx = append([]int(nil), idx...)
					return false
				}
			}
			return true
		})
	}
	if wIdx == nil {
		return nil, nil, false
	}
	return wIdx, pIdx, true
}

// combinations invokes fn with each k-subset of [0, n) in lexicographic
// order until fn returns false. The slice is reused between calls.
func combinations(n, k int, fn func([]int) bool) {
	if k <= 0 || k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		if !fn(idx) {
			return
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func sumAt(amounts []decimal.Decimal, idx []int) decimal.Decimal {
	s := decimal.Zero
	for _, i := range idx {
		s = s.Add(amounts[i])
	}
	return s
}

func amountsOfPendings(rows []*types.PendingEntry) []decimal.Decimal {
	out := make([]decimal.Decimal, len(rows))
	for i, p := range rows {
		out[i] = p.Amount
	}
	return out
}

func amountsOfEntries(rows []*types.LedgerEntry) []decimal.Decimal {
	out := make([]decimal.Decimal, len(rows))
	for i, e := range rows {
		out[i] = e.Amount
	}
	return out
}
