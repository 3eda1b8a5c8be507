package match

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/fuzzy"
	"github.com/tallyhq/tally/pkg/types"
)

// Score weights. The candidate filter already enforces amount agreement
// and the time window, so amount contributes a fixed base, the name carries
// the discrimination, recency breaks ties, and a shared capture group adds
// direct provenance. A pair that agrees on amount and clears the name bar
// must stay at or above the auto threshold anywhere inside the window, so
// recency shades the score between decayFloor and 1 instead of draining it:
// 0.50 + 0.40*0.8 + 0.10*0.85 = 0.905 at the worst corner.
const (
	weightAmount = 0.50
	weightName   = 0.40
	weightTime   = 0.10
	groupBonus   = 0.05

	// decayFloor is the recency component at the far edge of the window.
	decayFloor = 0.85

	// fuzzyThreshold is the name agreement a pair must show before it may
	// auto-match, and the bar for folding a posted row into a vendor group.
	fuzzyThreshold = 0.8

	// containmentFloor scores pairs where one normalized name wholly
	// contains the other. Statement lines wrap the vendor in channel noise
	// ("支付宝-星巴克咖啡(上海)有限公司" against "星巴克"), which plain
	// sequence matching underrates.
	containmentFloor = 0.9
)

// score combines the weighted components for one candidate pair. The name
// component is returned separately because the auto decision gates on it.
func (e *Engine) score(p *types.PendingEntry, entry *types.LedgerEntry) (total, name float64) {
	name = nameSimilarity(p.Counterparty, entry.Vendor)
	total = weightAmount + weightName*name + weightTime*e.timeDecay(p.OccurredAt, entry.OccurredAt)
	if sameGroup(p, entry) {
		total += groupBonus
	}
	return total, name
}

// timeDecay scores temporal proximity: 1 at the same instant, falling
// linearly to decayFloor at the window edge. Pairs beyond the window score
// 0, but the candidate filter has already dropped those.
func (e *Engine) timeDecay(a, b int64) float64 {
	window := e.cfg.Window()
	if window <= 0 {
		return decayFloor
	}
	gap := absMillis(a - b)
	if gap > window {
		return 0
	}
	return 1 - (1-decayFloor)*float64(gap)/float64(window)
}

func sameGroup(p *types.PendingEntry, entry *types.LedgerEntry) bool {
	return p.GroupID != "" && p.GroupID == entry.GroupID
}

func absMillis(ms int64) time.Duration {
	if ms < 0 {
		ms = -ms
	}
	return time.Duration(ms) * time.Millisecond
}

// nameSimilarity scores a statement counterparty against a ledger vendor.
// Both sides are compacted, then the whole strings, the separator-split
// tokens, and whole-string containment are tried; the best wins.
func nameSimilarity(counterparty, vendor string) float64 {
	a := normalizeName(counterparty)
	b := normalizeName(vendor)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	best := fuzzy.Ratio(a, b)
	for _, ta := range nameTokens(counterparty) {
		for _, tb := range nameTokens(vendor) {
			if r := fuzzy.Ratio(ta, tb); r > best {
				best = r
			}
		}
	}
	short, long := a, b
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		short, long = long, short
	}
	if utf8.RuneCountInString(short) >= 2 && strings.Contains(long, short) && containmentFloor > best {
		best = containmentFloor
	}
	return best
}

// normalizeName lowercases and strips separators so "支付宝-星巴克咖啡"
// compacts to "支付宝星巴克咖啡" and "Starbucks Coffee" to
// "starbuckscoffee".
func normalizeName(s string) string {
	return strings.Join(nameTokens(s), "")
}

func nameTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// amountIndex buckets posted rows by whole currency units so each pending
// probes a handful of buckets instead of cross-joining the ledger.
type amountIndex struct {
	buckets map[string][]*types.LedgerEntry
	entries []*types.LedgerEntry
}

var oneUnit = decimal.NewFromInt(1)

func newAmountIndex() *amountIndex {
	return &amountIndex{buckets: make(map[string][]*types.LedgerEntry)}
}

func (ix *amountIndex) add(entry *types.LedgerEntry) {
	key := entry.Amount.Floor().String()
	ix.buckets[key] = append(ix.buckets[key], entry)
	ix.entries = append(ix.entries, entry)
}

// probe returns every row whose bucket could hold an amount inside the
// tolerance neighborhood. Exact tolerance is re-checked by the caller.
func (ix *amountIndex) probe(amount, tolerance decimal.Decimal) []*types.LedgerEntry {
	lo := amount.Sub(tolerance).Floor()
	hi := amount.Add(tolerance).Floor()
	if lo.Equal(hi) {
		return ix.buckets[lo.String()]
	}
	var out []*types.LedgerEntry
	for u := lo; u.LessThanOrEqual(hi); u = u.Add(oneUnit) {
		out = append(out, ix.buckets[u.String()]...)
	}
	return out
}
