package auditor

import (
	"fmt"
	"math"
	"time"

	"github.com/tallyhq/tally/pkg/types"
)

// historyWindow bounds how many prior entries inform the assessment.
const historyWindow = 20

// minHistorySamples: below this a vendor has no pattern worth enforcing.
const minHistorySamples = 3

// historyAssessment is the outcome of checking a proposal against the
// vendor's posted past.
type historyAssessment struct {
	risk        float64
	reasons     []string
	consistency float64 // 1.0 fully consistent, decays per flag
	samples     int
}

// assessHistory compares the proposal with the vendor's posted entries:
// the category it usually lands on, and the price it usually pays. Price
// deviation is measured against a time-decay weighted mean (recent entries
// weigh more, w = 1/(1+days)) with a tolerance that widens for vendors
// whose amounts naturally scatter.
func assessHistory(history []*types.LedgerEntry, in Input, now time.Time) historyAssessment {
	out := historyAssessment{consistency: 1.0, samples: len(history)}
	if len(history) < minHistorySamples {
		return out
	}

	if usual := dominantCategory(history); usual != "" && usual != in.Proposal.Category {
		out.risk += 0.2
		out.consistency -= 0.5
		out.reasons = append(out.reasons,
			fmt.Sprintf("category %s breaks the vendor's pattern (usually %s)", in.Proposal.Category, usual))
	}

	mean, weighted := amountStats(history, now)
	if weighted > 0 {
		cv := 0.0
		if mean > 0 {
			cv = stddev(history, mean) / mean
		}
		tolerance := 0.15 + 0.5*cv
		amount, _ := in.Doc.Amount.Float64()
		deviation := math.Abs(amount-weighted) / weighted
		if deviation > tolerance {
			out.risk += 0.2
			out.consistency -= 0.5
			out.reasons = append(out.reasons,
				fmt.Sprintf("amount deviates %.0f%% from the vendor's weighted mean (tolerance %.0f%%)",
					deviation*100, tolerance*100))
		}
	}

	if out.consistency < 0 {
		out.consistency = 0
	}
	return out
}

// dominantCategory returns the category that holds a plurality of the
// vendor's posted entries.
func dominantCategory(history []*types.LedgerEntry) string {
	counts := map[string]int{}
	for _, e := range history {
		counts[e.Category]++
	}
	best, bestN := "", 0
	for cat, n := range counts {
		if n > bestN {
			best, bestN = cat, n
		}
	}
	return best
}

// amountStats returns the plain mean and the time-decay weighted mean of
// the history's amounts.
func amountStats(history []*types.LedgerEntry, now time.Time) (mean, weighted float64) {
	var sum, wsum, wtotal float64
	for _, e := range history {
		amount, _ := e.Amount.Float64()
		sum += amount

		days := now.Sub(time.Unix(e.OccurredAt, 0)).Hours() / 24
		if days < 0 {
			days = 0
		}
		w := 1 / (1 + days)
		wsum += w * amount
		wtotal += w
	}
	mean = sum / float64(len(history))
	if wtotal > 0 {
		weighted = wsum / wtotal
	}
	return mean, weighted
}

func stddev(history []*types.LedgerEntry, mean float64) float64 {
	if len(history) < 2 {
		return 0
	}
	var ss float64
	for _, e := range history {
		amount, _ := e.Amount.Float64()
		d := amount - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(history)-1))
}
