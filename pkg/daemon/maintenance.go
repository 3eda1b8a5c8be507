package daemon

import (
	"fmt"
	"time"

	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/metrics"
)

// compactOutboxAfter is how long delivered outbox rows are kept before the
// daily compaction drops them.
const compactOutboxAfter = 7 * 24 * time.Hour

func (d *Daemon) maintenanceLoop() {
	defer d.loops.Done()

	interval := d.Config().Daemon.Checkpoint()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.rootCtx.Done():
			return
		case <-ticker.C:
			d.maintain(d.now())
		}
	}
}

// maintain runs one maintenance pass: store checkpoint, the orphan sweep,
// a sliding-window chain verification, the budget watch, and (daily) rule
// distillation plus outbox compaction.
func (d *Daemon) maintain(now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MaintenanceDuration)
	metrics.MaintenanceCyclesTotal.Inc()

	if err := d.store.Checkpoint(); err != nil {
		d.logger.Warn().Err(err).Msg("store checkpoint failed")
	}

	report, err := d.store.Maintenance(now)
	if err != nil {
		d.logger.Warn().Err(err).Msg("maintenance sweep failed")
	} else if report.OrphanedEntries+report.StaleLocks+report.ExpiredCards > 0 {
		d.logger.Info().
			Int("orphaned_entries", report.OrphanedEntries).
			Int("stale_locks", report.StaleLocks).
			Int("expired_cards", report.ExpiredCards).
			Msg("maintenance sweep")
	}

	d.verifyWindow()
	d.watchBudget()

	d.mu.Lock()
	daily := now.Sub(d.lastDaily) >= 24*time.Hour
	if daily {
		d.lastDaily = now
	}
	d.mu.Unlock()
	if daily {
		d.dailyPass(now)
	}
}

// verifyWindow recomputes the chain over the trailing window. A break
// publishes one critical event naming the break index; the store's append
// latch does the refusing.
func (d *Daemon) verifyWindow() {
	head, _, err := d.store.ChainHead()
	if err != nil || head == 0 {
		return
	}

	window := uint64(d.Config().Daemon.VerifyWindow)
	from := uint64(1)
	if window > 0 && head > window {
		from = head - window + 1
	}

	breakSeq, err := d.store.VerifyChain(from, head)
	if err != nil {
		d.logger.Warn().Err(err).Msg("chain verification errored")
		return
	}

	d.mu.Lock()
	alerted := d.chainAlerted
	d.chainAlerted = breakSeq != 0
	d.mu.Unlock()

	if breakSeq == 0 {
		return
	}
	d.logger.Error().Uint64("break_seq", breakSeq).Msg("ledger chain break detected")
	if d.broker != nil && !alerted {
		d.broker.Publish(&events.Event{
			Type:    events.EventChainBreak,
			Message: fmt.Sprintf("ledger chain broken at entry %d; appends refused until rollback or override", breakSeq),
			Metadata: map[string]string{
				"break_seq": fmt.Sprintf("%d", breakSeq),
			},
		})
	}
}

// watchBudget publishes one event per exhaustion period. The router
// degrades to L1-only on its own; this is the operator's notification.
func (d *Daemon) watchBudget() {
	if d.budget == nil {
		return
	}
	exhausted := d.budget.Exhausted()

	d.mu.Lock()
	alerted := d.budgetAlerted
	d.budgetAlerted = exhausted
	d.mu.Unlock()

	if !exhausted || alerted {
		return
	}
	day, month := d.budget.Remaining()
	d.logger.Warn().Int64("day_remaining", day).Int64("month_remaining", month).Msg("token budget exhausted")
	if d.broker != nil {
		d.broker.Publish(&events.Event{
			Type:    events.EventBudgetExhausted,
			Message: "token budget exhausted; external reasoning degraded to rules-only until the period resets",
		})
	}
}

// dailyPass compacts statistics: delivered outbox rows past retention and
// rules the distiller no longer trusts.
func (d *Daemon) dailyPass(now time.Time) {
	before := now.Add(-compactOutboxAfter).UnixMilli()
	if n, err := d.store.CompactOutbox(before); err != nil {
		d.logger.Warn().Err(err).Msg("outbox compaction failed")
	} else if n > 0 {
		d.logger.Info().Int("events", n).Msg("outbox compacted")
	}

	if d.bridge != nil {
		report, err := d.bridge.Distill()
		if err != nil {
			d.logger.Warn().Err(err).Msg("rule distillation failed")
		} else if n := report.RemovedFailed + report.RemovedStale + report.RemovedConflicts; n > 0 {
			d.logger.Info().
				Int("removed", n).
				Int("merged", report.MergedDuplicates).
				Msg("rules distilled")
		}
	}
}
