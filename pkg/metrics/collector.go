package metrics

import (
	"time"
)

// StatsSource supplies point-in-time counts for the periodic gauges. The
// storage layer implements it; the indirection keeps this package free of a
// storage import.
type StatsSource interface {
	EntryStateCounts() (map[string]int, error)
	PendingStatusCounts() (map[string]int, error)
	RuleLevelCounts() (map[string]int, error)
	OutboxPendingCount() (int, error)
	HeartbeatAges(now time.Time) (map[string]time.Duration, error)
	ChainHeadSeq() (uint64, error)
}

// Collector refreshes state gauges from the store on a fixed cadence.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if counts, err := c.source.EntryStateCounts(); err == nil {
		for state, n := range counts {
			EntriesByState.WithLabelValues(state).Set(float64(n))
		}
	}

	if counts, err := c.source.PendingStatusCounts(); err == nil {
		for status, n := range counts {
			PendingByStatus.WithLabelValues(status).Set(float64(n))
		}
	}

	if counts, err := c.source.RuleLevelCounts(); err == nil {
		for level, n := range counts {
			RulesByLevel.WithLabelValues(level).Set(float64(n))
		}
	}

	if depth, err := c.source.OutboxPendingCount(); err == nil {
		OutboxDepth.Set(float64(depth))
	}

	if ages, err := c.source.HeartbeatAges(time.Now()); err == nil {
		for worker, age := range ages {
			HeartbeatAge.WithLabelValues(worker).Set(age.Seconds())
		}
	}

	if seq, err := c.source.ChainHeadSeq(); err == nil {
		ChainHead.Set(float64(seq))
	}
}
