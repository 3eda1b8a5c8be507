/*
Package metrics provides Prometheus instrumentation for Tally.

All collectors are registered at init and named under the tally_ prefix:
ledger appends and rejections, chain verification failures, collector file
outcomes, L1/L2 classification counts, cache and breaker state, audit
verdicts, match decisions, outbox depth and attempts, worker restarts and
heartbeat ages, and egress redactions by category.

# Components

  - Timer: histogram-friendly duration measurement for loop bodies
  - Collector: 15 s refresh of state gauges from a StatsSource (the store)
  - HealthChecker: component health registry backing /healthz and /ready
  - Handler: the promhttp handler the hub mounts at /metrics

# Usage

Timing a cycle:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.MatchCycleDuration)

Counting an outcome:

	metrics.AuditVerdictsTotal.WithLabelValues(string(verdict.Decision)).Inc()
*/
package metrics
