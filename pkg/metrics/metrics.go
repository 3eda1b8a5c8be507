package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	EntriesAppendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_entries_appended_total",
			Help: "Total number of entries appended to the ledger chain",
		},
	)

	AppendRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_append_rejected_total",
			Help: "Total number of rejected appends by reason",
		},
		[]string{"reason"},
	)

	BusyRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_store_busy_retries_total",
			Help: "Total number of store busy retries",
		},
	)

	ChainVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_chain_verify_failures_total",
			Help: "Total number of chain verification failures",
		},
	)

	ChainHead = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_chain_head",
			Help: "Sequence number of the current chain head",
		},
	)

	EntriesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_entries",
			Help: "Number of ledger entries by state",
		},
		[]string{"state"},
	)

	PendingByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_pending_entries",
			Help: "Number of pending entries by reconciliation status",
		},
		[]string{"status"},
	)

	RulesByLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_rules",
			Help: "Number of live knowledge rules by audit level",
		},
		[]string{"level"},
	)

	// Collector metrics
	FilesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_files_processed_total",
			Help: "Total number of collector files by outcome",
		},
		[]string{"status"},
	)

	ParseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_parse_duration_seconds",
			Help:    "Per-file parse duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Classification metrics
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_classifications_total",
			Help: "Total number of classifications by engine",
		},
		[]string{"engine"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_l2_cache_hits_total",
			Help: "Total number of L2 response cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_l2_cache_misses_total",
			Help: "Total number of L2 response cache misses",
		},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_l2_breaker_state",
			Help: "L2 circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	TokensSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_tokens_spent_total",
			Help: "Total external inference tokens recorded against the budget",
		},
	)

	// Audit metrics
	AuditVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_audit_verdicts_total",
			Help: "Total number of audit verdicts by decision",
		},
		[]string{"decision"},
	)

	// Match metrics
	MatchDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_match_decisions_total",
			Help: "Total number of reconciliation decisions",
		},
		[]string{"decision"},
	)

	MatchCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_match_cycle_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Outbox and card metrics
	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_outbox_depth",
			Help: "Number of outbox events awaiting delivery",
		},
	)

	OutboxAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_outbox_attempts_total",
			Help: "Total number of outbox delivery attempts",
		},
	)

	OutboxDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_outbox_delivered_total",
			Help: "Total number of delivered outbox events by kind",
		},
		[]string{"kind"},
	)

	CardsIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_cards_issued_total",
			Help: "Total number of interaction cards issued",
		},
	)

	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_callbacks_total",
			Help: "Total number of webhook callbacks by result",
		},
		[]string{"result"},
	)

	// Supervision metrics
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_worker_restarts_total",
			Help: "Total number of worker restarts by worker",
		},
		[]string{"worker"},
	)

	WorkerQuarantinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_worker_quarantined_total",
			Help: "Total number of workers quarantined after repeated restart failure",
		},
	)

	HeartbeatAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_heartbeat_age_seconds",
			Help: "Age of each worker's last persistent heartbeat",
		},
		[]string{"worker"},
	)

	MaintenanceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_maintenance_cycles_total",
			Help: "Total number of completed maintenance cycles",
		},
	)

	MaintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_maintenance_duration_seconds",
			Help:    "Maintenance cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Egress metrics
	EgressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_egress_requests_total",
			Help: "Total number of outbound inference requests by result",
		},
		[]string{"result"},
	)

	RedactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_redactions_total",
			Help: "Total number of redactions applied by category",
		},
		[]string{"category"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EntriesAppendedTotal)
	prometheus.MustRegister(AppendRejectedTotal)
	prometheus.MustRegister(BusyRetriesTotal)
	prometheus.MustRegister(ChainVerifyFailures)
	prometheus.MustRegister(ChainHead)
	prometheus.MustRegister(EntriesByState)
	prometheus.MustRegister(PendingByStatus)
	prometheus.MustRegister(RulesByLevel)
	prometheus.MustRegister(FilesProcessedTotal)
	prometheus.MustRegister(ParseDuration)
	prometheus.MustRegister(ClassificationsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(TokensSpentTotal)
	prometheus.MustRegister(AuditVerdictsTotal)
	prometheus.MustRegister(MatchDecisionsTotal)
	prometheus.MustRegister(MatchCycleDuration)
	prometheus.MustRegister(OutboxDepth)
	prometheus.MustRegister(OutboxAttemptsTotal)
	prometheus.MustRegister(OutboxDeliveredTotal)
	prometheus.MustRegister(CardsIssuedTotal)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(WorkerQuarantinedTotal)
	prometheus.MustRegister(HeartbeatAge)
	prometheus.MustRegister(MaintenanceCyclesTotal)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(EgressRequestsTotal)
	prometheus.MustRegister(RedactionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
