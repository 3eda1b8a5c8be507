/*
Package daemon provides the master supervisor: it boots the worker set in
dependency order, watches each worker with a triple health check, restarts
failures with capped backoff, runs the periodic maintenance pass, and owns
process-wide shutdown.

# Architecture

	┌──────────────────── MASTER DAEMON ────────────────────┐
	│                                                        │
	│  boot order (rank):                                    │
	│    1 hub, outbox, webhook   2 bookkeeper, match        │
	│    3 collector (last: nothing downstream missing)      │
	│                                                        │
	│  health loop (every 10 s, per worker):                 │
	│    • goroutine liveness   • heartbeat row freshness    │
	│    • logical probe with timeout                        │
	│                                                        │
	│  maintenance loop:                                     │
	│    • store checkpoint     • orphan lock / card sweep   │
	│    • sliding chain verify • budget + outbox watch      │
	│    • daily rule distillation and outbox compaction     │
	└────────────────────────────────────────────────────────┘

# Restart policy

A dead or unhealthy worker is relaunched with exponential backoff and full
jitter (2 s doubling to a 60 s cap). Three consecutive relaunches that fail
to produce an initial heartbeat quarantine the worker: its heartbeat row is
marked QUARANTINED and a critical event is published for the interaction
hub to deliver.

# Shutdown

Shutdown cancels the shared context and waits up to the grace period.
Workers that exit in time write their own DEAD heartbeat; stragglers are
abandoned with the cause recorded in the heartbeat's panic snapshot, and
any entry locks they held are swept by the next maintenance pass.
*/
package daemon
