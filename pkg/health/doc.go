/*
Package health provides the check framework the supervisor uses to judge
worker liveness.

Three checker kinds cover the supervision model: a probe checker routes a
lightweight request through the worker's control function, a heartbeat
checker inspects the worker's persisted heartbeat row for freshness, and an
HTTP checker polls the webhook listener's /healthz endpoint.

# Architecture

	┌──────────────────────────────────────────────┐
	│               Checker Interface              │
	│  • Check(ctx) Result                         │
	│  • Type() CheckType                          │
	└────────┬─────────────────────────────────────┘
	         │
	    ┌────┴───────┬─────────────┐
	    ▼            ▼             ▼
	┌────────┐  ┌──────────┐  ┌────────┐
	│ Probe  │  │Heartbeat │  │  HTTP  │
	│Checker │  │ Checker  │  │Checker │
	└────────┘  └──────────┘  └────────┘
	     │           │             │
	     ▼           ▼             ▼
	 control     last_beat_at   GET /healthz
	 function    vs max age

# Status tracking

Each supervised worker owns a Status. Results feed Status.Update, which
counts consecutive failures against Config.Retries before flipping the
worker unhealthy, and Config.StartPeriod grants slow-booting workers a
grace window during which failures are not counted.

# Usage

	checker := &health.ProbeChecker{Name: "match", Probe: engine.Ping}
	status := health.NewStatus()

	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// restart policy kicks in
	}
*/
package health
