package health

import (
	"context"
	"fmt"
	"time"
)

// BeatSource reads one worker's persisted heartbeat. The storage layer
// satisfies it; the indirection keeps this package free of a storage
// import.
type BeatSource interface {
	LastBeat(worker string) (at time.Time, ok bool, err error)
}

// HeartbeatChecker inspects a worker's persisted heartbeat row. A worker
// whose goroutine is alive but whose loop has stopped making progress stops
// refreshing its row, and the row's age crossing MaxAge is what marks it
// STUCK.
type HeartbeatChecker struct {
	// Worker is the heartbeat row owner
	Worker string

	// Source reads the heartbeat row
	Source BeatSource

	// MaxAge is the staleness bound (default: 60 seconds)
	MaxAge time.Duration

	// now is overridable for tests
	now func() time.Time
}

// NewHeartbeatChecker creates a heartbeat freshness checker.
func NewHeartbeatChecker(worker string, source BeatSource) *HeartbeatChecker {
	return &HeartbeatChecker{
		Worker: worker,
		Source: source,
		MaxAge: 60 * time.Second,
		now:    time.Now,
	}
}

// Check performs the freshness check
func (h *HeartbeatChecker) Check(_ context.Context) Result {
	start := h.clock()

	at, ok, err := h.Source.LastBeat(h.Worker)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("heartbeat read failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if !ok {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("worker %s has no heartbeat row", h.Worker),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	maxAge := h.MaxAge
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	age := start.Sub(at)
	if age > maxAge {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("heartbeat stale: last beat %s ago (max %s)", age.Round(time.Second), maxAge),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("heartbeat fresh: %s ago", age.Round(time.Millisecond)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HeartbeatChecker) Type() CheckType {
	return CheckTypeHeartbeat
}

// WithMaxAge sets the staleness bound
func (h *HeartbeatChecker) WithMaxAge(maxAge time.Duration) *HeartbeatChecker {
	h.MaxAge = maxAge
	return h
}

func (h *HeartbeatChecker) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}
