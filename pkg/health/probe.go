package health

import (
	"context"
	"fmt"
	"time"
)

// ProbeChecker performs the logical probe: a lightweight request routed
// through the worker's control function. A worker that is scheduled but
// wedged on a lock or a full channel fails this check while the other two
// still pass, which is exactly the STUCK signature.
type ProbeChecker struct {
	// Name identifies the worker in check messages
	Name string

	// Probe is the worker's control function. It must be cheap and must
	// not take the worker's own work locks.
	Probe func(ctx context.Context) error

	// Timeout bounds one probe round-trip (default: 5 seconds)
	Timeout time.Duration
}

// NewProbeChecker creates a probe checker for a worker control function.
func NewProbeChecker(name string, probe func(ctx context.Context) error) *ProbeChecker {
	return &ProbeChecker{
		Name:    name,
		Probe:   probe,
		Timeout: 5 * time.Second,
	}
}

// Check performs the probe
func (p *ProbeChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if p.Probe == nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("worker %s has no probe function", p.Name),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The probe runs in its own goroutine so a wedged worker cannot wedge
	// the supervisor's health loop with it.
	done := make(chan error, 1)
	go func() { done <- p.Probe(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			return Result{
				Healthy:   false,
				Message:   fmt.Sprintf("probe failed: %v", err),
				CheckedAt: start,
				Duration:  time.Since(start),
			}
		}
		return Result{
			Healthy:   true,
			Message:   fmt.Sprintf("probe of %s ok", p.Name),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	case <-ctx.Done():
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe timed out after %s", timeout),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
}

// Type returns the health check type
func (p *ProbeChecker) Type() CheckType {
	return CheckTypeProbe
}

// WithTimeout sets the probe timeout
func (p *ProbeChecker) WithTimeout(timeout time.Duration) *ProbeChecker {
	p.Timeout = timeout
	return p
}
