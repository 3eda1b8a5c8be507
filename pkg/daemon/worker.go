package daemon

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tallyhq/tally/pkg/health"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// Worker is one supervised actor. Run blocks until the context is canceled
// or the worker fails; Probe is the lightweight control-channel check and
// must return quickly without taking the worker's own work locks.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
	Probe(ctx context.Context) error
}

// funcWorker adapts a pair of closures to the Worker interface. The
// standard worker set is wired this way around the component Run loops.
type funcWorker struct {
	name  string
	run   func(ctx context.Context) error
	probe func(ctx context.Context) error
}

func (w funcWorker) Name() string { return w.name }

func (w funcWorker) Run(ctx context.Context) error { return w.run(ctx) }

func (w funcWorker) Probe(ctx context.Context) error {
	if w.probe == nil {
		return nil
	}
	return w.probe(ctx)
}

// Boot ranks. Lower ranks start first so every worker's downstream side is
// already listening when it comes up; the collector boots last because it
// immediately produces work.
const (
	rankHub       = 1
	rankPipeline  = 2
	rankCollector = 3
)

const maxBootFailures = 3

// supervised is the runtime wrapper around one worker: its goroutine,
// restart bookkeeping, and health status.
type supervised struct {
	worker Worker
	rank   int

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	exitErr     error
	restarts    int
	bootFails   int
	restarting  bool
	quarantined bool

	status *health.Status
}

// running reports whether the worker goroutine is still scheduled.
func (s *supervised) running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (s *supervised) lastExit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// launch starts the worker goroutine under its own cancelable context. The
// harness writes the initial ALIVE heartbeat before Run so boot can be
// observed, and the final DEAD row after Run so shutdown is visible even
// for workers without their own beat hook. A panic is captured with its
// stack into the heartbeat's panic snapshot.
func (s *supervised) launch(parent context.Context, store storage.Store) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.exitErr = nil
	s.mu.Unlock()

	name := s.worker.Name()
	logger := log.WithWorker(name)

	go func() {
		defer close(done)

		beat(store, name, types.WorkerAlive, "")

		var runErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					snapshot := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
					beat(store, name, types.WorkerDead, snapshot)
					runErr = fmt.Errorf("worker %s panicked: %v", name, r)
					logger.Error().Interface("panic", r).Msg("worker panicked")
				}
			}()
			runErr = s.worker.Run(ctx)
		}()

		if runErr != nil && ctx.Err() == nil {
			logger.Error().Err(runErr).Msg("worker exited")
		} else {
			beat(store, name, types.WorkerDead, "")
			logger.Debug().Msg("worker stopped")
		}

		s.mu.Lock()
		s.exitErr = runErr
		s.mu.Unlock()
	}()
}

// stop cancels the worker and waits up to timeout for it to exit. Returns
// false when the worker did not make it out in time.
func (s *supervised) stop(timeout time.Duration) bool {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// restartBackoff computes the delay before relaunch attempt n: exponential
// from the base with full jitter, capped.
func restartBackoff(attempt int, cap time.Duration) time.Duration {
	const base = 2 * time.Second
	if cap <= 0 {
		cap = 60 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// beat upserts a worker heartbeat row. Write failures are swallowed: a
// heartbeat must never take a worker down with it.
func beat(store storage.Store, name string, state types.WorkerState, snapshot string) {
	err := store.PutHeartbeat(&types.Heartbeat{
		WorkerName:    name,
		PID:           os.Getpid(),
		LastBeatAt:    types.NowMillis(),
		State:         state,
		PanicSnapshot: snapshot,
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("worker", name).Msg("heartbeat write failed")
	}
	if state == types.WorkerAlive {
		metrics.HeartbeatAge.WithLabelValues(name).Set(0)
	}
}
