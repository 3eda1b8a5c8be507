package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/budget"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/health"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// Daemon supervises the worker set over one shared store and broker.
type Daemon struct {
	mu     sync.RWMutex
	cfg    *config.Config
	store  storage.Store
	broker *events.Broker

	workers []*supervised

	rootCtx    context.Context
	rootCancel context.CancelFunc
	loops      sync.WaitGroup
	started    bool

	// Optional refs the maintenance pass uses when present.
	bridge *knowledge.Bridge
	budget *budget.Manager
	stats  *metrics.Collector

	// ownStore marks a store the daemon opened itself (via New) and must
	// close on shutdown.
	ownStore bool

	chainAlerted  bool
	budgetAlerted bool
	lastDaily     time.Time

	logger zerolog.Logger
	now    func() time.Time
}

// NewSupervisor builds a bare daemon over an existing store and broker
// with no workers registered. New wires the full production worker set on
// top of this.
func NewSupervisor(cfg *config.Config, store storage.Store, broker *events.Broker) *Daemon {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Daemon{
		cfg:    cfg,
		store:  store,
		broker: broker,
		logger: log.WithComponent("daemon"),
		now:    time.Now,
	}
}

// Register adds a worker at the given boot rank. Must be called before
// Start.
func (d *Daemon) Register(rank int, w Worker) {
	d.workers = append(d.workers, &supervised{
		worker: w,
		rank:   rank,
		status: health.NewStatus(),
	})
}

// Config returns the current configuration snapshot.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Start boots workers in rank order and returns once every worker has
// written its initial ALIVE heartbeat, or fails on the first worker that
// misses the boot timeout. The health and maintenance loops run until
// Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.rootCtx, d.rootCancel = context.WithCancel(ctx)
	cfg := d.cfg
	d.mu.Unlock()

	sort.SliceStable(d.workers, func(i, j int) bool { return d.workers[i].rank < d.workers[j].rank })

	for _, s := range d.workers {
		bootedAt := d.now()
		s.launch(d.rootCtx, d.store)
		if err := d.awaitBeat(s, bootedAt, cfg.Daemon.BootTimeout()); err != nil {
			d.logger.Error().Err(err).Str("worker", s.worker.Name()).Msg("boot failed")
			d.rootCancel()
			return err
		}
		metrics.RegisterComponent(s.worker.Name(), true, "booted")
		d.logger.Info().Str("worker", s.worker.Name()).Int("rank", s.rank).Msg("worker booted")
	}

	if d.stats != nil {
		d.stats.Start()
	}

	d.loops.Add(2)
	go d.healthLoop()
	go d.maintenanceLoop()

	d.logger.Info().Int("workers", len(d.workers)).Msg("daemon running")
	return nil
}

// awaitBeat polls for an ALIVE heartbeat written at or after launch.
func (d *Daemon) awaitBeat(s *supervised, since time.Time, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := s.worker.Name()
	deadline := d.now().Add(timeout)
	for d.now().Before(deadline) {
		if !s.running() {
			if exit := s.lastExit(); exit != nil {
				return fmt.Errorf("worker %s exited during boot: %w", name, exit)
			}
		}
		hb, err := d.store.GetHeartbeat(name)
		if err == nil && hb.State == types.WorkerAlive && hb.LastBeatAt >= since.UnixMilli() && s.running() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("worker %s missed the boot timeout (%s)", name, timeout)
}

// Shutdown cancels every worker and waits up to grace for them to drain.
// Workers still present after the grace window are abandoned with the
// cause recorded in their heartbeat row; the next maintenance pass of a
// future run sweeps any locks they held.
func (d *Daemon) Shutdown(grace time.Duration) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel := d.rootCancel
	d.mu.Unlock()

	if grace <= 0 {
		grace = 5 * time.Second
	}
	d.logger.Info().Dur("grace", grace).Msg("shutting down")
	cancel()

	deadline := time.Now().Add(grace)
	var stragglers []string
	for i := len(d.workers) - 1; i >= 0; i-- {
		s := d.workers[i]
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			if s.running() {
				stragglers = append(stragglers, s.worker.Name())
				beat(d.store, s.worker.Name(), types.WorkerDead,
					fmt.Sprintf("forced termination: no exit within %s grace", grace))
			}
		}
	}

	d.loops.Wait()
	if d.stats != nil {
		d.stats.Stop()
	}
	if d.broker != nil {
		d.broker.Stop()
	}
	if d.ownStore {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("store close failed")
		}
	}

	if len(stragglers) > 0 {
		d.logger.Warn().Strs("workers", stragglers).Msg("force-terminated stragglers")
		return fmt.Errorf("workers abandoned after grace: %s", strings.Join(stragglers, ", "))
	}
	d.logger.Info().Msg("shutdown complete")
	return nil
}

// Reload swaps in a new configuration snapshot. Supervision cadences and
// the log level apply immediately; settings a worker copied at construction
// apply when that worker next restarts.
func (d *Daemon) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	d.logger = log.WithComponent("daemon")
	d.logger.Info().Msg("configuration reloaded")
}

// --- health loop ---

func (d *Daemon) healthLoop() {
	defer d.loops.Done()

	cfg := d.Config().Daemon
	interval := cfg.HealthInterval()
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.rootCtx.Done():
			return
		case <-ticker.C:
			for _, s := range d.workers {
				d.checkWorker(s)
			}
		}
	}
}

// checkWorker runs the triple check: goroutine liveness, persisted
// heartbeat freshness, and the logical probe. A dead worker restarts
// immediately; a live one accumulates failures against the retry budget
// before the restart policy treats it as wedged.
func (d *Daemon) checkWorker(s *supervised) {
	s.mu.Lock()
	skip := s.quarantined || s.restarting
	s.mu.Unlock()
	if skip {
		return
	}

	name := s.worker.Name()
	cfg := d.Config().Daemon

	if !s.running() {
		cause := "exited"
		if err := s.lastExit(); err != nil {
			cause = err.Error()
		}
		metrics.UpdateComponent(name, false, cause)
		d.restart(s, cause)
		return
	}

	hbCheck := health.NewHeartbeatChecker(name, beatSource{d.store}).WithMaxAge(cfg.HealthTimeout())
	result := hbCheck.Check(d.rootCtx)
	if !result.Healthy {
		// Scheduled but not progressing: record STUCK so operators see it
		// even if the probe below still answers.
		beatState(d.store, name, types.WorkerStuck)
	} else {
		probe := health.NewProbeChecker(name, s.worker.Probe).WithTimeout(cfg.ProbeTimeout())
		result = probe.Check(d.rootCtx)
	}

	checkCfg := health.Config{
		Interval: cfg.HealthInterval(),
		Timeout:  cfg.ProbeTimeout(),
		Retries:  3,
	}
	s.status.Update(result, checkCfg)
	metrics.UpdateComponent(name, s.status.Healthy, result.Message)

	if !s.status.Healthy {
		d.logger.Warn().Str("worker", name).Str("reason", result.Message).Msg("worker unhealthy, restarting")
		d.restart(s, result.Message)
	}
}

// restart relaunches a worker with backoff. Three consecutive relaunches
// without an initial heartbeat quarantine it. Runs in its own goroutine so
// one worker's backoff never stalls the checks of the others.
func (d *Daemon) restart(s *supervised, cause string) {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return
	}
	s.restarting = true
	s.mu.Unlock()
	go d.doRestart(s, cause)
}

func (d *Daemon) doRestart(s *supervised, cause string) {
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	name := s.worker.Name()
	cfg := d.Config().Daemon

	s.stop(2 * time.Second)

	s.mu.Lock()
	attempt := s.restarts
	s.restarts++
	s.mu.Unlock()

	delay := restartBackoff(attempt, time.Duration(cfg.MaxRestartBackoff)*time.Second)
	d.logger.Info().
		Str("worker", name).
		Str("cause", cause).
		Int("attempt", attempt+1).
		Dur("backoff", delay).
		Msg("restarting worker")
	metrics.WorkerRestartsTotal.WithLabelValues(name).Inc()

	select {
	case <-d.rootCtx.Done():
		return
	case <-time.After(delay):
	}

	bootedAt := d.now()
	s.launch(d.rootCtx, d.store)
	if err := d.awaitBeat(s, bootedAt, cfg.BootTimeout()); err != nil {
		s.mu.Lock()
		s.bootFails++
		fails := s.bootFails
		s.mu.Unlock()
		d.logger.Error().Err(err).Str("worker", name).Int("boot_failures", fails).Msg("restart did not come up")
		if fails >= maxBootFailures {
			d.quarantine(s, err)
		}
		return
	}

	s.mu.Lock()
	s.bootFails = 0
	s.mu.Unlock()
	s.status = health.NewStatus()
	d.logger.Info().Str("worker", name).Msg("worker restarted")
}

// quarantine retires a worker that cannot be brought back. The heartbeat
// row keeps the verdict and the hub turns the published event into a
// critical outbox notification.
func (d *Daemon) quarantine(s *supervised, cause error) {
	name := s.worker.Name()

	s.mu.Lock()
	s.quarantined = true
	s.mu.Unlock()
	s.stop(time.Second)

	beat(d.store, name, types.WorkerQuarantined, fmt.Sprintf("quarantined: %v", cause))
	metrics.WorkerQuarantinedTotal.Inc()
	metrics.UpdateComponent(name, false, "quarantined")
	d.logger.Error().Err(cause).Str("worker", name).Msg("worker quarantined")

	if d.broker != nil {
		d.broker.Publish(&events.Event{
			Type:    events.EventWorkerQuarantine,
			Message: fmt.Sprintf("worker %s quarantined after %d failed restarts: %v", name, maxBootFailures, cause),
			Metadata: map[string]string{
				"worker": name,
			},
		})
	}
}

// beatSource adapts the store to the health package's heartbeat reader.
type beatSource struct {
	store storage.Store
}

func (b beatSource) LastBeat(worker string) (time.Time, bool, error) {
	hb, err := b.store.GetHeartbeat(worker)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return types.TimeFromMillis(hb.LastBeatAt), true, nil
}

// beatState rewrites only the state of an existing heartbeat row,
// preserving the worker's own last_beat_at so staleness stays visible.
func beatState(store storage.Store, name string, state types.WorkerState) {
	hb, err := store.GetHeartbeat(name)
	if err != nil {
		return
	}
	hb.State = state
	if err := store.PutHeartbeat(hb); err != nil {
		log.Logger.Warn().Err(err).Str("worker", name).Msg("heartbeat state write failed")
	}
}
