package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tallyhq/tally/pkg/agent"
	"github.com/tallyhq/tally/pkg/auditor"
	"github.com/tallyhq/tally/pkg/budget"
	"github.com/tallyhq/tally/pkg/collector"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/egress"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/health"
	"github.com/tallyhq/tally/pkg/hub"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/match"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/privacy"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// New builds the full production daemon: it opens the store under dataDir
// and wires the standard worker set in boot order — interaction surface
// first, the classification and reconciliation pipeline second, the
// collector last.
func New(cfg *config.Config, dataDir string) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	store, err := storage.NewBoltStore(dataDir, storage.Options{
		BusyTimeout: cfg.Store.BusyTimeout(),
		NoSync:      cfg.Store.SyncMode == "off",
		LockTimeout: cfg.Daemon.LockTimeout(),
		CardTTL:     cfg.Interaction.CardTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	d := NewSupervisor(cfg, store, broker)
	d.ownStore = true
	d.stats = metrics.NewCollector(store)

	guard := privacy.NewGuard()
	bm := budget.New(cfg.Accounting.TokenBudget.Daily, cfg.Accounting.TokenBudget.Monthly)
	d.budget = bm

	proxy := egress.New(cfg.Egress, guard, bm, nil)

	bridge, err := knowledge.New(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: load rules: %w", err)
	}
	d.bridge = bridge

	ag, err := agent.New(cfg.Accounting, bridge, proxy, bm, broker)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: build agent: %w", err)
	}
	aud := auditor.New(cfg.Audit, store, bridge, broker, "auditor")

	coll := collector.New(cfg.Collector, store,
		collector.WithHeartbeat(d.beatFunc("collector")))
	book := NewBookkeeper(coll.Documents(), ag, aud, store, d.beatFunc("bookkeeper"))
	engine := match.New(cfg.Match, store, broker,
		match.WithHeartbeat(d.beatFunc("match")))
	h := hub.New(cfg.Interaction, store, bridge, broker,
		hub.WithHeartbeat(d.beatFunc("hub")),
		hub.WithGuard(guard))
	dispatcher := hub.NewDispatcher(cfg.Interaction, store, broker, nil,
		hub.WithDispatchHeartbeat(d.beatFunc("outbox")))
	server := hub.NewServer(cfg.Interaction.ListenAddr, h)

	// Interaction surface first so review cards from the very first audited
	// entry have somewhere to go.
	d.Register(rankHub, funcWorker{
		name: "hub",
		run:  h.Run,
		probe: func(context.Context) error {
			if broker.SubscriberCount() == 0 {
				return fmt.Errorf("hub holds no broker subscription")
			}
			return nil
		},
	})
	d.Register(rankHub, funcWorker{
		name: "outbox",
		run:  dispatcher.Run,
		probe: func(context.Context) error {
			_, err := store.DueOutbox(types.NowMillis(), 1)
			return err
		},
	})
	d.Register(rankHub, funcWorker{
		name:  "webhook",
		run:   beatWhile(d.beatFunc("webhook"), server.Run),
		probe: httpProbe("http://" + cfg.Interaction.ListenAddr + "/healthz"),
	})

	d.Register(rankPipeline, book)
	d.Register(rankPipeline, funcWorker{
		name: "match",
		run:  engine.Run,
		probe: func(context.Context) error {
			_, _, err := store.ChainHead()
			return err
		},
	})

	// Collector boots last: everything downstream of a dropped file is
	// already consuming.
	d.Register(rankCollector, funcWorker{
		name: "collector",
		run:  coll.Run,
		probe: func(context.Context) error {
			_, err := os.Stat(cfg.Collector.DropDir)
			return err
		},
	})

	return d, nil
}

// beatWhile refreshes the heartbeat on a timer for workers that have no
// work loop of their own, like the webhook server. The HTTP probe stays
// the real liveness signal; the timer only keeps the row from going stale
// while the server blocks in accept.
func beatWhile(beatFn func(), run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		tick := time.NewTicker(10 * time.Second)
		defer tick.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-tick.C:
					beatFn()
				}
			}
		}()
		return run(ctx)
	}
}

// httpProbe adapts the HTTP checker to a probe function.
func httpProbe(url string) func(ctx context.Context) error {
	checker := health.NewHTTPChecker(url)
	return func(ctx context.Context) error {
		result := checker.Check(ctx)
		if !result.Healthy {
			return fmt.Errorf("%s", result.Message)
		}
		return nil
	}
}

// beatFunc returns the liveness hook one worker refreshes from its own
// loop, so a wedged loop goes visibly stale.
func (d *Daemon) beatFunc(name string) func() {
	return func() {
		beat(d.store, name, types.WorkerAlive, "")
	}
}
