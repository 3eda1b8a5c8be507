package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// Sender delivers one rendered outbox event to the outside world.
type Sender interface {
	Send(ctx context.Context, ev *types.OutboxEvent) error
}

// LogSender writes deliveries to the log and reports success. Deployments
// without a messaging channel run this way; the log is the channel.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, ev *types.OutboxEvent) error {
	s.Logger.Info().
		Str("event_id", ev.EventID).
		Str("kind", string(ev.Kind)).
		RawJSON("payload", ev.Payload).
		Msg("outbox delivery")
	return nil
}

// WebhookSender POSTs each event to a configured URL. The event id rides a
// header so the receiving side can deduplicate at-least-once deliveries.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, ev *types.OutboxEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(ev.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", ev.EventID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}

// Dispatcher drains the outbox: due events are handed to the sender, a
// success marks ACK, a failure reschedules with exponential backoff until
// the attempt budget runs out. Depth crossing the alert threshold raises
// one backlog event until the queue drains below it again.
type Dispatcher struct {
	cfg     config.InteractionConfig
	store   storage.Store
	broker  *events.Broker
	sender  Sender
	logger  zerolog.Logger
	now     func() time.Time
	beat    func()
	alerted bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchHeartbeat registers the supervisor liveness hook.
func WithDispatchHeartbeat(beat func()) DispatcherOption {
	return func(d *Dispatcher) {
		if beat != nil {
			d.beat = beat
		}
	}
}

// NewDispatcher builds the outbox polling worker. A nil sender delivers to
// the log.
func NewDispatcher(cfg config.InteractionConfig, store storage.Store, broker *events.Broker, sender Sender, opts ...DispatcherOption) *Dispatcher {
	if cfg.OutboxPollS <= 0 {
		cfg.OutboxPollS = 5
	}
	if cfg.OutboxDepthAlert <= 0 {
		cfg.OutboxDepthAlert = 100
	}
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = 8
	}
	logger := log.WithComponent("outbox")
	if sender == nil {
		if cfg.NotifyURL != "" {
			sender = &WebhookSender{URL: cfg.NotifyURL}
		} else {
			sender = LogSender{Logger: logger}
		}
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		broker: broker,
		sender: sender,
		logger: logger,
		now:    time.Now,
		beat:   func() {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run polls until the context is canceled: one pass immediately, then one
// per poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Dur("poll", d.cfg.OutboxPoll()).
		Int("max_attempts", d.cfg.OutboxMaxAttempts).
		Msg("outbox dispatcher running")

	ticker := time.NewTicker(d.cfg.OutboxPoll())
	defer ticker.Stop()
	for {
		if err := d.Dispatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error().Err(err).Msg("outbox pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Dispatch runs one delivery pass over everything due now.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	d.beat()
	now := d.now().UnixMilli()

	// One scan serves both the depth gauge and the due set: the queue is
	// sorted by next attempt, so due events form its prefix.
	queue, err := d.store.DueOutbox(math.MaxInt64, 0)
	if err != nil {
		return err
	}
	metrics.OutboxDepth.Set(float64(len(queue)))
	d.watchDepth(len(queue))

	for _, ev := range queue {
		if ev.NextAttemptAt > now {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.deliver(ctx, ev)
		d.beat()
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev *types.OutboxEvent) {
	attempts := ev.Attempts + 1
	metrics.OutboxAttemptsTotal.Inc()

	if err := d.sender.Send(ctx, ev); err != nil {
		if attempts >= d.cfg.OutboxMaxAttempts {
			if mErr := d.store.MarkOutbox(ev.EventID, types.OutboxFailed, attempts, ev.NextAttemptAt, err.Error()); mErr != nil {
				d.logger.Error().Err(mErr).Str("event_id", ev.EventID).Msg("failure not recorded")
			}
			d.logger.Error().Err(err).
				Str("event_id", ev.EventID).
				Str("kind", string(ev.Kind)).
				Int("attempts", attempts).
				Msg("delivery abandoned")
			return
		}
		next := d.now().Add(retryBackoff(attempts)).UnixMilli()
		if mErr := d.store.MarkOutbox(ev.EventID, types.OutboxPending, attempts, next, err.Error()); mErr != nil {
			d.logger.Error().Err(mErr).Str("event_id", ev.EventID).Msg("retry not recorded")
		}
		d.logger.Warn().Err(err).
			Str("event_id", ev.EventID).
			Int("attempts", attempts).
			Msg("delivery failed, retry scheduled")
		return
	}

	if err := d.store.MarkOutbox(ev.EventID, types.OutboxAck, attempts, ev.NextAttemptAt, ""); err != nil {
		d.logger.Error().Err(err).Str("event_id", ev.EventID).Msg("ack not recorded")
		return
	}
	metrics.OutboxDeliveredTotal.WithLabelValues(string(ev.Kind)).Inc()
	d.logger.Debug().
		Str("event_id", ev.EventID).
		Str("kind", string(ev.Kind)).
		Int("attempts", attempts).
		Msg("delivered")
}

// watchDepth raises the backlog alert once per excursion above the
// threshold and re-arms when the queue drains below it.
func (d *Dispatcher) watchDepth(depth int) {
	if depth < d.cfg.OutboxDepthAlert {
		d.alerted = false
		return
	}
	if d.alerted {
		return
	}
	d.alerted = true
	d.logger.Warn().Int("depth", depth).Int("threshold", d.cfg.OutboxDepthAlert).Msg("outbox backlog")
	if d.broker != nil {
		d.broker.Publish(&events.Event{
			Type:    events.EventOutboxBacklog,
			Message: fmt.Sprintf("outbox depth %d at or above %d", depth, d.cfg.OutboxDepthAlert),
			Metadata: map[string]string{
				"depth":     strconv.Itoa(depth),
				"threshold": strconv.Itoa(d.cfg.OutboxDepthAlert),
			},
		})
	}
}

// retryBackoff returns a full-jitter delay for the given attempt, capped
// at five minutes.
func retryBackoff(attempt int) time.Duration {
	d := 2 * time.Second << uint(attempt-1)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
