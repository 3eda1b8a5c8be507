// Package agent classifies documents into account categories. L1 is the
// local rule router over the knowledge snapshot; L2 is an external reasoner
// reached only through the egress proxy, behind a circuit breaker, a token
// budget, and a response cache. Every proposal carries an ordered inference
// log so a posted entry can replay its own reasoning later.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tallyhq/tally/pkg/budget"
	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/egress"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/types"
)

const (
	engineL1 = "L1"
	engineL2 = "L2"

	// workerName tags egress requests for the audit trail.
	workerName = "accounting"
)

// Agent is the document classifier.
type Agent struct {
	cfg      config.AccountingConfig
	bridge   *knowledge.Bridge
	proxy    *egress.Proxy
	budget   *budget.Manager
	router   *router
	breaker  *gobreaker.CircuitBreaker
	cache    *responseCache
	upgrades *upgradeTable
	broker   *events.Broker
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds an Agent. The broker may be nil; budget-exhausted alerts are
// then dropped.
func New(cfg config.AccountingConfig, bridge *knowledge.Bridge, proxy *egress.Proxy, bm *budget.Manager, broker *events.Broker) (*Agent, error) {
	cache, err := newResponseCache(cfg.Cache.Size, cfg.Cache.TTL())
	if err != nil {
		return nil, fmt.Errorf("agent: response cache: %w", err)
	}
	logger := log.WithComponent("agent")

	a := &Agent{
		cfg:      cfg,
		bridge:   bridge,
		proxy:    proxy,
		budget:   bm,
		router:   newRouter(bridge, logger),
		cache:    cache,
		upgrades: newUpgradeTable(cfg.UpgradeStreak, time.Duration(cfg.UpgradeCooldownS)*time.Second),
		broker:   broker,
		logger:   logger,
		now:      time.Now,
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "l2",
		Interval: cfg.Circuit.Window(),
		Timeout:  cfg.Circuit.Cooloff(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Circuit.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(breakerGauge(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("l2 circuit breaker state change")
		},
	})
	return a, nil
}

// Classify routes one document through L1 and, on a miss or a forced
// upgrade, through L2. It always returns a proposal unless the context is
// done: when every engine is unavailable the proposal is a zero-confidence
// suspense posting flagged for shadow audit.
func (a *Agent) Classify(ctx context.Context, doc types.DocumentRecord) (*types.Proposal, error) {
	tr := &trail{now: a.now}
	tr.add("input_analysis",
		fmt.Sprintf("source=%s vendor=%q amount=%s", doc.Source, doc.Vendor, doc.Amount.StringFixed(2)),
		"", "", 0)

	if a.upgrades.active(doc.Vendor) {
		tr.add("routing", "vendor forced to L2 after repeated low-confidence outcomes", "", "", 0)
	} else {
		tr.add("routing", "trying local rules first", "", "", 0)
		if m := a.router.match(doc); m != nil {
			return a.fromRule(doc, m, tr), nil
		}
		tr.add("rule_match", "no live rule matched", engineL1, "", 0)
	}

	p, err := a.tryL2(ctx, doc, tr)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return a.degraded(doc, tr, err), nil
}

// fromRule turns an L1 match into a proposal. GRAY matches and anything
// under the shadow threshold keep the shadow-audit flag so the auditor
// weighs them with fresh eyes.
func (a *Agent) fromRule(doc types.DocumentRecord, m *l1Match, tr *trail) *types.Proposal {
	rule := m.rule
	conf := bandFor(rule.AuditLevel)
	path := "full scan"
	if m.fastPath {
		path = "fast path"
	}
	tr.add("rule_match",
		fmt.Sprintf("rule %s (%s) keyword %q via %s", rule.RuleID, rule.AuditLevel, rule.KeywordPattern, path),
		engineL1, rule.RuleID, conf)

	shadow := rule.AuditLevel == types.RuleGray || conf < shadowThreshold
	if shadow {
		tr.add("confidence", "gray-band match, shadow audit required", engineL1, rule.RuleID, conf)
		a.upgrades.recordLow(doc.Vendor)
	} else {
		tr.add("confidence", "stable-band match", engineL1, rule.RuleID, conf)
		a.upgrades.recordGood(doc.Vendor)
	}

	metrics.ClassificationsTotal.WithLabelValues("l1").Inc()
	return &types.Proposal{
		Category:            rule.ProposedCategory,
		Confidence:          conf,
		MatchedRule:         rule.RuleID,
		Engine:              engineL1,
		InferenceLog:        tr.steps,
		RequiresShadowAudit: shadow,
	}
}

func (a *Agent) tryL2(ctx context.Context, doc types.DocumentRecord, tr *trail) (*types.Proposal, error) {
	if !a.cfg.L2.Enabled {
		return nil, errors.New("l2 disabled")
	}

	key := cacheKey(a.cfg.L2.Model, promptOf(doc))
	if ans, ok := a.cache.get(key); ok {
		tr.add("l2_cache", "cached verdict for identical document: "+ans.reason, engineL2, "", ans.confidence)
		metrics.ClassificationsTotal.WithLabelValues("cache").Inc()
		return &types.Proposal{
			Category:            ans.category,
			Confidence:          ans.confidence,
			Engine:              engineL2,
			InferenceLog:        tr.steps,
			RequiresShadowAudit: ans.confidence < shadowThreshold,
		}, nil
	}

	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.reason(ctx, doc, tr)
	})
	if err != nil {
		a.noteL2Failure(doc, tr, err)
		return nil, err
	}
	d := res.(l2Decision)

	// A resolved vendor becomes a gray rule so the next identical document
	// never leaves the process.
	if strings.TrimSpace(doc.Vendor) != "" {
		if _, lerr := a.bridge.Learn(knowledge.LearnInput{
			Keyword:  doc.Vendor,
			Category: d.Category,
			TenantID: doc.TenantID,
		}, knowledge.OriginL2); lerr != nil {
			a.logger.Warn().Err(lerr).Str("vendor", doc.Vendor).Msg("could not learn rule from l2 verdict")
		}
	}
	a.cache.put(key, cachedAnswer{category: d.Category, confidence: d.Confidence, reason: d.Reason})
	a.upgrades.recordGood(doc.Vendor)

	metrics.ClassificationsTotal.WithLabelValues("l2").Inc()
	return &types.Proposal{
		Category:            d.Category,
		Confidence:          d.Confidence,
		Engine:              engineL2,
		InferenceLog:        tr.steps,
		RequiresShadowAudit: d.Confidence < shadowThreshold,
	}, nil
}

// noteL2Failure records why L2 was unavailable and raises the one-shot
// budget alert when this failure is the crossing one.
func (a *Agent) noteL2Failure(doc types.DocumentRecord, tr *trail, err error) {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		tr.add("routing", "l2 circuit open, degrading", engineL2, "", 0)
	case errors.Is(err, budget.ErrExhausted):
		tr.add("routing", "token budget exhausted, degrading", engineL2, "", 0)
		var ex *budget.ExhaustedError
		if errors.As(err, &ex) && ex.First && a.broker != nil {
			a.broker.Publish(&events.Event{
				Type:     events.EventBudgetExhausted,
				TraceID:  doc.TraceID,
				Message:  ex.Error(),
				Metadata: map[string]string{"scope": ex.Scope},
			})
		}
	default:
		tr.add("routing", "l2 failed: "+clip(err.Error(), 120), engineL2, "", 0)
	}
	a.logger.Warn().Err(err).Str("trace_id", doc.TraceID).Msg("l2 unavailable")
}

// degraded is the last resort: park the amount on the suspense account and
// let the audit tier surface it for a human.
func (a *Agent) degraded(doc types.DocumentRecord, tr *trail, cause error) *types.Proposal {
	tr.add("confidence", "no engine produced a verdict, parking on suspense account", engineL1, "", 0)
	metrics.ClassificationsTotal.WithLabelValues("degraded").Inc()
	a.logger.Info().
		Str("trace_id", doc.TraceID).
		Str("vendor", doc.Vendor).
		Err(cause).
		Msg("degraded classification")
	return &types.Proposal{
		Category:            suspenseCategory,
		Confidence:          0,
		Engine:              engineL1,
		InferenceLog:        tr.steps,
		RequiresShadowAudit: true,
	}
}

// promptOf is the canonical cache-key text for a document. Field order is
// part of the key contract; changing it invalidates every cached verdict.
func promptOf(doc types.DocumentRecord) string {
	return strings.Join([]string{
		string(doc.Source),
		strings.ToLower(strings.TrimSpace(doc.Vendor)),
		doc.Amount.StringFixed(2),
		strings.TrimSpace(doc.Description),
	}, "\x1f")
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// trail builds the ordered inference log.
type trail struct {
	steps []types.InferenceStep
	now   func() time.Time
}

func (t *trail) add(stage, detail, engine, ruleID string, conf float64) {
	t.steps = append(t.steps, types.InferenceStep{
		Step:       len(t.steps) + 1,
		Stage:      stage,
		Detail:     detail,
		Engine:     engine,
		RuleID:     ruleID,
		Confidence: conf,
		At:         t.now().UnixMilli(),
	})
}
