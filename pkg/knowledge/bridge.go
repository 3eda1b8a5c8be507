// Package knowledge manages the classification rule base: promotion and
// demotion driven by audit feedback, learning from user corrections and L2
// decisions, distillation of failed and duplicate rules, and export to a
// reviewable rules file. Readers get a lock-free snapshot; writers
// serialize through the bridge.
package knowledge

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/fuzzy"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

const (
	// promoteStreak is the consecutive approvals a GRAY rule needs, with a
	// clean reject record, before it becomes STABLE.
	promoteStreak = 3
	// demoteRejects is the reject count that retires a GRAY rule to FAILED.
	demoteRejects = 2
	// nearDuplicate is the keyword similarity above which two rules are
	// treated as the same rule.
	nearDuplicate = 0.85
	// staleGrayAge retires GRAY rules that never matched anything.
	staleGrayAge = 30 * 24 * time.Hour
)

// Rule origins accepted by Learn.
const (
	OriginManual = "MANUAL"
	OriginL2     = "L2"
)

// accountCode validates categories before they are written to the rules
// file: a four-digit subject code with an optional two-digit sub-code.
var accountCode = regexp.MustCompile(`^\d{4}(-\d{2})?$`)

// ErrBadOrigin rejects Learn calls with an unknown source.
var ErrBadOrigin = errors.New("unknown rule origin")

// LearnInput carries the fields of a rule to learn.
type LearnInput struct {
	Keyword    string
	Category   string
	TenantID   string
	Priority   int
	IsRegex    bool
	Conditions *types.RuleConditions
}

// DistillReport summarizes one distillation pass.
type DistillReport struct {
	RemovedFailed    int
	RemovedStale     int
	RemovedConflicts int
	MergedDuplicates int
}

// Bridge mediates every rule read and write. The snapshot is swapped
// atomically after each mutation so the L1 router never takes a lock.
type Bridge struct {
	store  storage.Store
	logger zerolog.Logger

	mu      sync.Mutex
	snap    atomic.Value // []*types.Rule, priority desc
	version atomic.Uint64
	now     func() time.Time
}

// New loads the rule base and builds the first snapshot.
func New(store storage.Store) (*Bridge, error) {
	b := &Bridge{
		store:  store,
		logger: log.WithComponent("knowledge"),
		now:    time.Now,
	}
	if err := b.Refresh(); err != nil {
		return nil, err
	}
	return b, nil
}

// Snapshot returns the live rules ordered by priority descending, then by
// keyword specificity. Callers must treat the slice as read-only.
func (b *Bridge) Snapshot() []*types.Rule {
	v := b.snap.Load()
	if v == nil {
		return nil
	}
	return v.([]*types.Rule)
}

// Version increments on every snapshot swap. Routers key their derived
// indexes on it instead of re-deriving per classification.
func (b *Bridge) Version() uint64 {
	return b.version.Load()
}

// Refresh rebuilds the snapshot from the store and republishes rule gauges.
func (b *Bridge) Refresh() error {
	rules, err := b.store.ListRules()
	if err != nil {
		return fmt.Errorf("knowledge: load rules: %w", err)
	}

	counts := make(map[types.AuditLevel]int)
	live := make([]*types.Rule, 0, len(rules))
	for _, r := range rules {
		counts[r.AuditLevel]++
		if r.AuditLevel.Live() {
			live = append(live, r)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority > live[j].Priority
		}
		// Narrower keyword first so specific rules win at equal priority.
		li, lj := len([]rune(live[i].KeywordPattern)), len([]rune(live[j].KeywordPattern))
		if li != lj {
			return li > lj
		}
		return live[i].RuleID < live[j].RuleID
	})
	b.snap.Store(live)
	b.version.Add(1)

	for _, level := range []types.AuditLevel{types.RuleGray, types.RuleStable, types.RuleManual, types.RuleBlocked, types.RuleFailed} {
		metrics.RulesByLevel.WithLabelValues(string(level)).Set(float64(counts[level]))
	}
	return nil
}

// RecordHit counts an audit approval against the rule. A GRAY rule that
// reaches the promotion streak with zero rejects becomes STABLE; the old
// version is archived with valid_until stamped.
func (b *Bridge) RecordHit(ruleID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rule, err := b.store.GetRule(ruleID)
	if err != nil {
		return err
	}
	rule.HitCount++
	rule.ConsecutiveSuccess++

	if rule.AuditLevel == types.RuleGray && rule.ConsecutiveSuccess >= promoteStreak && rule.RejectCount == 0 {
		rule.AuditLevel = types.RuleStable
		b.logger.Info().
			Str("rule_id", rule.RuleID).
			Str("category", rule.ProposedCategory).
			Int("streak", rule.ConsecutiveSuccess).
			Msg("rule promoted to STABLE")
	}

	if err := b.store.PutRule(rule); err != nil {
		return err
	}
	return b.Refresh()
}

// RecordReject counts an audit rejection. The success streak resets; a
// GRAY rule that accumulates enough rejects is retired to FAILED.
func (b *Bridge) RecordReject(ruleID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rule, err := b.store.GetRule(ruleID)
	if err != nil {
		return err
	}
	rule.RejectCount++
	rule.ConsecutiveSuccess = 0

	if rule.AuditLevel == types.RuleGray && rule.RejectCount >= demoteRejects {
		rule.AuditLevel = types.RuleFailed
		b.logger.Warn().
			Str("rule_id", rule.RuleID).
			Int("rejects", rule.RejectCount).
			Msg("rule demoted to FAILED")
	}

	if err := b.store.PutRule(rule); err != nil {
		return err
	}
	return b.Refresh()
}

// Learn records a new classification rule. MANUAL corrections enter STABLE
// directly; L2 decisions enter GRAY and must earn promotion. A near-
// duplicate keyword with the same category updates the existing rule
// instead of inserting; a conflict with an existing STABLE rule keeps the
// newcomer GRAY regardless of origin.
func (b *Bridge) Learn(in LearnInput, origin string) (*types.Rule, error) {
	if origin != OriginManual && origin != OriginL2 {
		return nil, fmt.Errorf("%w: %q", ErrBadOrigin, origin)
	}
	if in.Keyword == "" || in.Category == "" {
		return nil, errors.New("knowledge: learn requires keyword and category")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rules, err := b.store.ListRules()
	if err != nil {
		return nil, err
	}

	level := types.RuleGray
	if origin == OriginManual {
		level = types.RuleStable
	}

	var conflict *types.Rule
	for _, r := range rules {
		if !r.AuditLevel.Live() {
			continue
		}
		if !fuzzy.Similar(r.KeywordPattern, in.Keyword, nearDuplicate) {
			continue
		}
		if r.ProposedCategory == in.Category {
			// Same knowledge restated: reinforce instead of duplicating.
			r.HitCount++
			r.ConsecutiveSuccess++
			if origin == OriginManual && r.AuditLevel == types.RuleGray {
				r.AuditLevel = types.RuleStable
				b.logger.Info().Str("rule_id", r.RuleID).Msg("gray rule confirmed by manual correction")
			}
			if err := b.store.PutRule(r); err != nil {
				return nil, err
			}
			if err := b.Refresh(); err != nil {
				return nil, err
			}
			return r, nil
		}
		if r.AuditLevel == types.RuleStable || r.AuditLevel == types.RuleManual {
			conflict = r
		}
	}

	if conflict != nil && level == types.RuleStable {
		// Never let a newcomer displace proven knowledge outright.
		level = types.RuleGray
		b.logger.Warn().
			Str("keyword", in.Keyword).
			Str("existing_rule", conflict.RuleID).
			Str("existing_category", conflict.ProposedCategory).
			Str("proposed_category", in.Category).
			Msg("learned rule conflicts with stable rule, held at GRAY")
	}

	priority := in.Priority
	if priority == 0 {
		priority = 10
	}
	rule := &types.Rule{
		RuleID:           types.NewRuleID(),
		TenantID:         in.TenantID,
		KeywordPattern:   in.Keyword,
		IsRegex:          in.IsRegex,
		Conditions:       in.Conditions,
		ProposedCategory: in.Category,
		Priority:         priority,
		AuditLevel:       level,
		Origin:           origin,
	}
	if err := b.store.PutRule(rule); err != nil {
		return nil, err
	}
	if err := b.Refresh(); err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("rule_id", rule.RuleID).
		Str("keyword", in.Keyword).
		Str("category", in.Category).
		Str("level", string(level)).
		Str("origin", origin).
		Msg("rule learned")
	return rule, nil
}

// QualityScore scores a rule's track record in [0, 1). Rejects weigh
// double, and the +1 smooths brand-new rules toward zero.
func QualityScore(r *types.Rule) float64 {
	return float64(r.HitCount) / float64(r.HitCount+2*r.RejectCount+1)
}

// Distill compacts the rule base: FAILED and BLOCKED rules are dropped,
// GRAY rules that conflict with a STABLE rule are dropped, long-idle GRAY
// rules with no hits are dropped, and near-duplicate GRAY rules of the same
// category collapse into the higher-quality one. STABLE and MANUAL rules
// are never removed.
func (b *Bridge) Distill() (DistillReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var report DistillReport
	rules, err := b.store.ListRules()
	if err != nil {
		return report, err
	}

	cutoff := b.now().Add(-staleGrayAge).UnixMilli()
	removed := make(map[string]bool)
	remove := func(id string, counter *int) error {
		if removed[id] {
			return nil
		}
		if err := b.store.DeleteRule(id); err != nil {
			return err
		}
		removed[id] = true
		*counter++
		return nil
	}

	var stable, gray []*types.Rule
	for _, r := range rules {
		switch r.AuditLevel {
		case types.RuleFailed, types.RuleBlocked:
			if err := remove(r.RuleID, &report.RemovedFailed); err != nil {
				return report, err
			}
		case types.RuleStable, types.RuleManual:
			stable = append(stable, r)
		case types.RuleGray:
			gray = append(gray, r)
		}
	}

	for _, g := range gray {
		if removed[g.RuleID] {
			continue
		}
		if g.HitCount == 0 && g.InsertedAt > 0 && g.InsertedAt < cutoff {
			if err := remove(g.RuleID, &report.RemovedStale); err != nil {
				return report, err
			}
			continue
		}
		for _, s := range stable {
			if s.ProposedCategory != g.ProposedCategory && fuzzy.Similar(s.KeywordPattern, g.KeywordPattern, nearDuplicate) {
				if err := remove(g.RuleID, &report.RemovedConflicts); err != nil {
					return report, err
				}
				break
			}
		}
	}

	// Collapse near-duplicate gray rules of the same category.
	for i := 0; i < len(gray); i++ {
		if removed[gray[i].RuleID] {
			continue
		}
		for j := i + 1; j < len(gray); j++ {
			if removed[gray[j].RuleID] {
				continue
			}
			if gray[i].ProposedCategory != gray[j].ProposedCategory {
				continue
			}
			if !fuzzy.Similar(gray[i].KeywordPattern, gray[j].KeywordPattern, nearDuplicate) {
				continue
			}
			loser := gray[j]
			if QualityScore(gray[j]) > QualityScore(gray[i]) {
				loser = gray[i]
			}
			if err := remove(loser.RuleID, &report.MergedDuplicates); err != nil {
				return report, err
			}
			if loser == gray[i] {
				break
			}
		}
	}

	if err := b.Refresh(); err != nil {
		return report, err
	}
	b.logger.Info().
		Int("failed", report.RemovedFailed).
		Int("stale", report.RemovedStale).
		Int("conflicts", report.RemovedConflicts).
		Int("duplicates", report.MergedDuplicates).
		Msg("rule base distilled")
	return report, nil
}
