// Package auditor renders the audit verdict over each classification
// proposal: deterministic red lines first, then a three-judge consensus,
// then the vendor's own history. The pipeline is intentionally free of
// external calls so a verdict can be replayed from its inputs.
package auditor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/pkg/config"
	"github.com/tallyhq/tally/pkg/events"
	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/log"
	"github.com/tallyhq/tally/pkg/metrics"
	"github.com/tallyhq/tally/pkg/storage"
	"github.com/tallyhq/tally/pkg/types"
)

// categoryPattern is the account-code shape every posted entry must carry.
var categoryPattern = regexp.MustCompile(`^\d{4}(-\d{2})?$`)

// Input bundles what the judges see: the source document, the agent's
// proposal, and the id of the PROPOSED ledger row awaiting the verdict.
type Input struct {
	Doc      types.DocumentRecord
	Proposal *types.Proposal
	EntryID  uint64
}

// Auditor owns the audit pipeline and the entry state walk around it.
type Auditor struct {
	cfg    config.AuditConfig
	store  storage.Store
	bridge *knowledge.Bridge
	broker *events.Broker
	judges []judge
	// redlines holds the compiled blacklist; entries that do not compile
	// as regexes match literally.
	redlines []*regexp.Regexp
	owner    string
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds an Auditor. The broker may be nil; verdict events are then
// dropped. Owner names the lock holder recorded against entries under
// audit.
func New(cfg config.AuditConfig, store storage.Store, bridge *knowledge.Bridge, broker *events.Broker, owner string) *Auditor {
	if owner == "" {
		owner = "auditor"
	}
	tier := decimal.NewFromFloat(cfg.AmountTierT1)
	a := &Auditor{
		cfg:    cfg,
		store:  store,
		bridge: bridge,
		broker: broker,
		judges: []judge{
			complianceJudge{tierT1: tier},
			financeJudge{tierT1: tier},
			taxJudge{},
		},
		owner:  owner,
		logger: log.WithComponent("auditor"),
		now:    time.Now,
	}
	for _, line := range cfg.RedLines {
		re, err := regexp.Compile(line)
		if err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(line))
		}
		a.redlines = append(a.redlines, re)
	}
	return a
}

// Evaluate renders the verdict without touching entry state. Reads from
// storage (vendor history, rule quality) are allowed; writes are not.
func (a *Auditor) Evaluate(in Input) *types.AuditVerdict {
	decidedAt := a.now().UnixMilli()

	if reason, hit := a.redLine(in); hit {
		return &types.AuditVerdict{
			Decision:   types.AuditRejected,
			RiskScore:  1,
			Confidence: 1,
			Reasons:    []string{reason},
			DecidedAt:  decidedAt,
		}
	}

	votes := make([]types.JudgeVote, 0, len(a.judges))
	risk := 0.0
	var reasons []string
	passCount := 0
	for _, j := range a.judges {
		v := j.evaluate(in)
		votes = append(votes, v)
		if v.Passed {
			passCount++
		} else {
			// One dissent is enough to land in the review band.
			risk += 0.2
			reasons = append(reasons, v.Judge+": "+v.Reason)
		}
	}

	if passed, critical := tally(a.cfg.Strategy, votes); critical || !passed {
		if critical {
			reasons = append(reasons, "critical veto")
		} else {
			reasons = append(reasons, fmt.Sprintf("consensus failed under %s voting", a.cfg.Strategy))
		}
		return &types.AuditVerdict{
			Decision:   types.AuditRejected,
			RiskScore:  clamp01(risk + 0.4),
			Confidence: 1,
			Reasons:    reasons,
			Votes:      votes,
			DecidedAt:  decidedAt,
		}
	}

	history, err := a.store.VendorHistory(in.Doc.Vendor, historyWindow)
	if err != nil {
		a.logger.Warn().Err(err).Str("vendor", in.Doc.Vendor).Msg("vendor history unavailable")
	}
	h := assessHistory(history, in, a.now())
	risk += h.risk
	reasons = append(reasons, h.reasons...)

	confidence := a.blend(in, passCount, len(a.judges), h.consistency)

	decision := types.AuditApproved
	switch {
	case risk > a.cfg.RejectRiskAbove:
		decision = types.AuditRejected
	case risk > a.cfg.ApproveRiskBelow:
		decision = types.AuditNeedsReview
		reasons = append(reasons, fmt.Sprintf("risk %.2f sits in the review band", risk))
	case confidence < a.cfg.ReviewConfidenceBelow:
		decision = types.AuditNeedsReview
		reasons = append(reasons, fmt.Sprintf("blended confidence %.2f below the review floor", confidence))
	}

	return &types.AuditVerdict{
		Decision:   decision,
		RiskScore:  clamp01(risk),
		Confidence: confidence,
		Reasons:    reasons,
		Votes:      votes,
		DecidedAt:  decidedAt,
	}
}

// Process locks the entry, evaluates, persists the verdict with the state
// transition it implies, feeds hit/reject stats back to the rule base, and
// releases the lock.
//
// Terminal states by decision: APPROVED posts (or parks on RISK when the
// proposal asked for a shadow audit), NEEDS_REVIEW holds at AUDITED for a
// card callback, REJECTED rejects.
func (a *Auditor) Process(in Input) (*types.AuditVerdict, error) {
	if err := a.store.LockEntry(in.EntryID, a.owner); err != nil {
		return nil, fmt.Errorf("auditor: lock entry %d: %w", in.EntryID, err)
	}
	defer func() {
		if err := a.store.UnlockEntry(in.EntryID, a.owner); err != nil {
			a.logger.Warn().Err(err).Uint64("entry_id", in.EntryID).Msg("unlock failed")
		}
	}()

	verdict := a.Evaluate(in)

	target := types.EntryRejected
	switch verdict.Decision {
	case types.AuditApproved:
		if in.Proposal.RequiresShadowAudit {
			target = types.EntryRisk
		} else {
			target = types.EntryPosted
		}
	case types.AuditNeedsReview:
		target = types.EntryAudited
	}

	if err := a.store.AttachAudit(in.EntryID, verdict, target); err != nil {
		return nil, fmt.Errorf("auditor: attach verdict to entry %d: %w", in.EntryID, err)
	}

	a.feedback(in, verdict)
	a.publish(in, verdict, target)
	metrics.AuditVerdictsTotal.WithLabelValues(strings.ToLower(string(verdict.Decision))).Inc()

	a.logger.Info().
		Uint64("entry_id", in.EntryID).
		Str("trace_id", in.Doc.TraceID).
		Str("vendor", in.Doc.Vendor).
		Str("decision", string(verdict.Decision)).
		Float64("risk", verdict.RiskScore).
		Str("state", string(target)).
		Msg("audit verdict")
	return verdict, nil
}

// redLine checks the deterministic hard gates: account-code shape, the
// absolute amount ceiling at ten tiers, and the configured blacklist.
func (a *Auditor) redLine(in Input) (string, bool) {
	if !categoryPattern.MatchString(in.Proposal.Category) {
		return fmt.Sprintf("malformed account code %q", in.Proposal.Category), true
	}
	if a.cfg.AmountTierT1 > 0 {
		ceiling := decimal.NewFromFloat(a.cfg.AmountTierT1 * 10)
		if in.Doc.Amount.GreaterThanOrEqual(ceiling) {
			return fmt.Sprintf("amount %s at or above the absolute ceiling %s",
				in.Doc.Amount.StringFixed(2), ceiling.StringFixed(2)), true
		}
	}
	text := in.Doc.Vendor + " " + in.Doc.Description
	for i, re := range a.redlines {
		if re.MatchString(text) {
			return fmt.Sprintf("red line %q", a.cfg.RedLines[i]), true
		}
	}
	return "", false
}

// blend combines rule quality, consensus margin, and history consistency
// into the verdict confidence. A cited rule contributes its earned quality
// with a floor by level, so a fresh manual correction is not punished for
// having no track record yet.
func (a *Auditor) blend(in Input, passCount, total int, consistency float64) float64 {
	ruleSignal := in.Proposal.Confidence
	if in.Proposal.MatchedRule != "" {
		if rule, err := a.store.GetRule(in.Proposal.MatchedRule); err == nil {
			floor := 0.4
			if rule.AuditLevel == types.RuleStable || rule.AuditLevel == types.RuleManual {
				floor = 0.7
			}
			ruleSignal = math.Max(knowledge.QualityScore(rule), floor)
		}
	}
	margin := float64(passCount) / float64(total)
	return 0.5*ruleSignal + 0.3*margin + 0.2*consistency
}

// feedback closes the rule lifecycle loop: approvals count as hits,
// rejections of gray-rule proposals count against the rule. NEEDS_REVIEW
// waits for the human answer instead.
func (a *Auditor) feedback(in Input, verdict *types.AuditVerdict) {
	if a.bridge == nil || in.Proposal.MatchedRule == "" {
		return
	}
	switch verdict.Decision {
	case types.AuditApproved:
		if err := a.bridge.RecordHit(in.Proposal.MatchedRule); err != nil {
			a.logger.Warn().Err(err).Str("rule_id", in.Proposal.MatchedRule).Msg("record hit failed")
		}
	case types.AuditRejected:
		rule, err := a.store.GetRule(in.Proposal.MatchedRule)
		if err != nil || rule.AuditLevel != types.RuleGray {
			return
		}
		if err := a.bridge.RecordReject(in.Proposal.MatchedRule); err != nil {
			a.logger.Warn().Err(err).Str("rule_id", in.Proposal.MatchedRule).Msg("record reject failed")
		}
	}
}

func (a *Auditor) publish(in Input, verdict *types.AuditVerdict, target types.EntryState) {
	if a.broker == nil {
		return
	}
	var kind events.EventType
	switch target {
	case types.EntryPosted:
		kind = events.EventEntryPosted
	case types.EntryRisk:
		kind = events.EventEntryRisk
	case types.EntryAudited:
		kind = events.EventEntryNeedsReview
	default:
		kind = events.EventEntryRejected
	}
	msg := "approved"
	if len(verdict.Reasons) > 0 {
		msg = strings.Join(verdict.Reasons, "; ")
	}
	a.broker.Publish(&events.Event{
		Type:    kind,
		TraceID: in.Doc.TraceID,
		Message: msg,
		Metadata: map[string]string{
			"entry_id": strconv.FormatUint(in.EntryID, 10),
			"vendor":   in.Doc.Vendor,
			"category": in.Proposal.Category,
			"amount":   in.Doc.Amount.StringFixed(2),
		},
	})
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
