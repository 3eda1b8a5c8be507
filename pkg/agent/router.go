package agent

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tallyhq/tally/pkg/knowledge"
	"github.com/tallyhq/tally/pkg/types"
)

// Confidence bands for L1 matches. A manual correction outranks an earned
// promotion; a gray rule is accepted but audited in its shadow.
const (
	confManual = 0.98
	confStable = 0.95
	confGray   = 0.75

	// shadowThreshold: anything below it carries requires_shadow_audit.
	shadowThreshold = 0.90
)

// suspenseCategory receives documents nothing could classify; the auditor
// turns these into review cards rather than posted entries.
const suspenseCategory = "9999"

// router evaluates the rule snapshot against a document. The fast path is
// an exact keyword index probed with the vendor name; the full path walks
// regex and conditional rules in priority order. Derived indexes are keyed
// on the bridge's snapshot version.
type router struct {
	bridge *knowledge.Bridge
	logger zerolog.Logger

	mu       sync.Mutex
	version  uint64
	fast     map[string]*types.Rule
	compiled map[string]*regexp.Regexp
}

type l1Match struct {
	rule     *types.Rule
	fastPath bool
}

func newRouter(bridge *knowledge.Bridge, logger zerolog.Logger) *router {
	return &router{
		bridge:   bridge,
		logger:   logger,
		fast:     map[string]*types.Rule{},
		compiled: map[string]*regexp.Regexp{},
	}
}

// match returns the winning rule for the document, or nil on a miss.
func (r *router) match(doc types.DocumentRecord) *l1Match {
	snap := r.bridge.Snapshot()
	fast, compiled := r.indexes(snap)

	vendor := strings.ToLower(strings.TrimSpace(doc.Vendor))
	if rule, ok := fast[vendor]; ok {
		return &l1Match{rule: rule, fastPath: true}
	}

	text := vendor + " " + strings.ToLower(doc.Description)
	for _, rule := range snap {
		if !r.keywordHits(rule, compiled, vendor, text) {
			continue
		}
		if !conditionsHold(rule.Conditions, doc, vendor) {
			continue
		}
		return &l1Match{rule: rule}
	}
	return nil
}

// indexes rebuilds the fast keyword map and regex cache when the snapshot
// version moved.
func (r *router) indexes(snap []*types.Rule) (map[string]*types.Rule, map[string]*regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.bridge.Version()
	if v == r.version && r.fast != nil {
		return r.fast, r.compiled
	}

	fast := make(map[string]*types.Rule)
	compiled := make(map[string]*regexp.Regexp)
	for _, rule := range snap {
		if rule.IsRegex {
			re, err := regexp.Compile(rule.KeywordPattern)
			if err != nil {
				r.logger.Warn().Str("rule_id", rule.RuleID).Err(err).Msg("rule regex does not compile, rule inert")
				continue
			}
			compiled[rule.RuleID] = re
			continue
		}
		if rule.Conditions == nil {
			key := strings.ToLower(rule.KeywordPattern)
			// Priority order: the first (highest) rule owns the key.
			if _, taken := fast[key]; !taken {
				fast[key] = rule
			}
		}
	}
	r.version, r.fast, r.compiled = v, fast, compiled
	return fast, compiled
}

func (r *router) keywordHits(rule *types.Rule, compiled map[string]*regexp.Regexp, vendor, text string) bool {
	if rule.IsRegex {
		re, ok := compiled[rule.RuleID]
		if !ok {
			return false
		}
		return re.MatchString(vendor) || re.MatchString(text)
	}
	return strings.Contains(text, strings.ToLower(rule.KeywordPattern))
}

func conditionsHold(c *types.RuleConditions, doc types.DocumentRecord, vendor string) bool {
	if c == nil {
		return true
	}
	if c.MinAmount.Valid && doc.Amount.LessThan(c.MinAmount.Decimal) {
		return false
	}
	if c.MaxAmount.Valid && doc.Amount.GreaterThan(c.MaxAmount.Decimal) {
		return false
	}
	if c.VendorContains != "" && !strings.Contains(vendor, strings.ToLower(c.VendorContains)) {
		return false
	}
	return true
}

// bandFor maps a rule's audit level to its confidence band.
func bandFor(level types.AuditLevel) float64 {
	switch level {
	case types.RuleManual:
		return confManual
	case types.RuleStable:
		return confStable
	default:
		return confGray
	}
}
