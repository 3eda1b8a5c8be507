package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tallyhq/tally/pkg/types"
)

// ruleFile is the YAML document SyncToFile writes for human review and
// for seeding fresh installations.
type ruleFile struct {
	SyncedAt string      `yaml:"synced_at"`
	Rules    []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	RuleID   string  `yaml:"rule_id"`
	Keyword  string  `yaml:"keyword"`
	Regex    bool    `yaml:"regex,omitempty"`
	Category string  `yaml:"category"`
	Level    string  `yaml:"level"`
	Priority int     `yaml:"priority"`
	Hits     int     `yaml:"hits"`
	Rejects  int     `yaml:"rejects,omitempty"`
	Quality  float64 `yaml:"quality"`
	Origin   string  `yaml:"origin,omitempty"`
	Version  int     `yaml:"version"`
}

// SyncToFile exports the live rule base as YAML. Rules whose category is
// not a syntactically valid account code are skipped and logged, never
// exported. The file is replaced atomically. Returns the number exported.
func (b *Bridge) SyncToFile(path string) (int, error) {
	out := ruleFile{SyncedAt: b.now().UTC().Format(time.RFC3339)}
	for _, r := range b.Snapshot() {
		if !accountCode.MatchString(r.ProposedCategory) {
			b.logger.Warn().
				Str("rule_id", r.RuleID).
				Str("category", r.ProposedCategory).
				Msg("rule skipped on sync: category is not a valid account code")
			continue
		}
		out.Rules = append(out.Rules, ruleEntry{
			RuleID:   r.RuleID,
			Keyword:  r.KeywordPattern,
			Regex:    r.IsRegex,
			Category: r.ProposedCategory,
			Level:    string(r.AuditLevel),
			Priority: r.Priority,
			Hits:     r.HitCount,
			Rejects:  r.RejectCount,
			Quality:  QualityScore(r),
			Origin:   r.Origin,
			Version:  r.Version,
		})
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return 0, fmt.Errorf("knowledge: marshal rules: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	b.logger.Info().Str("path", path).Int("rules", len(out.Rules)).Msg("rule base synced to file")
	return len(out.Rules), nil
}

// LoadSeedFile reads a rules YAML file (the SyncToFile format) and inserts
// any rule whose id is not yet present. Used by fresh installations to
// start from a curated rule base.
func (b *Bridge) LoadSeedFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var in ruleFile
	if err := yaml.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("knowledge: parse seed file: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, e := range in.Rules {
		if e.Keyword == "" || !accountCode.MatchString(e.Category) {
			b.logger.Warn().Str("rule_id", e.RuleID).Msg("seed rule skipped: invalid keyword or category")
			continue
		}
		if e.RuleID != "" {
			if _, err := b.store.GetRule(e.RuleID); err == nil {
				continue
			}
		}
		level := types.AuditLevel(e.Level)
		if !level.Live() {
			level = types.RuleGray
		}
		id := e.RuleID
		if id == "" {
			id = types.NewRuleID()
		}
		rule := &types.Rule{
			RuleID:           id,
			KeywordPattern:   e.Keyword,
			IsRegex:          e.Regex,
			ProposedCategory: e.Category,
			Priority:         e.Priority,
			AuditLevel:       level,
			HitCount:         e.Hits,
			RejectCount:      e.Rejects,
			Origin:           e.Origin,
		}
		if err := b.store.PutRule(rule); err != nil {
			return added, err
		}
		added++
	}
	if err := b.Refresh(); err != nil {
		return added, err
	}
	b.logger.Info().Str("path", path).Int("added", added).Msg("seed rules loaded")
	return added, nil
}
