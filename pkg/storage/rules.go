package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tallyhq/tally/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// ruleHistKey builds a per-rule, version-ordered history key.
func ruleHistKey(ruleID string, version int) []byte {
	return []byte(fmt.Sprintf("%s#%06d", ruleID, version))
}

// PutRule writes a rule version. When a prior version exists it is archived
// into rule history with ValidUntil stamped, and the incoming rule's Version
// is set to prior+1; counters carried by the caller are preserved as given.
func (s *BoltStore) PutRule(rule *types.Rule) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		hist := tx.Bucket(bucketRuleHist)
		now := types.NowMillis()

		key := []byte(rule.RuleID)
		if data := b.Get(key); data != nil {
			var prior types.Rule
			if err := json.Unmarshal(data, &prior); err != nil {
				return err
			}
			prior.ValidUntil = now
			archived, err := json.Marshal(&prior)
			if err != nil {
				return err
			}
			if err := hist.Put(ruleHistKey(prior.RuleID, prior.Version), archived); err != nil {
				return err
			}
			rule.Version = prior.Version + 1
			if rule.InsertedAt == 0 {
				rule.InsertedAt = prior.InsertedAt
			}
		} else {
			if rule.Version == 0 {
				rule.Version = 1
			}
			if rule.InsertedAt == 0 {
				rule.InsertedAt = now
			}
		}
		rule.UpdatedAt = now

		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetRule retrieves the live version of a rule.
func (s *BoltStore) GetRule(ruleID string) (*types.Rule, error) {
	var rule types.Rule
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRules).Get([]byte(ruleID))
		if data == nil {
			return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns every live rule.
func (s *BoltStore) ListRules() ([]*types.Rule, error) {
	var rules []*types.Rule
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var r types.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rules = append(rules, &r)
			return nil
		})
	})
	return rules, err
}

// ListRuleHistory returns archived versions of one rule, oldest first.
func (s *BoltStore) ListRuleHistory(ruleID string) ([]*types.Rule, error) {
	var rules []*types.Rule
	prefix := []byte(ruleID + "#")
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuleHist).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rules = append(rules, &r)
		}
		return nil
	})
	return rules, err
}

// DeleteRule retires a rule: the live version moves to history with
// ValidUntil stamped and the live row is removed. History is never deleted.
func (s *BoltStore) DeleteRule(ruleID string) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		key := []byte(ruleID)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
		}
		var rule types.Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		rule.ValidUntil = types.NowMillis()
		archived, err := json.Marshal(&rule)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuleHist).Put(ruleHistKey(rule.RuleID, rule.Version), archived); err != nil {
			return err
		}
		return b.Delete(key)
	})
}
