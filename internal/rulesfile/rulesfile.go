// Package rulesfile loads alert rules from YAML and syncs them into the store.
package rulesfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/willibrandon/hostwatch/internal/alerts"
)

// File is the top-level rules document.
type File struct {
	Rules []alerts.Rule `yaml:"rules"`
}

// RuleStore is the subset of storage the importer needs.
type RuleStore interface {
	SaveRule(ctx context.Context, rule *alerts.Rule) (bool, error)
	ListRules(ctx context.Context) ([]alerts.Rule, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
}

// SyncResult counts the changes applied by Sync.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Load reads and validates a rules file.
func Load(path string) ([]alerts.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a rules document. Omitted fields take rule defaults, so a
// rule without enabled: false is enabled. Every rule must carry an id so
// repeated imports update rather than duplicate.
func Parse(data []byte) ([]alerts.Rule, error) {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]alerts.Rule, 0, len(doc.Rules))
	seen := make(map[string]int, len(doc.Rules))
	var errs []error

	for i := range doc.Rules {
		rule := alerts.DefaultRule()
		if err := doc.Rules[i].Decode(&rule); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] (line %d): %w", i, doc.Rules[i].Line, err))
			continue
		}
		rule.ApplyDefaults()

		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] (line %d): %w", i, doc.Rules[i].Line, err))
			continue
		}
		if prev, dup := seen[rule.ID]; dup {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q (first at rules[%d])", i, rule.ID, prev))
			continue
		}
		seen[rule.ID] = i
		rules = append(rules, rule)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rules, nil
}

// Issues returns escalation warnings per rule id. They do not block import.
func Issues(rules []alerts.Rule) map[string][]string {
	out := make(map[string][]string)
	for i := range rules {
		if issues := rules[i].EscalationIssues(); len(issues) > 0 {
			out[rules[i].ID] = issues
		}
	}
	return out
}

// Sync saves every rule. With prune, stored rules absent from the file are
// deleted; their events stay as detached history.
func Sync(ctx context.Context, store RuleStore, rules []alerts.Rule, prune bool) (SyncResult, error) {
	var res SyncResult
	keep := make(map[string]bool, len(rules))

	for i := range rules {
		rule := rules[i]
		keep[rule.ID] = true

		created, err := store.SaveRule(ctx, &rule)
		if err != nil {
			return res, fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	if !prune {
		return res, nil
	}

	existing, err := store.ListRules(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list rules: %w", err)
	}
	for _, r := range existing {
		if keep[r.ID] {
			continue
		}
		deleted, err := store.DeleteRule(ctx, r.ID)
		if err != nil {
			return res, fmt.Errorf("failed to delete rule %s: %w", r.ID, err)
		}
		if deleted {
			res.Deleted++
		}
	}
	return res, nil
}
