// Package models defines core data structures for rules, operations, and match results.
package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRule is returned when a rule is missing a required field.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrDuplicateRule is returned when two rules share an identifier.
	ErrDuplicateRule = errors.New("duplicate rule id")
)

// RuleEntry is a single catalog rule. It is owned by the catalog and treated as immutable once embedded.
type RuleEntry struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Problem    string `json:"problem,omitempty" yaml:"problem,omitempty"`
	RootCause  string `json:"root_cause,omitempty" yaml:"root_cause,omitempty"`
	Solution   string `json:"solution,omitempty" yaml:"solution,omitempty"`
	Prevention string `json:"prevention,omitempty" yaml:"prevention,omitempty"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Validate checks that the identifier and title are present.
func (r *RuleEntry) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: %s: title is required", ErrInvalidRule, r.ID)
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate identifiers.
func ValidateRules(rules []RuleEntry) error {
	seen := make(map[string]struct{}, len(rules))
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return err
		}
		if _, ok := seen[rules[i].ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rules[i].ID)
		}
		seen[rules[i].ID] = struct{}{}
	}
	return nil
}

// RuleIDs returns the identifiers of rules in order.
func RuleIDs(rules []RuleEntry) []string {
	ids := make([]string, len(rules))
	for i := range rules {
		ids[i] = rules[i].ID
	}
	return ids
}
