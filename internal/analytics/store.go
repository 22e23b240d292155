// Package analytics records which rules were shown and reports usage over time.
package analytics

import (
	"context"
	"time"
)

const (
	// RetentionDays is how long individual trigger events are kept. View counts are kept forever.
	RetentionDays = 90
	// FrequentThreshold is the minimum view count for a rule to be reported as frequent.
	FrequentThreshold = 3
	// MaxHistory is the number of trigger events kept per rule.
	MaxHistory = 100
)

// RuleCount is a rule ID with a count.
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int64  `json:"count"`
}

// Summary aggregates analytics for reporting.
type Summary struct {
	TotalViews   int64       `json:"total_views"`
	RulesTracked int64       `json:"rules_tracked"`
	MostFrequent []RuleCount `json:"most_frequent"`
	MostRecent   []RuleCount `json:"most_recent"`
	LastUpdated  *time.Time  `json:"last_updated,omitempty"`
}

// Store persists rule view events.
type Store interface {
	// RecordViews counts one view for each rule and records a trigger event.
	RecordViews(ctx context.Context, ruleIDs []string, tool string) error
	ViewCount(ctx context.Context, ruleID string) (int64, error)
	// Frequent returns rules viewed at least FrequentThreshold times, most viewed first.
	Frequent(ctx context.Context, limit int) ([]RuleCount, error)
	// Recent returns rules triggered within window, most triggered first.
	Recent(ctx context.Context, window time.Duration, limit int) ([]RuleCount, error)
	// History returns trigger times for a rule, newest first.
	History(ctx context.Context, ruleID string, limit int) ([]time.Time, error)
	Summary(ctx context.Context) (*Summary, error)
	// Prune drops trigger events older than the retention period.
	Prune(ctx context.Context) (int64, error)
	Reset(ctx context.Context) error
	Close() error
}
