// Package keyword provides keyword-based rule matchers used alongside semantic matching.
package keyword

import (
	"context"
	"sort"

	"github.com/hyperjump/rulesense/internal/models"
)

// Matcher scores catalog rules against an operation using lexical evidence.
// Match never fails: internal errors are logged and an empty result is returned.
type Matcher interface {
	// Index replaces the indexed rule set.
	Index(ctx context.Context, rules []models.RuleEntry) error
	// Match returns rules related to the operation, best first, with scores in [0, ceiling].
	Match(ctx context.Context, op string, input models.OperationInput) []models.MatchResult
	// Close releases resources held by the matcher.
	Close() error
}

type rawScore struct {
	pos   int
	score float64
}

// normalize scales raw scores by the best one into [0, ceiling] and orders them best first.
// Ties keep catalog order. Non-positive scores are dropped.
func normalize(rules []models.RuleEntry, scores []rawScore, ceiling float64) []models.MatchResult {
	best := 0.0
	kept := scores[:0:0]
	for _, s := range scores {
		if s.score <= 0 {
			continue
		}
		kept = append(kept, s)
		if s.score > best {
			best = s.score
		}
	}
	if len(kept) == 0 {
		return []models.MatchResult{}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].pos < kept[j].pos
	})
	out := make([]models.MatchResult, len(kept))
	for i, s := range kept {
		out[i] = models.MatchResult{
			Rule:       rules[s.pos],
			Score:      s.score / best * ceiling,
			Provenance: models.ProvenanceKeyword,
		}
	}
	return out
}
