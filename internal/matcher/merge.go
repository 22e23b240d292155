package matcher

import (
	"sort"

	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vector"
	"github.com/hyperjump/rulesense/pkg/utils"
)

// SemanticResults converts index hits to semantic match results with scores clamped into [0,1].
func SemanticResults(hits []vector.Hit) []models.MatchResult {
	out := make([]models.MatchResult, len(hits))
	for i, h := range hits {
		out[i] = models.MatchResult{
			Rule:       h.Rule,
			Score:      utils.Clamp01(h.Score),
			Provenance: models.ProvenanceSemantic,
		}
	}
	return out
}

// Merge unions semantic and keyword results by rule ID. The higher score wins and an equal
// score keeps the semantic entry. The result is sorted by score descending, stable with
// respect to first appearance (semantic first), and truncated to limit when limit > 0.
func Merge(semantic, keyword []models.MatchResult, limit int) []models.MatchResult {
	merged := make([]models.MatchResult, 0, len(semantic)+len(keyword))
	pos := make(map[string]int, len(semantic)+len(keyword))
	add := func(r models.MatchResult) {
		i, ok := pos[r.Rule.ID]
		if !ok {
			pos[r.Rule.ID] = len(merged)
			merged = append(merged, r)
			return
		}
		if r.Score > merged[i].Score {
			merged[i] = r
		}
	}
	for _, r := range semantic {
		add(r)
	}
	for _, r := range keyword {
		add(r)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return truncate(merged, limit)
}

func truncate(results []models.MatchResult, limit int) []models.MatchResult {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

// maxScore returns the highest score in results, or 0 when empty.
func maxScore(results []models.MatchResult) float64 {
	best := 0.0
	for _, r := range results {
		if r.Score > best {
			best = r.Score
		}
	}
	return best
}
