package matcher

import (
	"reflect"
	"testing"

	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vector"
)

func result(id string, score float64, p models.Provenance) models.MatchResult {
	return models.MatchResult{Rule: models.RuleEntry{ID: id, Title: id}, Score: score, Provenance: p}
}

func TestMerge_SemanticBeforeKeywordOnlyRule(t *testing.T) {
	semantic := []models.MatchResult{result("R1", 0.9, models.ProvenanceSemantic)}
	keyword := []models.MatchResult{
		result("R1", 0.49, models.ProvenanceKeyword),
		result("R2", 0.49, models.ProvenanceKeyword),
	}
	got := Merge(semantic, keyword, 5)
	want := []models.MatchResult{
		result("R1", 0.9, models.ProvenanceSemantic),
		result("R2", 0.49, models.ProvenanceKeyword),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %+v, want %+v", got, want)
	}
}

func TestMerge_Dedup(t *testing.T) {
	tests := []struct {
		name     string
		semantic []models.MatchResult
		keyword  []models.MatchResult
		want     models.MatchResult
	}{
		{
			"keyword wins with higher score",
			[]models.MatchResult{result("A", 0.2, models.ProvenanceSemantic)},
			[]models.MatchResult{result("A", 0.49, models.ProvenanceKeyword)},
			result("A", 0.49, models.ProvenanceKeyword),
		},
		{
			"semantic wins with higher score",
			[]models.MatchResult{result("A", 0.7, models.ProvenanceSemantic)},
			[]models.MatchResult{result("A", 0.49, models.ProvenanceKeyword)},
			result("A", 0.7, models.ProvenanceSemantic),
		},
		{
			"tie keeps semantic",
			[]models.MatchResult{result("A", 0.4, models.ProvenanceSemantic)},
			[]models.MatchResult{result("A", 0.4, models.ProvenanceKeyword)},
			result("A", 0.4, models.ProvenanceSemantic),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.semantic, tt.keyword, 5)
			if len(got) != 1 {
				t.Fatalf("got %d results, want 1", len(got))
			}
			if !reflect.DeepEqual(got[0], tt.want) {
				t.Errorf("got %+v, want %+v", got[0], tt.want)
			}
		})
	}
}

func TestMerge_StableAndTruncated(t *testing.T) {
	semantic := []models.MatchResult{
		result("S1", 0.3, models.ProvenanceSemantic),
		result("S2", 0.3, models.ProvenanceSemantic),
	}
	keyword := []models.MatchResult{
		result("K1", 0.49, models.ProvenanceKeyword),
		result("K2", 0.3, models.ProvenanceKeyword),
	}
	got := Merge(semantic, keyword, 3)
	if want := []string{"K1", "S1", "S2"}; !reflect.DeepEqual(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
	if got := Merge(nil, nil, 3); got == nil || len(got) != 0 {
		t.Errorf("empty merge = %#v", got)
	}
}

func TestSemanticResults_Clamped(t *testing.T) {
	hits := []vector.Hit{
		{Rule: models.RuleEntry{ID: "A"}, Score: 1.0000001},
		{Rule: models.RuleEntry{ID: "B"}, Score: 0.25},
	}
	got := SemanticResults(hits)
	if got[0].Score != 1 || got[1].Score != 0.25 {
		t.Errorf("scores = %v, %v", got[0].Score, got[1].Score)
	}
	for _, r := range got {
		if r.Provenance != models.ProvenanceSemantic {
			t.Errorf("%s provenance = %s", r.Rule.ID, r.Provenance)
		}
	}
}
