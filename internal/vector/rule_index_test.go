package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/rulesense/internal/models"
)

func testRules() ([]models.RuleEntry, [][]float32) {
	rules := []models.RuleEntry{
		{ID: "ERR-001", Title: "one"},
		{ID: "ERR-002", Title: "two"},
		{ID: "ERR-003", Title: "three"},
	}
	vecs := [][]float32{{1, 0, 0}, {0.6, 0.8, 0}, {0, 0, 1}}
	return rules, vecs
}

func TestRuleIndex_Search(t *testing.T) {
	mem, _ := NewMemoryIndex(3)
	idx := NewRuleIndex(mem)
	defer idx.Close()
	ctx := context.Background()
	rules, vecs := testRules()
	if err := idx.Add(ctx, rules, vecs); err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits", len(hits))
	}
	if hits[0].Rule.ID != "ERR-001" || hits[1].Rule.ID != "ERR-002" {
		t.Errorf("order: %v %v", hits[0].Rule.ID, hits[1].Rule.ID)
	}
	if hits[1].Rule.Title != "two" {
		t.Error("hit should carry the rule")
	}

	hits, _ = idx.Search(ctx, []float32{1, 0, 0}, 10, 0.5)
	if len(hits) != 2 {
		t.Errorf("minScore filter: got %d hits", len(hits))
	}
	hits, _ = idx.Search(ctx, []float32{1, 0, 0}, 1, 0)
	if len(hits) != 1 {
		t.Errorf("k limit: got %d hits", len(hits))
	}
}

func TestRuleIndex_AddErrors(t *testing.T) {
	mem, _ := NewMemoryIndex(3)
	idx := NewRuleIndex(mem)
	rules, vecs := testRules()
	if err := idx.Add(context.Background(), rules, vecs[:2]); err == nil {
		t.Error("expected length mismatch error")
	}
	vecs[1] = []float32{1, 0}
	if err := idx.Add(context.Background(), rules, vecs); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestRuleIndex_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rules.idx")
	mem, _ := NewMemoryIndex(3)
	idx := NewRuleIndex(mem)
	rules, vecs := testRules()
	_ = idx.Add(ctx, rules, vecs)
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}

	mem2, _ := NewMemoryIndex(3)
	loaded := NewRuleIndex(mem2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	hits, _ := loaded.Search(ctx, []float32{0, 0, 1}, 1, 0)
	if len(hits) != 1 || hits[0].Rule.Title != "three" {
		t.Errorf("got %v", hits)
	}

	mem4, _ := NewMemoryIndex(4)
	if err := NewRuleIndex(mem4).Load(path); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	if err := os.WriteFile(path+".rules.json", []byte(`[{"id":"ERR-001","title":"one"}]`), 0644); err != nil {
		t.Fatal(err)
	}
	mem3, _ := NewMemoryIndex(3)
	if err := NewRuleIndex(mem3).Load(path); !errors.Is(err, ErrIndexCorrupt) {
		t.Errorf("expected ErrIndexCorrupt, got %v", err)
	}
}
