package vector

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	ids := []string{"a", "b", "c"}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 || idx.Dimensions() != 3 {
		t.Errorf("Size=%d Dimensions=%d", idx.Size(), idx.Dimensions())
	}

	results, err := idx.Search(ctx, []float32{2, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order: got %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Score < 0.9999 || results[0].Score > 1.0001 {
		t.Errorf("unnormalized query should still score 1, got %v", results[0].Score)
	}
}

func TestMemoryIndex_NormalizesOnInsert(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	in := []float32{3, 4}
	if err := idx.Add(ctx, []string{"x"}, [][]float32{in}); err != nil {
		t.Fatal(err)
	}
	if in[0] != 3 {
		t.Error("Add must not modify the caller's vector")
	}
	res, _ := idx.Search(ctx, []float32{3, 4}, 1)
	if res[0].Score < 0.9999 || res[0].Score > 1.0001 {
		t.Errorf("score = %v, want 1", res[0].Score)
	}
}

func TestMemoryIndex_TiesKeepInsertionOrder(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 0}, {1, 0}, {0, 1}}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	res, _ := idx.Search(ctx, []float32{1, 0}, 2)
	if len(res) != 2 || res[0].ID != "r1" || res[1].ID != "r3" {
		t.Errorf("got %v %v", res[0].ID, res[1].ID)
	}
	res, _ = idx.Search(ctx, []float32{1, 0}, 10)
	want := []string{"r1", "r3", "r4", "r2", "r5"}
	for i, w := range want {
		if res[i].ID != w {
			t.Fatalf("position %d: got %s, want %s", i, res[i].ID, w)
		}
	}
}

func TestMemoryIndex_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const dims, n = 8, 200
	idx, _ := NewMemoryIndex(dims)
	ctx := context.Background()
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('A'+i/26))
		vecs[i] = make([]float32, dims)
		for j := range vecs[i] {
			vecs[i][j] = float32(rng.NormFloat64())
		}
	}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	query := vecs[17]
	full, _ := idx.Search(ctx, query, n)
	if !sort.SliceIsSorted(full, func(i, j int) bool { return full[i].Score > full[j].Score }) {
		t.Fatal("results not sorted descending")
	}
	top, _ := idx.Search(ctx, query, 10)
	for i := range top {
		if top[i].ID != full[i].ID {
			t.Fatalf("top-k differs from full ranking at %d", i)
		}
	}
	if top[0].ID != ids[17] {
		t.Errorf("a vector should be its own nearest neighbor")
	}
	for _, r := range full {
		if r.Score < -1.0001 || r.Score > 1.0001 {
			t.Errorf("score out of range: %v", r.Score)
		}
	}
}

func TestMemoryIndex_Errors(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("add: expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := idx.Search(ctx, []float32{1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("search: expected ErrDimensionMismatch, got %v", err)
	}
	if err := idx.Add(ctx, []string{"a", "a"}, [][]float32{{1, 0}, {0, 1}}); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
	if idx.Size() != 0 {
		t.Error("rejected batch must not be partially applied")
	}
	if err := idx.Add(ctx, []string{"a"}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := NewMemoryIndex(0); err == nil {
		t.Error("expected error for zero dimension")
	}
}

func TestMemoryIndex_SearchEmptyAndCanceled(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	res, err := idx.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil || len(res) != 0 {
		t.Errorf("empty index: %v %v", res, err)
	}
	_ = idx.Add(context.Background(), []string{"a"}, [][]float32{{1, 0}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := idx.Search(ctx, []float32{1, 0}, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x", "y", "z"}, [][]float32{{1, 0}, {0, 1}, {1, 0}})
	if err := idx.Remove(ctx, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 {
		t.Errorf("expected size 2, got %d", idx.Size())
	}
	res, _ := idx.Search(ctx, []float32{1, 0}, 1)
	if res[0].ID != "z" {
		t.Errorf("got %s, want z", res[0].ID)
	}
	if err := idx.Add(ctx, []string{"x"}, [][]float32{{1, 0}}); err != nil {
		t.Errorf("re-adding a removed id: %v", err)
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "idx.bin")
	idx, _ := NewMemoryIndex(3)
	_ = idx.Add(ctx, []string{"a", "b", "c"}, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	if err := idx.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	idx2, _ := NewMemoryIndex(3)
	if err := idx2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if idx2.Size() != 3 {
		t.Errorf("after Load size=%d", idx2.Size())
	}
	res, _ := idx2.Search(ctx, []float32{0, 0, 1}, 1)
	if len(res) != 1 || res[0].ID != "c" {
		t.Errorf("Search after Load: %v", res)
	}

	idx4, _ := NewMemoryIndex(4)
	if err := idx4.Load(path); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	if err := idx2.Load(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("missing file should be a no-op: %v", err)
	}
	if idx2.Size() != 3 {
		t.Error("missing file should leave index unchanged")
	}
}

func TestMemoryIndex_LoadCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"count exceeds file", []byte{4, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}},
		{"count exceeds body", append([]byte{4, 0, 0, 0, 2, 0, 0, 0}, make([]byte, 20)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "idx.bin")
			if err := os.WriteFile(path, tt.data, 0644); err != nil {
				t.Fatal(err)
			}
			idx, _ := NewMemoryIndex(4)
			if err := idx.Load(path); !errors.Is(err, ErrIndexCorrupt) {
				t.Errorf("expected ErrIndexCorrupt, got %v", err)
			}
			if idx.Size() != 0 {
				t.Errorf("corrupt load should leave index empty, size=%d", idx.Size())
			}
		})
	}
}
