package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/pkg/utils"
)

// ErrIndexCorrupt is returned when a persisted index file is truncated or its rule table does
// not match its vectors.
var ErrIndexCorrupt = errors.New("persisted rule index is inconsistent")

// Hit is a rule returned by RuleIndex.Search.
type Hit struct {
	Rule  models.RuleEntry
	Score float64
}

// RuleIndex maps vector search results back to rules. It owns its backend.
type RuleIndex struct {
	backend VectorIndex
	rules   map[string]models.RuleEntry
	mu      sync.RWMutex
}

// NewRuleIndex wraps backend.
func NewRuleIndex(backend VectorIndex) *RuleIndex {
	return &RuleIndex{backend: backend, rules: make(map[string]models.RuleEntry)}
}

// Add indexes rules with their embeddings; vectors[i] belongs to rules[i].
func (r *RuleIndex) Add(ctx context.Context, rules []models.RuleEntry, vectors [][]float32) error {
	if len(rules) != len(vectors) {
		return fmt.Errorf("rules and vectors length mismatch: %d != %d", len(rules), len(vectors))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.Add(ctx, models.RuleIDs(rules), vectors); err != nil {
		return err
	}
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	return nil
}

// Search returns at most k hits with score >= minScore, best first; equal scores keep insertion order.
func (r *RuleIndex) Search(ctx context.Context, query []float32, k int, minScore float64) ([]Hit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results, err := r.backend.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		if res.Score < minScore {
			continue
		}
		rule, ok := r.rules[res.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Rule: rule, Score: res.Score})
	}
	return hits, nil
}

// Save persists the backend to path and the rule table to path+".rules.json".
func (r *RuleIndex) Save(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.backend.Save(path); err != nil {
		return fmt.Errorf("save vectors: %w", err)
	}
	rules := make([]models.RuleEntry, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	return utils.WriteFileAtomic(path+".rules.json", func(w io.Writer) error {
		return json.NewEncoder(w).Encode(rules)
	})
}

// Load replaces the index contents from path. A dimension change returns ErrDimensionMismatch;
// a rule table that does not cover every vector returns ErrIndexCorrupt.
func (r *RuleIndex) Load(path string) error {
	data, err := os.ReadFile(path + ".rules.json")
	if err != nil {
		return fmt.Errorf("read rule table: %w", err)
	}
	var rules []models.RuleEntry
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.backend.Load(path); err != nil {
		return err
	}
	table := make(map[string]models.RuleEntry, len(rules))
	for _, rule := range rules {
		table[rule.ID] = rule
	}
	if len(table) != r.backend.Size() {
		return fmt.Errorf("%w: %d rules for %d vectors", ErrIndexCorrupt, len(table), r.backend.Size())
	}
	r.rules = table
	return nil
}

// Rule returns the indexed rule with id.
func (r *RuleIndex) Rule(id string) (models.RuleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Size returns the number of indexed rules.
func (r *RuleIndex) Size() int {
	return r.backend.Size()
}

// Dimensions returns the vector dimension.
func (r *RuleIndex) Dimensions() int {
	return r.backend.Dimensions()
}

// Type returns the backend type.
func (r *RuleIndex) Type() string {
	return r.backend.Type()
}

// Close releases the backend.
func (r *RuleIndex) Close() error {
	return r.backend.Close()
}
