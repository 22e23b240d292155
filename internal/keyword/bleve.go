package keyword

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/rulesense/internal/models"
	"go.uber.org/zap"
)

// ruleDoc is the document shape indexed for each rule.
type ruleDoc struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Problem    string `json:"problem"`
	Solution   string `json:"solution"`
	Prevention string `json:"prevention"`
}

// BleveMatcher matches rules with BM25 over an in-memory bleve index.
type BleveMatcher struct {
	mu        sync.RWMutex
	index     bleve.Index
	rules     []models.RuleEntry
	pos       map[string]int
	ceiling   float64
	fuzziness int
	logger    *zap.Logger
}

// NewBleveMatcher creates a bleve matcher. fuzziness > 0 turns every query term into a fuzzy term.
func NewBleveMatcher(ceiling float64, fuzziness int, logger *zap.Logger) *BleveMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BleveMatcher{ceiling: ceiling, fuzziness: fuzziness, logger: logger}
}

func newRuleMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer: lowercase and tokenize without stemming, so "utf" matches "UTF-16".
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	for _, f := range []string{"title", "problem", "solution", "prevention"} {
		docMapping.AddFieldMappingsAt(f, text)
	}
	id := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("id", id)
	im.AddDocumentMapping("rule", docMapping)
	im.DefaultType = "rule"
	im.DefaultMapping = docMapping
	return im
}

// Index implements Matcher. The previous index is discarded.
func (b *BleveMatcher) Index(ctx context.Context, rules []models.RuleEntry) error {
	index, err := bleve.NewMemOnly(newRuleMapping())
	if err != nil {
		return fmt.Errorf("failed to create bleve index: %w", err)
	}
	batch := index.NewBatch()
	pos := make(map[string]int, len(rules))
	for i, r := range rules {
		if err := ctx.Err(); err != nil {
			_ = index.Close()
			return err
		}
		doc := ruleDoc{ID: r.ID, Title: r.Title, Problem: r.Problem, Solution: r.Solution, Prevention: r.Prevention}
		if err := batch.Index(r.ID, doc); err != nil {
			_ = index.Close()
			return fmt.Errorf("failed to index rule %s: %w", r.ID, err)
		}
		pos[r.ID] = i
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return fmt.Errorf("failed to index rules: %w", err)
	}

	b.mu.Lock()
	old := b.index
	b.index = index
	b.rules = append([]models.RuleEntry(nil), rules...)
	b.pos = pos
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	b.logger.Debug("Keyword bleve index built", zap.Int("rules", len(rules)))
	return nil
}

// Match implements Matcher. The query is the composed operation text.
func (b *BleveMatcher) Match(ctx context.Context, op string, input models.OperationInput) []models.MatchResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.index == nil || len(b.rules) == 0 {
		return []models.MatchResult{}
	}

	req := bleve.NewSearchRequest(b.buildQuery(models.ComposeQuery(op, input)))
	req.Size = len(b.rules)
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		b.logger.Warn("Keyword bleve search failed", zap.Error(err))
		return []models.MatchResult{}
	}
	scores := make([]rawScore, 0, len(res.Hits))
	for _, hit := range res.Hits {
		p, ok := b.pos[hit.ID]
		if !ok {
			continue
		}
		scores = append(scores, rawScore{pos: p, score: hit.Score})
	}
	return normalize(b.rules, scores, b.ceiling)
}

// buildQuery creates a match query, or a disjunction of fuzzy term queries when fuzziness is set.
func (b *BleveMatcher) buildQuery(text string) blevequery.Query {
	terms := tokenizeQuery(text)
	if b.fuzziness <= 0 || len(terms) == 0 {
		return bleve.NewMatchQuery(text)
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(b.fuzziness)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits text into lowercase terms, dropping punctuation-only tokens.
func tokenizeQuery(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,:;\"'()[]{}")
		if w != "" {
			terms = append(terms, w)
		}
	}
	return terms
}

// DocCount returns the number of indexed rules.
func (b *BleveMatcher) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.index == nil {
		return 0, nil
	}
	return b.index.DocCount()
}

// Close implements Matcher.
func (b *BleveMatcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index == nil {
		return nil
	}
	err := b.index.Close()
	b.index, b.rules, b.pos = nil, nil, nil
	return err
}
