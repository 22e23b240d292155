// Package matcher combines semantic retrieval with the keyword fallback.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/internal/embedding"
	"github.com/hyperjump/rulesense/internal/keyword"
	"github.com/hyperjump/rulesense/internal/metrics"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vector"
	"go.uber.org/zap"
)

// ErrInvalidOptions is returned by New for out-of-range options.
var ErrInvalidOptions = errors.New("invalid matcher options")

// Path names the retrieval path a match call took.
type Path string

const (
	// PathSemantic means semantic results were confident enough on their own.
	PathSemantic Path = "semantic"
	// PathHybrid means semantic results were merged with keyword results.
	PathHybrid Path = "hybrid"
	// PathKeywordOnly means semantic matching failed for this call.
	PathKeywordOnly Path = "keyword_only"
	// PathSemanticDisabled means semantic matching is off for the session.
	PathSemanticDisabled Path = "semantic_disabled"
)

// Options controls thresholds and the vector backend.
type Options struct {
	// SimilarityThreshold is the best semantic score at or above which keyword results are skipped.
	SimilarityThreshold float64
	// MinResults is the semantic hit count at or above which keyword results are skipped.
	MinResults int
	// MaxResults bounds the returned list.
	MaxResults int
	// SemanticTopK is the number of nearest neighbors requested from the index.
	SemanticTopK int
	// IndexType is auto, memory or faiss.
	IndexType string
	// SearchTimeout bounds a single index search; 0 disables the deadline.
	SearchTimeout time.Duration
	// PersistIndex saves the built index next to the cache and reloads it when nothing changed.
	PersistIndex bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: config.DefaultSimilarityThreshold,
		MinResults:          config.DefaultMinResults,
		MaxResults:          config.DefaultMaxResults,
		SemanticTopK:        config.DefaultSemanticTopK,
		IndexType:           string(vector.IndexTypeAuto),
	}
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SimilarityThreshold: cfg.Match.SimilarityThreshold,
		MinResults:          cfg.Match.MinResults,
		MaxResults:          cfg.Match.MaxResults,
		SemanticTopK:        cfg.Match.SemanticTopK,
		IndexType:           cfg.Vector.IndexType,
		SearchTimeout:       cfg.Vector.SearchTimeout,
		PersistIndex:        cfg.Cache.PersistIndex,
	}
}

func (o Options) validate() error {
	if o.SimilarityThreshold < 0 || o.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold %v outside [0,1]", ErrInvalidOptions, o.SimilarityThreshold)
	}
	if o.MinResults < 0 {
		return fmt.Errorf("%w: min results must not be negative", ErrInvalidOptions)
	}
	if o.MaxResults <= 0 || o.SemanticTopK <= 0 {
		return fmt.Errorf("%w: max results and top k must be positive", ErrInvalidOptions)
	}
	return nil
}

// Outcome is the detailed result of a match call.
type Outcome struct {
	Results []models.MatchResult
	Path    Path
	// Err is the semantic failure absorbed by the keyword fallback, if any.
	Err error
	// SemanticHits is the number of semantic hits before merging.
	SemanticHits int
	// MaxSemanticScore is the best semantic score, or 0.
	MaxSemanticScore float64
}

// HybridMatcher returns catalog rules related to an operation. It owns the rule index and
// the cache handle, and is safe for concurrent use.
type HybridMatcher struct {
	embedder embedding.Embedder
	keyword  keyword.Matcher
	cache    RuleCache
	opts     Options
	logger   *zap.Logger

	mu          sync.RWMutex
	index       *vector.RuleIndex
	rules       []models.RuleEntry
	semantic    bool
	disabledErr error
	stats       InitStats
	closed      bool
}

// New creates a matcher. cache may be nil to disable persistence.
func New(e embedding.Embedder, kw keyword.Matcher, cache RuleCache, opts Options, logger *zap.Logger) (*HybridMatcher, error) {
	if e == nil || kw == nil {
		return nil, fmt.Errorf("%w: embedder and keyword matcher are required", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridMatcher{
		embedder: e,
		keyword:  kw,
		cache:    cache,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Initialize validates rules, indexes them for keyword matching, and builds the semantic index
// reusing cached vectors where possible. Embedder or index failures disable semantic matching
// for the session; only rule validation errors are returned.
func (m *HybridMatcher) Initialize(ctx context.Context, rules []models.RuleEntry) error {
	if err := models.ValidateRules(rules); err != nil {
		return err
	}
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil
	}
	start := time.Now()

	if err := m.keyword.Index(ctx, rules); err != nil {
		m.logger.Warn("Keyword indexing failed", zap.Error(err))
	}

	index, stats, err := m.build(ctx, rules)
	stats.Duration = time.Since(start)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if index != nil {
			_ = index.Close()
		}
		return nil
	}
	old := m.index
	m.index = index
	m.rules = append([]models.RuleEntry(nil), rules...)
	m.semantic = err == nil
	m.disabledErr = err
	m.stats = stats
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	metrics.InitDuration.Observe(stats.Duration.Seconds())
	metrics.SemanticEnabled.Set(metrics.BoolGauge(err == nil))
	if err != nil {
		m.logger.Warn("Semantic matching disabled", zap.String("reason", failureReason(err)), zap.Error(err))
		metrics.IndexedRules.Set(0)
		return nil
	}
	metrics.RulesEmbedded.Add(float64(stats.Embedded))
	metrics.RulesReused.Add(float64(stats.Reused))
	metrics.IndexedRules.Set(float64(stats.Rules))
	m.logger.Info("Matcher initialized",
		zap.Int("rules", stats.Rules),
		zap.Int("embedded", stats.Embedded),
		zap.Int("reused", stats.Reused),
		zap.Bool("persisted_index", stats.FromPersistedIndex),
		zap.Duration("elapsed", stats.Duration),
	)
	return nil
}

// Reload re-initializes the matcher with a new rule set. Concurrent matches see either the
// old or the new state.
func (m *HybridMatcher) Reload(ctx context.Context, rules []models.RuleEntry) error {
	return m.Initialize(ctx, rules)
}

// Match returns the rules most related to the operation, best first. It never fails.
func (m *HybridMatcher) Match(ctx context.Context, op string, input models.OperationInput) []models.MatchResult {
	return m.MatchDetailed(ctx, op, input).Results
}

// MatchDetailed is Match plus the path taken and any absorbed semantic failure.
func (m *HybridMatcher) MatchDetailed(ctx context.Context, op string, input models.OperationInput) Outcome {
	start := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.match(ctx, op, input)
	if out.Results == nil {
		out.Results = []models.MatchResult{}
	}
	metrics.MatchesTotal.WithLabelValues(string(out.Path)).Inc()
	metrics.MatchDuration.WithLabelValues(string(out.Path)).Observe(time.Since(start).Seconds())
	metrics.MatchResults.Observe(float64(len(out.Results)))
	return out
}

func (m *HybridMatcher) match(ctx context.Context, op string, input models.OperationInput) Outcome {
	if !m.semantic || m.closed {
		return Outcome{Results: m.keywordOnly(ctx, op, input), Path: PathSemanticDisabled, Err: m.disabledErr}
	}

	semantic, err := m.searchSemantic(ctx, op, input)
	if err != nil {
		reason := failureReason(err)
		metrics.SemanticFailures.WithLabelValues(reason).Inc()
		m.logger.Warn("Semantic match failed, using keyword results",
			zap.String("tool", op),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return Outcome{Results: m.keywordOnly(ctx, op, input), Path: PathKeywordOnly, Err: err}
	}

	out := Outcome{SemanticHits: len(semantic), MaxSemanticScore: maxScore(semantic)}
	if out.MaxSemanticScore >= m.opts.SimilarityThreshold && len(semantic) >= m.opts.MinResults {
		out.Path = PathSemantic
		out.Results = truncate(semantic, m.opts.MaxResults)
		return out
	}
	out.Path = PathHybrid
	out.Results = Merge(semantic, m.keyword.Match(ctx, op, input), m.opts.MaxResults)
	return out
}

func (m *HybridMatcher) searchSemantic(ctx context.Context, op string, input models.OperationInput) ([]models.MatchResult, error) {
	if m.index == nil {
		return nil, nil
	}
	query, err := m.embedder.Embed(ctx, models.ComposeQuery(op, input))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if m.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.SearchTimeout)
		defer cancel()
	}
	hits, err := m.index.Search(ctx, query, m.opts.SemanticTopK, 0)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	return SemanticResults(hits), nil
}

func (m *HybridMatcher) keywordOnly(ctx context.Context, op string, input models.OperationInput) []models.MatchResult {
	return truncate(m.keyword.Match(ctx, op, input), m.opts.MaxResults)
}

// failureReason classifies a semantic failure for logs and metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, embedding.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, embedding.ErrUnavailable), errors.Is(err, vector.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, vector.ErrDimensionMismatch):
		return "dimension_mismatch"
	default:
		return "other"
	}
}

// SemanticEnabled reports whether semantic matching is active.
func (m *HybridMatcher) SemanticEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.semantic && !m.closed
}

// Rules returns the rules the matcher was initialized with.
func (m *HybridMatcher) Rules() []models.RuleEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RuleEntry(nil), m.rules...)
}

// Status describes the matcher for status reporting.
type Status struct {
	SemanticEnabled bool      `json:"semantic_enabled"`
	DisabledReason  string    `json:"disabled_reason,omitempty"`
	Model           string    `json:"model"`
	Rules           int       `json:"rules"`
	IndexType       string    `json:"index_type,omitempty"`
	Dimensions      int       `json:"dimensions,omitempty"`
	LastInit        InitStats `json:"last_init"`
}

// Status returns a snapshot of the matcher state.
func (m *HybridMatcher) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		SemanticEnabled: m.semantic && !m.closed,
		Model:           m.embedder.Model(),
		Rules:           len(m.rules),
		LastInit:        m.stats,
	}
	if m.disabledErr != nil {
		st.DisabledReason = m.disabledErr.Error()
	}
	if m.index != nil {
		st.IndexType = m.index.Type()
		st.Dimensions = m.index.Dimensions()
	}
	return st
}

// Close releases the embedder, the index, and the keyword matcher. It is idempotent.
func (m *HybridMatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	if m.index != nil {
		errs = append(errs, m.index.Close())
		m.index = nil
	}
	errs = append(errs, m.embedder.Close(), m.keyword.Close())
	return errors.Join(errs...)
}
