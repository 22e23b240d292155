package matcher

import (
	"fmt"

	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/internal/embedding"
	"github.com/hyperjump/rulesense/internal/keyword"
	"github.com/hyperjump/rulesense/internal/metrics"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"go.uber.org/zap"
)

// NewFromConfig wires the configured embedder, keyword matcher and vector cache into a matcher.
// No model is loaded until the first embedding is needed.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*HybridMatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	emb, err := embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	metrics.SetQueryCacheHits(func() uint64 {
		hits, _ := emb.Stats()
		return hits
	})
	kw, err := keyword.New(cfg.Keyword, logger)
	if err != nil {
		_ = emb.Close()
		return nil, fmt.Errorf("failed to create keyword matcher: %w", err)
	}
	m, err := New(emb, kw, NewCache(cfg, logger), OptionsFromConfig(cfg), logger)
	if err != nil {
		_ = emb.Close()
		_ = kw.Close()
		return nil, err
	}
	return m, nil
}

// NewCache opens the vector cache for the configured model.
func NewCache(cfg *config.Config, logger *zap.Logger) *vectorcache.Cache {
	return vectorcache.New(cfg.Cache.Dir, embedding.ModelID(cfg.Embedding), cfg.Cache.Validity, vectorcache.WithLogger(logger))
}
