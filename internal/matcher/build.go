package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/rulesense/internal/embedding"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vector"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"go.uber.org/zap"
)

// RuleCache is the persistent embedding cache used by the matcher.
type RuleCache interface {
	// Valid returns the cached record if it is readable, current, and built with the configured model.
	Valid() (*vectorcache.Record, error)
	Save(ids []string, vectors [][]float32, fingerprints map[string]string) error
	Metadata() (*vectorcache.Metadata, error)
	IndexPath(gen string) string
	PruneIndexes(keep string) error
}

// InitStats describes the last initialization.
type InitStats struct {
	Rules              int           `json:"rules"`
	Embedded           int           `json:"embedded"`
	Reused             int           `json:"reused"`
	FullReembed        bool          `json:"full_reembed,omitempty"`
	FromPersistedIndex bool          `json:"from_persisted_index,omitempty"`
	CacheSaved         bool          `json:"cache_saved,omitempty"`
	Duration           time.Duration `json:"duration_ns"`
}

// build embeds what the cache cannot supply and returns the populated rule index.
func (m *HybridMatcher) build(ctx context.Context, rules []models.RuleEntry) (*vector.RuleIndex, InitStats, error) {
	stats := InitStats{Rules: len(rules)}
	if len(rules) == 0 {
		return nil, stats, nil
	}
	if err := embedding.Preload(m.embedder); err != nil {
		return nil, stats, fmt.Errorf("load embedder: %w", err)
	}

	rec := m.cachedRecord()
	if rec != nil && m.opts.PersistIndex && m.dimensionsMatch(rec) &&
		len(rec.IDs) == len(rules) && len(vectorcache.StaleIn(rec, rules)) == 0 {
		if index := m.loadPersisted(rec, rules); index != nil {
			stats.Reused = len(rules)
			stats.FromPersistedIndex = true
			return index, stats, nil
		}
	}

	vectors, err := m.vectors(ctx, rules, rec, &stats)
	if err != nil {
		return nil, stats, err
	}

	backend, err := vector.NewPreferredIndex(m.opts.IndexType, len(vectors[0]), m.logger)
	if err != nil {
		return nil, stats, fmt.Errorf("create vector index: %w", err)
	}
	index := vector.NewRuleIndex(backend)
	if err := index.Add(ctx, rules, vectors); err != nil {
		_ = index.Close()
		return nil, stats, fmt.Errorf("populate vector index: %w", err)
	}

	changed := rec == nil || stats.Embedded > 0 || len(rec.IDs) != len(rules)
	if m.cache == nil {
		return index, stats, nil
	}
	if changed {
		if err := m.cache.Save(models.RuleIDs(rules), vectors, vectorcache.Fingerprints(rules)); err != nil {
			m.logger.Warn("Failed to save vector cache", zap.Error(err))
			return index, stats, nil
		}
		stats.CacheSaved = true
	}
	if m.opts.PersistIndex {
		m.persist(index)
	}
	return index, stats, nil
}

// cachedRecord returns the current cache record, or nil on any cache miss.
func (m *HybridMatcher) cachedRecord() *vectorcache.Record {
	if m.cache == nil {
		return nil
	}
	rec, err := m.cache.Valid()
	if err != nil {
		if !errors.Is(err, vectorcache.ErrNoCache) {
			m.logger.Debug("Vector cache not usable", zap.Error(err))
		}
		return nil
	}
	return rec
}

// vectors returns one vector per rule, reusing current cached vectors and embedding the rest.
// A dimension change between cached and fresh vectors re-embeds everything.
func (m *HybridMatcher) vectors(ctx context.Context, rules []models.RuleEntry, rec *vectorcache.Record, stats *InitStats) ([][]float32, error) {
	if rec != nil && !m.dimensionsMatch(rec) {
		m.logger.Info("Cached vectors have another dimension, re-embedding all rules",
			zap.Int("cached", rec.Dimensions), zap.Int("configured", m.embedder.Dimensions()))
		stats.FullReembed = true
		rec = nil
	}

	var stale []models.RuleEntry
	if rec == nil {
		stale = rules
	} else {
		staleIDs := make(map[string]struct{})
		for _, id := range vectorcache.StaleIn(rec, rules) {
			staleIDs[id] = struct{}{}
		}
		for _, r := range rules {
			if _, ok := staleIDs[r.ID]; ok {
				stale = append(stale, r)
			}
		}
	}

	fresh := make(map[string][]float32, len(stale))
	if len(stale) > 0 {
		embedded, err := m.embedder.EmbedBatch(ctx, embedding.ComposeRuleTexts(stale))
		if err != nil {
			return nil, fmt.Errorf("embed rules: %w", err)
		}
		if len(embedded) != len(stale) {
			return nil, fmt.Errorf("%w: embedder returned %d vectors for %d rules", embedding.ErrUnavailable, len(embedded), len(stale))
		}
		if rec != nil && len(embedded[0]) != rec.Dimensions {
			m.logger.Info("Embedder dimension differs from cache, re-embedding all rules",
				zap.Int("cached", rec.Dimensions), zap.Int("fresh", len(embedded[0])))
			stats.FullReembed = true
			return m.vectors(ctx, rules, nil, stats)
		}
		for i, r := range stale {
			fresh[r.ID] = embedded[i]
		}
	}

	out := make([][]float32, len(rules))
	stats.Embedded, stats.Reused = 0, 0
	for i, r := range rules {
		if v, ok := fresh[r.ID]; ok {
			out[i] = v
			stats.Embedded++
			continue
		}
		v, _ := rec.Vector(r.ID)
		out[i] = v
		stats.Reused++
	}
	return out, nil
}

// dimensionsMatch reports whether rec fits the embedder. An embedder that does not know its
// dimension yet accepts any record.
func (m *HybridMatcher) dimensionsMatch(rec *vectorcache.Record) bool {
	dims := m.embedder.Dimensions()
	return dims <= 0 || rec.Dimensions == dims
}

// loadPersisted loads the index saved for rec's generation when it holds exactly rules.
func (m *HybridMatcher) loadPersisted(rec *vectorcache.Record, rules []models.RuleEntry) *vector.RuleIndex {
	backend, err := vector.NewPreferredIndex(m.opts.IndexType, rec.Dimensions, m.logger)
	if err != nil {
		return nil
	}
	index := vector.NewRuleIndex(backend)
	if err := index.Load(m.cache.IndexPath(rec.Generation)); err != nil {
		m.logger.Debug("Persisted index not loaded", zap.Error(err))
		_ = index.Close()
		return nil
	}
	if index.Size() != len(rules) {
		_ = index.Close()
		return nil
	}
	for _, r := range rules {
		if got, ok := index.Rule(r.ID); !ok || got != r {
			_ = index.Close()
			return nil
		}
	}
	return index
}

// persist saves index under the current cache generation and removes older ones.
func (m *HybridMatcher) persist(index *vector.RuleIndex) {
	meta, err := m.cache.Metadata()
	if err != nil {
		m.logger.Warn("Cannot persist index without cache metadata", zap.Error(err))
		return
	}
	if err := index.Save(m.cache.IndexPath(meta.Generation)); err != nil {
		m.logger.Warn("Failed to persist vector index", zap.Error(err))
		return
	}
	if err := m.cache.PruneIndexes(meta.Generation); err != nil {
		m.logger.Debug("Failed to prune old indexes", zap.Error(err))
	}
}
