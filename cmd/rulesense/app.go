package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/rulesense/internal/analytics"
	"github.com/hyperjump/rulesense/internal/catalog"
	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/internal/matcher"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"go.uber.org/zap"
)

// app holds the services shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	matcher *matcher.HybridMatcher
	cache   *vectorcache.Cache
	reader  *catalog.Reader
	views   analytics.Store

	loadMu sync.Mutex
}

// newApp wires the matcher, cache handle, catalog reader and, when enabled, the analytics store.
// An analytics store that cannot be opened is logged and skipped.
func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	m, err := matcher.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		matcher: m,
		cache:   matcher.NewCache(cfg, logger),
		reader:  catalog.NewReader(cfg.Catalog.Paths, logger),
	}
	if cfg.Analytics.EnabledOrDefault() {
		store, err := openAnalytics(cfg)
		if err != nil {
			logger.Warn("Rule analytics disabled", zap.Error(err))
		} else {
			a.views = store
		}
	}
	return a, nil
}

func openAnalytics(cfg *config.Config) (*analytics.SQLiteStore, error) {
	retention := time.Duration(cfg.Analytics.RetentionDays) * 24 * time.Hour
	return analytics.NewSQLiteStore(cfg.Analytics.DatabasePath, analytics.WithRetention(retention))
}

// load reads the catalog and (re)initializes the matcher. Loads are serialized so a watcher
// event and an API reload do not build the index twice at once.
func (a *app) load(ctx context.Context) (int, error) {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	rules, path, err := a.reader.Load()
	if err != nil {
		return 0, err
	}
	if err := a.matcher.Initialize(ctx, rules); err != nil {
		return 0, fmt.Errorf("initialize matcher from %s: %w", path, err)
	}
	a.logger.Info("Catalog loaded", zap.String("path", path), zap.Int("rules", len(rules)))
	return len(rules), nil
}

// recordViews stores the shown rules. Failures are logged only.
func (a *app) recordViews(ctx context.Context, tool string, results []models.MatchResult) {
	if a.views == nil || len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Rule.ID
	}
	if err := a.views.RecordViews(ctx, ids, tool); err != nil {
		a.logger.Warn("Failed to record rule views", zap.Strings("rules", ids), zap.Error(err))
	}
}

func (a *app) Close() {
	if err := a.matcher.Close(); err != nil {
		a.logger.Debug("Matcher close", zap.Error(err))
	}
	if a.views != nil {
		_ = a.views.Close()
	}
}
