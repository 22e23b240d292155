package keyword

import (
	"fmt"

	"github.com/hyperjump/rulesense/internal/config"
	"go.uber.org/zap"
)

// Backend names accepted by New.
const (
	BackendRules = "rules"
	BackendBleve = "bleve"
)

// New creates the keyword matcher selected by cfg.Backend.
func New(cfg config.KeywordConfig, logger *zap.Logger) (Matcher, error) {
	ceiling := cfg.ScoreCeiling
	if ceiling <= 0 {
		ceiling = config.DefaultKeywordScoreCeiling
	}
	switch cfg.Backend {
	case "", BackendRules:
		return NewRuleTableMatcher(ceiling, logger), nil
	case BackendBleve:
		return NewBleveMatcher(ceiling, cfg.Fuzziness, logger), nil
	default:
		return nil, fmt.Errorf("unknown keyword backend: %s", cfg.Backend)
	}
}
