package config

import "time"

// Defaults for the match policy and cache.
const (
	DefaultModel               = "all-MiniLM-L6-v2"
	DefaultSimilarityThreshold = 0.5
	DefaultMinResults          = 3
	DefaultMaxResults          = 5
	DefaultSemanticTopK        = 10
	DefaultCacheValidity       = 24 * time.Hour
	DefaultKeywordScoreCeiling = 0.49
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8765
	}
	if len(cfg.Catalog.Paths) == 0 {
		// Global catalog under the home directory first, then the project copy.
		cfg.Catalog.Paths = []string{".claude/memory.md", "./.claude/memory.md"}
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultModel
	}
	if cfg.Embedding.Provider == "onnx" && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = ".rulesense/models/" + cfg.Embedding.Model + ".onnx"
	}
	if cfg.Embedding.Device == "" {
		cfg.Embedding.Device = "auto"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "last_hidden_state"
	}
	if cfg.Embedding.Pooling == "" {
		cfg.Embedding.Pooling = "mean"
	}
	if cfg.Embedding.Endpoint == "" {
		switch cfg.Embedding.Provider {
		case "ollama":
			cfg.Embedding.Endpoint = "http://localhost:11434"
		case "openai":
			cfg.Embedding.Endpoint = "https://api.openai.com"
		}
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Dimensions == 0 && (cfg.Embedding.Provider == "onnx" || cfg.Embedding.Provider == "hash") {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 32
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.QueryCacheSize == 0 {
		cfg.Embedding.QueryCacheSize = 1024
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 2 * time.Second
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "auto"
	}
	if cfg.Vector.SearchTimeout == 0 {
		cfg.Vector.SearchTimeout = 500 * time.Millisecond
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = ".rulesense/cache/vectors"
	}
	if cfg.Cache.Validity == 0 {
		cfg.Cache.Validity = DefaultCacheValidity
	}
	if cfg.Match.SimilarityThreshold == 0 {
		cfg.Match.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Match.MinResults == 0 {
		cfg.Match.MinResults = DefaultMinResults
	}
	if cfg.Match.MaxResults == 0 {
		cfg.Match.MaxResults = DefaultMaxResults
	}
	if cfg.Match.SemanticTopK == 0 {
		cfg.Match.SemanticTopK = DefaultSemanticTopK
	}
	if cfg.Keyword.Backend == "" {
		cfg.Keyword.Backend = "rules"
	}
	if cfg.Keyword.ScoreCeiling == 0 {
		cfg.Keyword.ScoreCeiling = DefaultKeywordScoreCeiling
	}
	if cfg.Analytics.DatabasePath == "" {
		cfg.Analytics.DatabasePath = ".rulesense/analytics.db"
	}
	if cfg.Analytics.RetentionDays == 0 {
		cfg.Analytics.RetentionDays = 90
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 3
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 28
		}
	}
}
