// Package config provides configuration loading and structs for rulesense.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for out-of-range or unknown settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Cache     CacheConfig     `yaml:"cache"`
	Match     MatchConfig     `yaml:"match"`
	Keyword   KeywordConfig   `yaml:"keyword"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// LogConfig holds optional log file rotation settings. Empty File logs to stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CatalogConfig lists the markdown catalog files. The first readable file with rules wins.
type CatalogConfig struct {
	Paths []string `yaml:"paths"`
	Watch *bool    `yaml:"watch"`
}

// WatchOrDefault returns whether serve mode reloads on catalog changes; defaults to true when unset.
func (c *CatalogConfig) WatchOrDefault() bool {
	if c.Watch != nil {
		return *c.Watch
	}
	return true
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is one of onnx, ollama, openai, hash.
	Provider string `yaml:"provider"`
	// Model identifies the embedding model; it is recorded in the cache and compared on load.
	Model     string `yaml:"model"`
	ModelPath string `yaml:"model_path"`
	// Device is the acceleration preference: auto, cpu or cuda. Best effort.
	Device string `yaml:"device"`
	// OutputName is the ONNX output tensor; Pooling is mean (token embeddings) or none (pooled output).
	OutputName     string        `yaml:"output_name"`
	Pooling        string        `yaml:"pooling"`
	VocabPath      string        `yaml:"vocab_path"`
	Endpoint       string        `yaml:"endpoint"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	Dimensions     int           `yaml:"dimensions"`
	MaxTokens      int           `yaml:"max_tokens"`
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	QueryCacheSize int           `yaml:"query_cache_size"`
	Timeout        time.Duration `yaml:"timeout"`
}

// VectorConfig holds nearest-neighbor index settings.
type VectorConfig struct {
	// IndexType is auto, memory or faiss. auto prefers FAISS and falls back to memory.
	IndexType     string        `yaml:"index_type"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
}

// CacheConfig holds the persistent embedding cache settings.
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	Validity     time.Duration `yaml:"validity"`
	PersistIndex bool          `yaml:"persist_index"`
}

// MatchConfig holds the hybrid threshold and merge policy.
type MatchConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MinResults          int     `yaml:"min_results"`
	MaxResults          int     `yaml:"max_results"`
	SemanticTopK        int     `yaml:"semantic_top_k"`
}

// KeywordConfig holds keyword matcher settings.
type KeywordConfig struct {
	// Backend is rules (tool keyword tables) or bleve.
	Backend string `yaml:"backend"`
	// ScoreCeiling bounds normalized keyword scores to [0, ScoreCeiling].
	ScoreCeiling float64 `yaml:"score_ceiling"`
	// Fuzziness is the bleve edit distance per query term; 0 disables fuzzy matching.
	Fuzziness int `yaml:"fuzziness"`
}

// AnalyticsConfig holds rule view tracking settings.
type AnalyticsConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	DatabasePath  string `yaml:"database_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// EnabledOrDefault returns whether analytics are recorded; defaults to true when unset.
func (a *AnalyticsConfig) EnabledOrDefault() bool {
	if a.Enabled != nil {
		return *a.Enabled
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	expandPaths(&cfg, filepath.Dir(path))
	return &cfg, nil
}

// Default returns a config with defaults applied and "./" paths resolved against the working directory.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	expandPaths(&cfg, dir)
	return &cfg
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks ranges and enumerations. Misconfiguration is a programmer error and is
// reported before any matcher is initialized.
func (c *Config) Validate() error {
	m := c.Match
	if m.SimilarityThreshold < 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: match.similarity_threshold must be in [0,1], got %v", ErrInvalidConfig, m.SimilarityThreshold)
	}
	if m.MaxResults <= 0 {
		return fmt.Errorf("%w: match.max_results must be positive", ErrInvalidConfig)
	}
	if m.MinResults < 0 || m.MinResults > m.MaxResults {
		return fmt.Errorf("%w: match.min_results must be in [0, max_results], got %d", ErrInvalidConfig, m.MinResults)
	}
	if m.SemanticTopK <= 0 {
		return fmt.Errorf("%w: match.semantic_top_k must be positive", ErrInvalidConfig)
	}
	switch c.Embedding.Provider {
	case "onnx", "ollama", "openai", "hash":
	default:
		return fmt.Errorf("%w: unknown embedding.provider %q (supported: onnx, ollama, openai, hash)", ErrInvalidConfig, c.Embedding.Provider)
	}
	switch c.Embedding.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("%w: unknown embedding.device %q (supported: auto, cpu, cuda)", ErrInvalidConfig, c.Embedding.Device)
	}
	switch c.Embedding.Pooling {
	case "mean", "none":
	default:
		return fmt.Errorf("%w: unknown embedding.pooling %q (supported: mean, none)", ErrInvalidConfig, c.Embedding.Pooling)
	}
	switch c.Vector.IndexType {
	case "auto", "memory", "faiss":
	default:
		return fmt.Errorf("%w: unknown vector.index_type %q (supported: auto, memory, faiss)", ErrInvalidConfig, c.Vector.IndexType)
	}
	switch c.Keyword.Backend {
	case "rules", "bleve":
	default:
		return fmt.Errorf("%w: unknown keyword.backend %q (supported: rules, bleve)", ErrInvalidConfig, c.Keyword.Backend)
	}
	if c.Keyword.ScoreCeiling <= 0 || c.Keyword.ScoreCeiling > 1 {
		return fmt.Errorf("%w: keyword.score_ceiling must be in (0,1], got %v", ErrInvalidConfig, c.Keyword.ScoreCeiling)
	}
	if c.Keyword.Fuzziness < 0 || c.Keyword.Fuzziness > 2 {
		return fmt.Errorf("%w: keyword.fuzziness must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.Cache.Validity <= 0 {
		return fmt.Errorf("%w: cache.validity must be positive", ErrInvalidConfig)
	}
	return nil
}

func expandPaths(cfg *Config, configDir string) {
	for i := range cfg.Catalog.Paths {
		cfg.Catalog.Paths[i] = expandPath(cfg.Catalog.Paths[i], configDir)
	}
	cfg.Cache.Dir = expandPath(cfg.Cache.Dir, configDir)
	cfg.Analytics.DatabasePath = expandPath(cfg.Analytics.DatabasePath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Embedding.VocabPath != "" {
		cfg.Embedding.VocabPath = expandPath(cfg.Embedding.VocabPath, configDir)
	}
	if cfg.Log.File != "" {
		cfg.Log.File = expandPath(cfg.Log.File, configDir)
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" and other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	path = strings.TrimPrefix(path, "~/")
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
