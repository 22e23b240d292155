package embedding

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/rulesense/internal/config"
	"go.uber.org/zap"
)

// ONNXOptions configures the ONNX embedder.
type ONNXOptions struct {
	Model       string
	ModelPath   string
	VocabPath   string
	LibraryPath string
	OutputName  string
	Device      string
	Dimensions  int
	MaxTokens   int
	MeanPool    bool
}

// EnvONNXLibrary overrides the onnxruntime shared library location.
const EnvONNXLibrary = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// ModelID returns the identity recorded with cached vectors: provider and model name.
func ModelID(cfg config.EmbeddingConfig) string {
	return cfg.Provider + ":" + cfg.Model
}

// New builds the configured embedder: a lazily constructed provider bounded by cfg.Timeout
// with an LRU query cache in front. Only an unknown provider is an error here; load failures
// surface as ErrUnavailable on first use.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (*QueryCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := ModelID(cfg)

	var build func() (Embedder, error)
	switch cfg.Provider {
	case "hash":
		build = func() (Embedder, error) { return NewHashEmbedder(cfg.Dimensions), nil }
	case "onnx":
		vocab := cfg.VocabPath
		if vocab == "" {
			candidate := filepath.Join(filepath.Dir(cfg.ModelPath), "vocab.txt")
			if _, err := os.Stat(candidate); err == nil {
				vocab = candidate
			}
		}
		opts := ONNXOptions{
			Model:       id,
			ModelPath:   cfg.ModelPath,
			VocabPath:   vocab,
			LibraryPath: os.Getenv(EnvONNXLibrary),
			OutputName:  cfg.OutputName,
			Device:      cfg.Device,
			Dimensions:  cfg.Dimensions,
			MaxTokens:   cfg.MaxTokens,
			MeanPool:    cfg.Pooling == "mean",
		}
		build = func() (Embedder, error) {
			if _, err := os.Stat(opts.ModelPath); err != nil {
				return nil, fmt.Errorf("%w: model file: %v", ErrUnavailable, err)
			}
			e, err := NewONNXEmbedder(opts, logger)
			if err != nil {
				return nil, err
			}
			logger.Debug("ONNX embedder loaded", zap.String("model", opts.ModelPath), zap.String("device", opts.Device))
			return e, nil
		}
	case ProviderOllama, ProviderOpenAI:
		opts := HTTPOptions{
			Provider:    cfg.Provider,
			Endpoint:    cfg.Endpoint,
			Model:       cfg.Model,
			ModelID:     id,
			Dimensions:  cfg.Dimensions,
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.Concurrency,
		}
		if cfg.APIKeyEnv != "" {
			opts.APIKey = os.Getenv(cfg.APIKeyEnv)
		}
		build = func() (Embedder, error) { return NewHTTPEmbedder(opts) }
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	lazy := NewLazy(id, cfg.Dimensions, build)
	return NewQueryCache(WithTimeout(lazy, cfg.Timeout), cfg.QueryCacheSize)
}
