package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hyperjump/rulesense/pkg/utils"
	"golang.org/x/sync/errgroup"
)

// HTTP provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// HTTPOptions configures an HTTP embedding provider.
type HTTPOptions struct {
	Provider    string
	Endpoint    string
	Model       string
	ModelID     string
	APIKey      string
	Dimensions  int
	BatchSize   int
	Concurrency int
	Client      *http.Client
	Retry       *RetryConfig
}

// HTTPEmbedder calls an Ollama (/api/embed) or OpenAI-compatible (/v1/embeddings) endpoint.
// Batches are split into chunks embedded concurrently.
type HTTPEmbedder struct {
	opts   HTTPOptions
	client *http.Client
	retry  RetryConfig
	dims   atomic.Int64
}

// NewHTTPEmbedder validates opts and returns an embedder. No request is made until the first Embed.
func NewHTTPEmbedder(opts HTTPOptions) (*HTTPEmbedder, error) {
	switch opts.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return nil, fmt.Errorf("unsupported http provider %q", opts.Provider)
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s endpoint not configured", ErrUnavailable, opts.Provider)
	}
	if opts.Provider == ProviderOpenAI && opts.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key not set", ErrUnavailable)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ModelID == "" {
		opts.ModelID = opts.Model
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	e := &HTTPEmbedder{opts: opts, client: client, retry: retry}
	e.dims.Store(int64(opts.Dimensions))
	return e, nil
}

// Embed returns the normalized embedding for text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in chunks of BatchSize with at most Concurrency requests in flight.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for start := 0; start < len(texts); start += e.opts.BatchSize {
		start := start
		end := start + e.opts.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			chunk := texts[start:end]
			vecs, err := retryWithBackoff(gctx, e.retry, func() ([][]float32, error) {
				return e.call(gctx, chunk)
			})
			if err != nil {
				return err
			}
			if len(vecs) != len(chunk) {
				return fmt.Errorf("%w: %s returned %d embeddings for %d inputs", ErrUnavailable, e.opts.Provider, len(vecs), len(chunk))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	dims := len(out[0])
	for _, v := range out {
		if len(v) != dims || dims == 0 {
			return nil, fmt.Errorf("%w: inconsistent embedding dimensions from %s", ErrUnavailable, e.opts.Provider)
		}
		utils.NormalizeL2(v)
	}
	if !e.dims.CompareAndSwap(0, int64(dims)) && e.dims.Load() != int64(dims) {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d", ErrUnavailable, e.dims.Load(), dims)
	}
	return out, nil
}

func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": e.opts.Model,
		"input": texts,
	})
	if err != nil {
		return nil, &permanentError{fmt.Errorf("marshal request: %w", err)}
	}

	url := strings.TrimRight(e.opts.Endpoint, "/")
	if e.opts.Provider == ProviderOllama {
		url += "/api/embed"
	} else {
		url += "/v1/embeddings"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{err}
		}
		return nil, err
	}

	if e.opts.Provider == ProviderOllama {
		var apiResp struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
			return nil, &permanentError{fmt.Errorf("decode response: %w", err)}
		}
		return apiResp.Embeddings, nil
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &permanentError{fmt.Errorf("decode response: %w", err)}
	}
	vecs := make([][]float32, len(texts))
	for _, d := range apiResp.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &permanentError{fmt.Errorf("response index %d out of range", d.Index)}
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Dimensions returns the configured dimension, or the one observed on the first response (0 before).
func (e *HTTPEmbedder) Dimensions() int {
	return int(e.dims.Load())
}

// Model returns the model identity.
func (e *HTTPEmbedder) Model() string {
	return e.opts.ModelID
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
