package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// QueryCache memoizes single-text embeddings in an LRU keyed by the SHA-256 of the text.
// Returned vectors are copies; callers may modify them.
type QueryCache struct {
	Embedder
	cache  *lru.Cache[[32]byte, []float32]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewQueryCache wraps e with an LRU of size entries.
func NewQueryCache(e Embedder, size int) (*QueryCache, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create query cache: %w", err)
	}
	return &QueryCache{Embedder: e, cache: cache}, nil
}

// Load preloads the wrapped embedder.
func (q *QueryCache) Load() error {
	return Preload(q.Embedder)
}

// Embed returns the cached embedding for text, embedding and caching it on a miss.
func (q *QueryCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if v, ok := q.cache.Get(key); ok {
		q.hits.Add(1)
		return append([]float32(nil), v...), nil
	}
	q.misses.Add(1)
	v, err := q.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	q.cache.Add(key, append([]float32(nil), v...))
	return v, nil
}

// Stats returns cache hit and miss counts.
func (q *QueryCache) Stats() (hits, misses uint64) {
	return q.hits.Load(), q.misses.Load()
}

// Purge empties the cache.
func (q *QueryCache) Purge() {
	q.cache.Purge()
}
