package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutEmbedder runs each call under a soft deadline. The underlying call may keep running
// after the deadline; its result is discarded.
type TimeoutEmbedder struct {
	Embedder
	timeout time.Duration
}

// WithTimeout wraps e so that Embed is bounded by d and EmbedBatch by d per text.
// A non-positive d returns e unchanged.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return e
	}
	return &TimeoutEmbedder{Embedder: e, timeout: d}
}

// Load preloads the wrapped embedder.
func (t *TimeoutEmbedder) Load() error {
	return Preload(t.Embedder)
}

type embedResult struct {
	vecs [][]float32
	err  error
}

// Embed embeds text or returns ErrTimeout when the deadline passes first.
func (t *TimeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := t.run(ctx, t.timeout, func(ctx context.Context) ([][]float32, error) {
		v, err := t.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts under a deadline of the per-call timeout times len(texts).
func (t *TimeoutEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	return t.run(ctx, t.timeout*time.Duration(len(texts)), func(ctx context.Context) ([][]float32, error) {
		return t.Embedder.EmbedBatch(ctx, texts)
	})
}

func (t *TimeoutEmbedder) run(ctx context.Context, d time.Duration, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan embedResult, 1)
	go func() {
		vecs, err := fn(ctx)
		ch <- embedResult{vecs: vecs, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, d)
		}
		return r.vecs, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, d)
		}
		return nil, ctx.Err()
	}
}
