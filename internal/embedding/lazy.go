package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Lazy constructs its provider on first use and memoizes it for the process lifetime.
// A construction failure is remembered and reported as ErrUnavailable on every call.
type Lazy struct {
	model string
	dims  int
	build func() (Embedder, error)

	mu     sync.Mutex
	loaded bool
	e      Embedder
	err    error
}

// NewLazy returns a Lazy embedder. model and dims describe the provider before it is built;
// dims may be 0 when the provider discovers it.
func NewLazy(model string, dims int, build func() (Embedder, error)) *Lazy {
	return &Lazy{model: model, dims: dims, build: build}
}

func (l *Lazy) get() (Embedder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		l.loaded = true
		l.e, l.err = l.build()
		if l.err != nil && !errors.Is(l.err, ErrUnavailable) {
			l.err = fmt.Errorf("%w: %v", ErrUnavailable, l.err)
		}
	}
	return l.e, l.err
}

// Load builds the provider if it has not been built yet.
func (l *Lazy) Load() error {
	_, err := l.get()
	return err
}

// Loaded reports whether construction has been attempted.
func (l *Lazy) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Embed builds the provider if needed and embeds text.
func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, text)
}

// EmbedBatch builds the provider if needed and embeds texts.
func (l *Lazy) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.EmbedBatch(ctx, texts)
}

// Dimensions returns the provider's dimension once built, otherwise the configured one.
func (l *Lazy) Dimensions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.e != nil {
		if d := l.e.Dimensions(); d > 0 {
			return d
		}
	}
	return l.dims
}

// Model returns the model identity without building the provider.
func (l *Lazy) Model() string {
	return l.model
}

// Close closes the provider if it was built. The Lazy can not be reused afterwards.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = true
	if l.err == nil {
		l.err = fmt.Errorf("%w: embedder closed", ErrUnavailable)
	}
	if l.e == nil {
		return nil
	}
	e := l.e
	l.e = nil
	return e.Close()
}
