// Package vector provides nearest-neighbor indexes over normalized embeddings.
package vector

import (
	"context"
	"errors"
)

var (
	// ErrDimensionMismatch is returned when a vector's dimension differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUnavailable is returned when a backend is not compiled in or cannot be created.
	ErrUnavailable = errors.New("vector backend unavailable")
	// ErrDuplicateID is returned when an ID is added twice.
	ErrDuplicateID = errors.New("duplicate vector id")
)

// VectorIndex stores vectors by ID and answers top-k inner-product queries. Vectors are
// L2-normalized on insert and queries are normalized before search, so scores are cosine
// similarities. Equal scores are ordered by insertion order.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Type() string
	Close() error
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID    string
	Score float64 // inner product of normalized vectors, in [-1, 1]
}
