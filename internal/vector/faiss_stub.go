//go:build !faiss || !cgo
// +build !faiss !cgo

package vector

import (
	"context"
	"fmt"
)

// FAISSIndex is a stub used when the faiss build tag is not set.
type FAISSIndex struct{}

// NewFAISSIndex returns ErrUnavailable; build with -tags=faiss and the FAISS C library to enable it.
func NewFAISSIndex(dimensions int) (*FAISSIndex, error) {
	return nil, fmt.Errorf("%w: FAISS not compiled in (build with -tags=faiss)", ErrUnavailable)
}

func (f *FAISSIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	return ErrUnavailable
}

func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	return nil, ErrUnavailable
}

func (f *FAISSIndex) Remove(ctx context.Context, ids []string) error { return ErrUnavailable }
func (f *FAISSIndex) Save(path string) error                         { return ErrUnavailable }
func (f *FAISSIndex) Load(path string) error                         { return ErrUnavailable }
func (f *FAISSIndex) Size() int                                      { return 0 }
func (f *FAISSIndex) Dimensions() int                                { return 0 }
func (f *FAISSIndex) Type() string                                   { return string(IndexTypeFAISS) }
func (f *FAISSIndex) Close() error                                   { return nil }
