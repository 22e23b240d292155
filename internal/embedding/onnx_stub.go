//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ONNXEmbedder stub type when built without CGO (see onnx.go for real implementation).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns ErrUnavailable when built without CGO.
func NewONNXEmbedder(_ ONNXOptions, _ *zap.Logger) (*ONNXEmbedder, error) {
	return nil, fmt.Errorf("%w: ONNX embedder requires CGO; build with CGO_ENABLED=1 and onnxruntime", ErrUnavailable)
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, ErrUnavailable }
func (e *ONNXEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrUnavailable
}
func (e *ONNXEmbedder) Dimensions() int { return 0 }
func (e *ONNXEmbedder) Model() string   { return "" }
func (e *ONNXEmbedder) Close() error    { return nil }
