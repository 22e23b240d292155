//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/rulesense/pkg/utils"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var ortInitMu sync.Mutex

// ONNXEmbedder uses ONNX Runtime to produce embeddings. It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	session    *ort.AdvancedSession
	model      string
	dimensions int
	maxTokens  int
	meanPool   bool
	tokenizer  Tokenizer
	// Pre-allocated tensors for Run(); we update input data and read output.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// NewONNXEmbedder creates an ONNX embedder. The runtime environment is initialized once per process.
// A cuda or auto device appends the CUDA execution provider when available and falls back to CPU.
func NewONNXEmbedder(opts ONNXOptions, logger *zap.Logger) (*ONNXEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("onnx embedder requires dimensions")
	}
	if err := initRuntime(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	var tokenizer Tokenizer = &SimpleTokenizer{}
	if opts.VocabPath != "" {
		wp, err := LoadWordPieceTokenizer(opts.VocabPath)
		if err != nil {
			logger.Warn("Vocabulary not loaded, using hash tokenizer", zap.String("path", opts.VocabPath), zap.Error(err))
		} else {
			tokenizer = wp
		}
	}
	inputIDs, attentionMask, tokenTypeIDs := tokenizer.Tokenize("", opts.MaxTokens)
	seqLen := int64(len(inputIDs))

	inputIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), inputIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	attentionMaskTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), attentionMask)
	if err != nil {
		inputIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	tokenTypeIDsTensor, err := ort.NewTensor(ort.NewShape(1, seqLen), tokenTypeIDs)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	outShape := ort.NewShape(1, int64(opts.Dimensions))
	if opts.MeanPool {
		outShape = ort.NewShape(1, seqLen, int64(opts.Dimensions))
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	destroyTensors := func() {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		outputTensor.Destroy()
	}

	sessionOpts, err := newSessionOptions(opts.Device, logger)
	if err != nil {
		destroyTensors()
		return nil, err
	}
	defer sessionOpts.Destroy()

	outputName := opts.OutputName
	if outputName == "" {
		outputName = "output"
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor},
		[]ort.ArbitraryTensor{outputTensor},
		sessionOpts,
	)
	if err != nil {
		destroyTensors()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		session:             session,
		model:               opts.Model,
		dimensions:          opts.Dimensions,
		maxTokens:           int(seqLen),
		meanPool:            opts.MeanPool,
		tokenizer:           tokenizer,
		inputIDsTensor:      inputIDsTensor,
		attentionMaskTensor: attentionMaskTensor,
		tokenTypeIDsTensor:  tokenTypeIDsTensor,
		outputTensor:        outputTensor,
	}, nil
}

func initRuntime(libraryPath string) error {
	ortInitMu.Lock()
	defer ortInitMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	return ort.InitializeEnvironment()
}

// newSessionOptions builds session options for device. CUDA failures are logged and ignored.
func newSessionOptions(device string, logger *zap.Logger) (*ort.SessionOptions, error) {
	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if device != "auto" && device != "cuda" {
		return sessionOpts, nil
	}
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		logger.Debug("CUDA provider unavailable, using CPU", zap.Error(err))
		return sessionOpts, nil
	}
	defer cudaOpts.Destroy()
	if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
		logger.Debug("CUDA provider not appended, using CPU", zap.Error(err))
	}
	return sessionOpts, nil
}

// Embed returns the L2-normalized embedding for text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("%w: embedder closed", ErrUnavailable)
	}

	inputIDs, attentionMask, tokenTypeIDs := e.tokenizer.Tokenize(text, e.maxTokens)
	copy(e.inputIDsTensor.GetData(), inputIDs)
	copy(e.attentionMaskTensor.GetData(), attentionMask)
	copy(e.tokenTypeIDsTensor.GetData(), tokenTypeIDs)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := e.outputTensor.GetData()
	embedding := make([]float32, e.dimensions)
	if e.meanPool {
		meanPool(embedding, outputData, attentionMask)
	} else {
		copy(embedding, outputData[:e.dimensions])
	}
	utils.NormalizeL2(embedding)
	return embedding, nil
}

// meanPool averages token embeddings where mask is set.
func meanPool(dst []float32, tokens []float32, mask []int64) {
	dims := len(dst)
	var n float32
	for t, m := range mask {
		if m == 0 {
			continue
		}
		row := tokens[t*dims : (t+1)*dims]
		for i, v := range row {
			dst[i] += v
		}
		n++
	}
	if n == 0 {
		return
	}
	for i := range dst {
		dst[i] /= n
	}
}

// EmbedBatch calls Embed for each text; the session is single-input.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns the configured model name.
func (e *ONNXEmbedder) Model() string {
	return e.model
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outputTensor == nil {
		return nil
	}
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	for _, t := range []interface{ Destroy() error }{e.inputIDsTensor, e.attentionMaskTensor, e.tokenTypeIDsTensor, e.outputTensor} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	e.inputIDsTensor, e.attentionMaskTensor, e.tokenTypeIDsTensor, e.outputTensor = nil, nil, nil, nil
	return err
}
