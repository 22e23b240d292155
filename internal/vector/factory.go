package vector

import (
	"fmt"

	"go.uber.org/zap"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeAuto prefers FAISS and falls back to memory.
	IndexTypeAuto IndexType = "auto"
	// IndexTypeMemory uses in-memory brute-force search.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS uses a FAISS flat inner-product index. Requires -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
)

// NewVectorIndex creates a vector index of exactly the given type ("memory" when empty).
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypeFAISS:
		idx, err := NewFAISSIndex(dimensions)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, faiss)", indexType)
	}
}

// NewPreferredIndex creates the preferred backend. For "auto" and "faiss" it tries FAISS and
// falls back to the memory index when FAISS is unavailable; the fallback is logged at debug.
func NewPreferredIndex(preference string, dimensions int, logger *zap.Logger) (VectorIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch IndexType(preference) {
	case IndexTypeAuto, IndexTypeFAISS:
		idx, err := NewFAISSIndex(dimensions)
		if err == nil {
			return idx, nil
		}
		logger.Debug("FAISS unavailable, using memory index", zap.Error(err))
		return NewMemoryIndex(dimensions)
	default:
		return NewVectorIndex(preference, dimensions)
	}
}

// IsFAISSAvailable reports whether FAISS support is compiled in.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
