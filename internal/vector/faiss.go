//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/index_io_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unsafe"

	"github.com/hyperjump/rulesense/pkg/utils"
)

// FAISSIndex uses a FAISS IndexFlatIP over normalized vectors (exact cosine search).
// FAISS labels are assigned sequentially, so label order is insertion order.
type FAISSIndex struct {
	index      *C.FaissIndex
	dimensions int
	idToLabel  map[string]int64
	labelToID  map[int64]string
	nextLabel  int64
	removed    int
	mu         sync.RWMutex
}

// NewFAISSIndex creates a FAISS inner-product index with the given dimension.
func NewFAISSIndex(dimensions int) (*FAISSIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	var flat *C.FaissIndexFlatIP
	if ret := C.faiss_IndexFlatIP_new_with(&flat, C.idx_t(dimensions)); ret != 0 {
		return nil, fmt.Errorf("%w: create FAISS index: %s", ErrUnavailable, faissLastError())
	}
	return &FAISSIndex{
		index:      (*C.FaissIndex)(unsafe.Pointer(flat)),
		dimensions: dimensions,
		idToLabel:  make(map[string]int64),
		labelToID:  make(map[int64]string),
	}, nil
}

func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}

// Dimensions returns the vector dimension.
func (f *FAISSIndex) Dimensions() int {
	return f.dimensions
}

// Add normalizes and appends vectors. The batch is rejected as a whole on any dimension
// mismatch or duplicate ID.
func (f *FAISSIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	if len(ids) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index == nil {
		return fmt.Errorf("%w: index closed", ErrUnavailable)
	}

	n := len(vectors)
	flat := make([]float32, n*f.dimensions)
	batch := make(map[string]struct{}, n)
	for i, vec := range vectors {
		if len(vec) != f.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), f.dimensions)
		}
		if _, ok := f.idToLabel[ids[i]]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, ids[i])
		}
		if _, ok := batch[ids[i]]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, ids[i])
		}
		batch[ids[i]] = struct{}{}
		row := flat[i*f.dimensions : (i+1)*f.dimensions]
		copy(row, vec)
		utils.NormalizeL2(row)
	}

	if ret := C.faiss_Index_add(f.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&flat[0]))); ret != 0 {
		return fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
	}
	for _, id := range ids {
		f.idToLabel[id] = f.nextLabel
		f.labelToID[f.nextLabel] = id
		f.nextLabel++
	}
	return nil
}

// Search returns the top-k vectors by inner product with the normalized query. FAISS does
// not order equal scores, so extra candidates are fetched and re-sorted by label. When the
// last fetched score still ties the kth hit, the whole index is fetched.
func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), f.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := utils.NormalizedCopy(query)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if k <= 0 || f.index == nil {
		return nil, nil
	}
	ntotal := int(C.faiss_Index_ntotal(f.index))
	if ntotal == 0 {
		return nil, nil
	}
	fetch := 2*k + f.removed
	if fetch > ntotal {
		fetch = ntotal
	}

	hits, lowest, err := f.searchFlat(q, fetch)
	if err != nil {
		return nil, err
	}
	if fetch < ntotal && (len(hits) < k || lowest >= hits[k-1].score) {
		if hits, _, err = f.searchFlat(q, ntotal); err != nil {
			return nil, err
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	results := make([]*VectorResult, len(hits))
	for i, h := range hits {
		results[i] = &VectorResult{ID: f.labelToID[h.label], Score: h.score}
	}
	return results, nil
}

type faissHit struct {
	label int64
	score float64
}

// searchFlat fetches n candidates, drops removed labels and orders them by score then label.
// It also returns the lowest fetched score. Callers hold f.mu.
func (f *FAISSIndex) searchFlat(q []float32, n int) ([]faissHit, float64, error) {
	distances := make([]float32, n)
	labels := make([]int64, n)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&q[0])),
		C.idx_t(n),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, 0, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}

	hits := make([]faissHit, 0, n)
	lowest := math.Inf(1)
	for i := 0; i < n; i++ {
		if labels[i] < 0 {
			continue
		}
		if d := float64(distances[i]); d < lowest {
			lowest = d
		}
		if _, ok := f.labelToID[labels[i]]; !ok {
			continue
		}
		hits = append(hits, faissHit{label: labels[i], score: float64(distances[i])})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].label < hits[j].label
	})
	return hits, lowest, nil
}

// Remove drops IDs from the label mapping. IndexFlat has no cheap removal, so the vectors
// stay in FAISS and are skipped at search time.
func (f *FAISSIndex) Remove(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if label, ok := f.idToLabel[id]; ok {
			delete(f.labelToID, label)
			delete(f.idToLabel, id)
			f.removed++
		}
	}
	return nil
}

// faissIDMapping stores the label mapping for persistence.
type faissIDMapping struct {
	Dimensions int
	IDToLabel  map[string]int64
	NextLabel  int64
	Removed    int
}

// Save writes the FAISS index to path+".faiss" and the label mapping to path+".idmap".
func (f *FAISSIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmp := path + ".faiss.tmp"
	cPath := C.CString(tmp)
	defer C.free(unsafe.Pointer(cPath))
	if ret := C.faiss_write_index_fname(f.index, cPath); ret != 0 {
		return fmt.Errorf("failed to save FAISS index: %s", faissLastError())
	}
	if err := os.Rename(tmp, path+".faiss"); err != nil {
		return fmt.Errorf("rename FAISS index: %w", err)
	}

	mapping := faissIDMapping{Dimensions: f.dimensions, IDToLabel: f.idToLabel, NextLabel: f.nextLabel, Removed: f.removed}
	return utils.WriteFileAtomic(path+".idmap", func(w io.Writer) error {
		if err := gob.NewEncoder(w).Encode(mapping); err != nil {
			return fmt.Errorf("encode id map: %w", err)
		}
		return nil
	})
}

// Load reads the index and label mapping from path. Missing files leave the index unchanged;
// an index of another dimension returns ErrDimensionMismatch.
func (f *FAISSIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	faissPath := path + ".faiss"
	if _, err := os.Stat(faissPath); os.IsNotExist(err) {
		return nil
	}

	mapFile, err := os.Open(path + ".idmap")
	if err != nil {
		return fmt.Errorf("open id map file: %w", err)
	}
	defer mapFile.Close()
	var mapping faissIDMapping
	if err := gob.NewDecoder(mapFile).Decode(&mapping); err != nil {
		return fmt.Errorf("decode id map: %w", err)
	}
	if mapping.Dimensions != f.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, mapping.Dimensions, f.dimensions)
	}

	cPath := C.CString(faissPath)
	defer C.free(unsafe.Pointer(cPath))
	var loaded *C.FaissIndex
	if ret := C.faiss_read_index_fname(cPath, 0, &loaded); ret != 0 {
		return fmt.Errorf("failed to load FAISS index: %s", faissLastError())
	}
	if int(C.faiss_Index_d(loaded)) != f.dimensions {
		C.faiss_Index_free(loaded)
		return fmt.Errorf("%w: FAISS file dimension differs from %d", ErrDimensionMismatch, f.dimensions)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
	}
	f.index = loaded
	f.idToLabel = mapping.IDToLabel
	f.labelToID = make(map[int64]string, len(mapping.IDToLabel))
	for id, label := range mapping.IDToLabel {
		f.labelToID[label] = id
	}
	f.nextLabel = mapping.NextLabel
	f.removed = mapping.Removed
	return nil
}

// Size returns the number of active vectors (excluding removed ones).
func (f *FAISSIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.idToLabel)
}

// Close frees the FAISS index.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}
