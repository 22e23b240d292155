package vector

import (
	"bufio"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/rulesense/pkg/utils"
)

// ctxCheckEvery is how many vectors are scored between context checks.
const ctxCheckEvery = 1024

// MemoryIndex is an in-memory vector index using brute-force inner product search.
type MemoryIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	pos        map[string]int
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		ids:        make([]string, 0),
		vectors:    make([][]float32, 0),
		pos:        make(map[string]int),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Add appends normalized copies of vectors. The batch is rejected as a whole on any
// dimension mismatch or duplicate ID.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vectors[i]), m.dimensions)
		}
		if _, ok := m.pos[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		if _, ok := batch[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		batch[id] = struct{}{}
	}
	for i, id := range ids {
		m.pos[id] = len(m.ids)
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, utils.NormalizedCopy(vectors[i]))
	}
	return nil
}

// scored is a candidate; seq is the insertion position used to break score ties.
type scored struct {
	seq   int
	score float64
}

// worstFirst is a min-heap whose root is the weakest candidate: lowest score, then latest insertion.
type worstFirst []scored

func (h worstFirst) Len() int { return len(h) }
func (h worstFirst) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq > h[j].seq
}
func (h worstFirst) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *worstFirst) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search returns the top-k vectors by inner product with the normalized query, best first.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), m.dimensions)
	}
	q := utils.NormalizedCopy(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	if k > len(m.ids) {
		k = len(m.ids)
	}

	h := make(worstFirst, 0, k+1)
	for i, vec := range m.vectors {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var dot float64
		for j := 0; j < m.dimensions; j++ {
			dot += float64(q[j]) * float64(vec[j])
		}
		c := scored{seq: i, score: dot}
		if len(h) < k {
			heap.Push(&h, c)
		} else if worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	result := make([]*VectorResult, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		c := heap.Pop(&h).(scored)
		result[i] = &VectorResult{ID: m.ids[c.seq], Score: c.score}
	}
	return result, nil
}

// worse reports whether a ranks below b.
func worse(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.seq > b.seq
}

// Remove removes vectors by ID, keeping the relative order of the rest.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newIDs := make([]string, 0, len(m.ids))
	newVectors := make([][]float32, 0, len(m.vectors))
	pos := make(map[string]int, len(m.ids))
	for i, id := range m.ids {
		if !removeSet[id] {
			pos[id] = len(newIDs)
			newIDs = append(newIDs, id)
			newVectors = append(newVectors, m.vectors[i])
		}
	}
	m.ids = newIDs
	m.vectors = newVectors
	m.pos = pos
	return nil
}

// Save persists the index to path via a temp file and rename. Format: dimension (4), n (4),
// then per vector: idLen (4), id bytes, vector (dimension*4 bytes), little endian.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	return utils.WriteFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		if err := binary.Write(bw, binary.LittleEndian, uint32(m.dimensions)); err != nil {
			return fmt.Errorf("write dimensions: %w", err)
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.ids))); err != nil {
			return fmt.Errorf("write count: %w", err)
		}
		for i, id := range m.ids {
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(id))); err != nil {
				return fmt.Errorf("write id len: %w", err)
			}
			if _, err := bw.WriteString(id); err != nil {
				return fmt.Errorf("write id: %w", err)
			}
			if _, err := bw.Write(float32SliceToBytes(m.vectors[i])); err != nil {
				return fmt.Errorf("write vector: %w", err)
			}
		}
		return bw.Flush()
	})
}

// Load reads the index from path and replaces the in-memory contents. A file written with
// another dimension returns ErrDimensionMismatch. A missing file leaves the index unchanged.
func (m *MemoryIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat index file: %w", err)
	}
	r := bufio.NewReader(f)

	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	// Each record holds at least an id length and a vector.
	minRecord := int64(4 + m.dimensions*4)
	if int64(n) > (info.Size()-8)/minRecord {
		return fmt.Errorf("%w: count %d does not fit in %d bytes", ErrIndexCorrupt, n, info.Size())
	}
	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	pos := make(map[string]int, n)
	buf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return fmt.Errorf("read id len: %w", err)
		}
		if idLen > 1<<16 {
			return fmt.Errorf("read id: length %d out of range", idLen)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		pos[string(idBytes)] = len(ids)
		ids = append(ids, string(idBytes))
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors, m.pos = ids, vectors, pos
	return nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
