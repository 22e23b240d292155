// Package vectorcache persists rule embeddings between runs so unchanged rules are not re-embedded.
//
// A cache is three files in one directory: embeddings.bin.sz (snappy-framed float32 matrix),
// metadata.json (IDs, model, fingerprints) and timestamp.txt. Each file is replaced atomically
// and metadata.json is written last; a generation token shared by the files lets Load detect
// a set that was only partly replaced.
package vectorcache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/hyperjump/rulesense/internal/embedding"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/pkg/utils"
	"go.uber.org/zap"
)

// Artifact file names inside the cache directory.
const (
	EmbeddingsFile = "embeddings.bin.sz"
	MetadataFile   = "metadata.json"
	TimestampFile  = "timestamp.txt"
	// IndexFile is the base name for a persisted vector index, kept alongside the cache.
	IndexFile = "index"

	formatVersion = 1
)

var embeddingsMagic = [4]byte{'R', 'S', 'V', 'C'}

// embeddingsHeader precedes the row-major float32 matrix in the embeddings artifact.
type embeddingsHeader struct {
	Magic      [4]byte
	Version    uint32
	Generation [16]byte
	Count      uint32
	Dimensions uint32
}

var (
	// ErrNoCache is returned when no cache has been written.
	ErrNoCache = errors.New("no vector cache")
	// ErrCorrupt is returned when cache artifacts are malformed or inconsistent with each other.
	ErrCorrupt = errors.New("vector cache corrupt")
	// ErrExpired is returned when the cache is older than its validity window.
	ErrExpired = errors.New("vector cache expired")
	// ErrModelMismatch is returned when the cache was built with another embedding model.
	ErrModelMismatch = errors.New("vector cache built with another model")
)

// Metadata is the content of metadata.json.
type Metadata struct {
	Version      int               `json:"version"`
	Model        string            `json:"model"`
	Dimensions   int               `json:"dimensions"`
	Count        int               `json:"count"`
	Generation   string            `json:"generation"`
	CreatedAt    time.Time         `json:"created_at"`
	RuleIDs      []string          `json:"rule_ids"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"`
}

// Record is a loaded cache: vectors[i] belongs to IDs[i].
type Record struct {
	IDs          []string
	Vectors      [][]float32
	Model        string
	Dimensions   int
	CreatedAt    time.Time
	Generation   string
	Fingerprints map[string]string
	pos          map[string]int
}

// Vector returns the cached vector for id.
func (r *Record) Vector(id string) ([]float32, bool) {
	i, ok := r.pos[id]
	if !ok {
		return nil, false
	}
	return r.Vectors[i], true
}

// Has reports whether id is cached.
func (r *Record) Has(id string) bool {
	_, ok := r.pos[id]
	return ok
}

// Cache reads and writes the cache directory for one embedding model.
type Cache struct {
	dir      string
	model    string
	validity time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for creation times and age checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for corrupt-cache warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Cache over dir for model. validity <= 0 means 24 hours.
func New(dir, model string, validity time.Duration, opts ...Option) *Cache {
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	c := &Cache{dir: dir, model: model, validity: validity, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// IndexPath returns the base path for a vector index persisted alongside cache generation gen.
func (c *Cache) IndexPath(gen string) string {
	return filepath.Join(c.dir, IndexFile+"-"+gen)
}

// PruneIndexes removes persisted indexes of every generation except keep.
func (c *Cache) PruneIndexes(keep string) error {
	paths, err := filepath.Glob(filepath.Join(c.dir, IndexFile+"-*"))
	if err != nil {
		return err
	}
	prefix := c.IndexPath(keep)
	var errs []error
	for _, p := range paths {
		if keep != "" && strings.HasPrefix(p, prefix) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fingerprint returns a content hash of the text embedded for rule.
func Fingerprint(rule models.RuleEntry) string {
	sum := sha256.Sum256([]byte(embedding.ComposeRuleText(rule)))
	return hex.EncodeToString(sum[:16])
}

// Fingerprints returns fingerprints for rules keyed by ID.
func Fingerprints(rules []models.RuleEntry) map[string]string {
	out := make(map[string]string, len(rules))
	for _, r := range rules {
		out[r.ID] = Fingerprint(r)
	}
	return out
}

// Metadata reads metadata.json without loading vectors.
func (c *Cache) Metadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, MetadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCache
		}
		return nil, fmt.Errorf("%w: read metadata: %v", ErrCorrupt, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse metadata: %v", ErrCorrupt, err)
	}
	if meta.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, meta.Version)
	}
	if meta.Count != len(meta.RuleIDs) || meta.Generation == "" || meta.Dimensions < 0 {
		return nil, fmt.Errorf("%w: metadata count %d for %d ids", ErrCorrupt, meta.Count, len(meta.RuleIDs))
	}
	return &meta, nil
}

// Load reads all three artifacts. It returns ErrNoCache when nothing was written and ErrCorrupt
// when any artifact is malformed or the artifacts disagree. It never checks validity.
func (c *Cache) Load() (*Record, error) {
	rec, err := c.load()
	if err != nil && errors.Is(err, ErrCorrupt) {
		c.logger.Warn("Ignoring corrupt vector cache", zap.String("dir", c.dir), zap.Error(err))
	}
	return rec, err
}

func (c *Cache) load() (*Record, error) {
	meta, err := c.Metadata()
	if err != nil {
		return nil, err
	}

	ts, err := os.ReadFile(filepath.Join(c.dir, TimestampFile))
	if err != nil {
		return nil, fmt.Errorf("%w: read timestamp: %v", ErrCorrupt, err)
	}
	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(ts)))
	if err != nil {
		return nil, fmt.Errorf("%w: parse timestamp: %v", ErrCorrupt, err)
	}
	if !created.Equal(meta.CreatedAt) {
		return nil, fmt.Errorf("%w: timestamp %s does not match metadata %s", ErrCorrupt, created, meta.CreatedAt)
	}

	vectors, err := c.readEmbeddings(meta)
	if err != nil {
		return nil, err
	}

	pos := make(map[string]int, len(meta.RuleIDs))
	for i, id := range meta.RuleIDs {
		if _, dup := pos[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrCorrupt, id)
		}
		pos[id] = i
	}
	return &Record{
		IDs:          meta.RuleIDs,
		Vectors:      vectors,
		Model:        meta.Model,
		Dimensions:   meta.Dimensions,
		CreatedAt:    meta.CreatedAt,
		Generation:   meta.Generation,
		Fingerprints: meta.Fingerprints,
		pos:          pos,
	}, nil
}

func (c *Cache) readEmbeddings(meta *Metadata) ([][]float32, error) {
	f, err := os.Open(filepath.Join(c.dir, EmbeddingsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: open embeddings: %v", ErrCorrupt, err)
	}
	defer f.Close()
	r := bufio.NewReader(snappy.NewReader(f))

	var hdr embeddingsHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorrupt, err)
	}
	gen, err := uuid.Parse(meta.Generation)
	if err != nil {
		return nil, fmt.Errorf("%w: generation: %v", ErrCorrupt, err)
	}
	switch {
	case hdr.Magic != embeddingsMagic, hdr.Version != formatVersion:
		return nil, fmt.Errorf("%w: bad embeddings header", ErrCorrupt)
	case hdr.Generation != gen:
		return nil, fmt.Errorf("%w: embeddings generation does not match metadata", ErrCorrupt)
	case int(hdr.Count) != meta.Count || int(hdr.Dimensions) != meta.Dimensions:
		return nil, fmt.Errorf("%w: embeddings shape %dx%d, metadata %dx%d", ErrCorrupt, hdr.Count, hdr.Dimensions, meta.Count, meta.Dimensions)
	}

	dims := int(hdr.Dimensions)
	vectors := make([][]float32, hdr.Count)
	buf := make([]byte, dims*4)
	for i := range vectors {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: read vector %d: %v", ErrCorrupt, i, err)
		}
		v := make([]float32, dims)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		vectors[i] = v
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data in embeddings", ErrCorrupt)
	}
	return vectors, nil
}

// Valid loads the cache and checks it against the configured model and validity window.
func (c *Cache) Valid() (*Record, error) {
	rec, err := c.Load()
	if err != nil {
		return nil, err
	}
	if rec.Model != c.model {
		return nil, fmt.Errorf("%w: cached %q, configured %q", ErrModelMismatch, rec.Model, c.model)
	}
	age := c.now().Sub(rec.CreatedAt)
	if age < 0 || age >= c.validity {
		return nil, fmt.Errorf("%w: age %v, validity %v", ErrExpired, age.Round(time.Second), c.validity)
	}
	return rec, nil
}

// IsValid reports whether the cache is readable, built with the configured model, and younger
// than the validity window. A timestamp in the future is treated as invalid.
func (c *Cache) IsValid() bool {
	_, err := c.Valid()
	return err == nil
}

// Age returns the time since the cache was written.
func (c *Cache) Age() (time.Duration, error) {
	meta, err := c.Metadata()
	if err != nil {
		return 0, err
	}
	return c.now().Sub(meta.CreatedAt), nil
}

// NeedsUpdate returns the IDs (in input order) that have no usable cached vector: all of them
// when the cache is missing, corrupt, expired, or built with another model.
func (c *Cache) NeedsUpdate(ids []string) []string {
	rec, err := c.Valid()
	if err != nil {
		return append([]string(nil), ids...)
	}
	var missing []string
	for _, id := range ids {
		if !rec.Has(id) {
			missing = append(missing, id)
		}
	}
	return missing
}

// Stale is NeedsUpdate for rules, additionally returning IDs whose cached fingerprint differs.
func (c *Cache) Stale(rules []models.RuleEntry) []string {
	rec, err := c.Valid()
	if err != nil {
		return models.RuleIDs(rules)
	}
	return StaleIn(rec, rules)
}

// StaleIn returns the IDs of rules that rec has no current vector for.
func StaleIn(rec *Record, rules []models.RuleEntry) []string {
	var stale []string
	for _, r := range rules {
		if !rec.Has(r.ID) || rec.Fingerprints[r.ID] != Fingerprint(r) {
			stale = append(stale, r.ID)
		}
	}
	return stale
}

// Save replaces the cache with ids and vectors. All vectors must share one dimension.
// fingerprints may be nil.
func (c *Cache) Save(ids []string, vectors [][]float32, fingerprints map[string]string) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vectors))
	}
	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("vector %s has %d dimensions, expected %d", ids[i], len(v), dims)
		}
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	gen := uuid.New()
	created := c.now().UTC()
	meta := Metadata{
		Version:      formatVersion,
		Model:        c.model,
		Dimensions:   dims,
		Count:        len(ids),
		Generation:   gen.String(),
		CreatedAt:    created,
		RuleIDs:      append([]string(nil), ids...),
		Fingerprints: fingerprints,
	}

	if err := utils.WriteFileAtomic(filepath.Join(c.dir, EmbeddingsFile), func(w io.Writer) error {
		return writeEmbeddings(w, gen, vectors, dims)
	}); err != nil {
		return fmt.Errorf("write embeddings: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(c.dir, TimestampFile), func(w io.Writer) error {
		_, err := io.WriteString(w, created.Format(time.RFC3339Nano)+"\n")
		return err
	}); err != nil {
		return fmt.Errorf("write timestamp: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(c.dir, MetadataFile), func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	}); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	c.logger.Debug("Saved vector cache", zap.String("dir", c.dir), zap.Int("count", len(ids)), zap.Int("dimensions", dims))
	return nil
}

func writeEmbeddings(w io.Writer, gen uuid.UUID, vectors [][]float32, dims int) error {
	sw := snappy.NewBufferedWriter(w)
	hdr := embeddingsHeader{
		Magic:      embeddingsMagic,
		Version:    formatVersion,
		Generation: gen,
		Count:      uint32(len(vectors)),
		Dimensions: uint32(dims),
	}
	if err := binary.Write(sw, binary.LittleEndian, hdr); err != nil {
		return err
	}
	buf := make([]byte, dims*4)
	for _, v := range vectors {
		for j, f := range v {
			binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(f))
		}
		if _, err := sw.Write(buf); err != nil {
			return err
		}
	}
	return sw.Close()
}

// Invalidate removes the cache artifacts and any persisted index. Missing files are ignored.
func (c *Cache) Invalidate() error {
	// metadata first so a concurrent reader sees "no cache" rather than a mismatched set
	names := []string{MetadataFile, EmbeddingsFile, TimestampFile}
	indexFiles, _ := filepath.Glob(filepath.Join(c.dir, IndexFile+"*"))
	var errs []error
	for _, name := range names {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for _, p := range indexFiles {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiskUsage returns the bytes used by the cache directory.
func (c *Cache) DiskUsage() (int64, error) {
	return utils.DiskUsageBytes(c.dir)
}

// Info summarizes the cache for status output.
type Info struct {
	Dir            string    `json:"dir"`
	Exists         bool      `json:"exists"`
	Valid          bool      `json:"valid"`
	Reason         string    `json:"reason,omitempty"`
	Model          string    `json:"model,omitempty"`
	Dimensions     int       `json:"dimensions,omitempty"`
	Count          int       `json:"count"`
	Generation     string    `json:"generation,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	AgeSeconds     float64   `json:"age_seconds,omitempty"`
	ValidityHours  float64   `json:"validity_hours"`
	DiskUsageBytes int64     `json:"disk_usage_bytes"`
}

// Info returns a summary of the cache. It reads metadata only.
func (c *Cache) Info() Info {
	info := Info{Dir: c.dir, ValidityHours: c.validity.Hours()}
	if n, err := c.DiskUsage(); err == nil {
		info.DiskUsageBytes = n
	}
	meta, err := c.Metadata()
	if err != nil {
		info.Reason = err.Error()
		return info
	}
	info.Exists = true
	info.Model = meta.Model
	info.Dimensions = meta.Dimensions
	info.Count = meta.Count
	info.Generation = meta.Generation
	info.CreatedAt = meta.CreatedAt
	age := c.now().Sub(meta.CreatedAt)
	info.AgeSeconds = age.Seconds()
	switch {
	case meta.Model != c.model:
		info.Reason = fmt.Sprintf("%v: cached %q, configured %q", ErrModelMismatch, meta.Model, c.model)
	case age < 0 || age >= c.validity:
		info.Reason = fmt.Sprintf("%v: age %v", ErrExpired, age.Round(time.Second))
	default:
		info.Valid = true
	}
	return info
}
