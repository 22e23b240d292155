package matcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/rulesense/internal/embedding"
	"github.com/hyperjump/rulesense/internal/keyword"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vectorcache"
)

// fakeEmbedder returns fixed vectors for known texts and query for anything else.
type fakeEmbedder struct {
	dims     int
	vectors  map[string][]float32
	query    []float32
	embedErr error
	batchErr error

	mu      sync.Mutex
	batches [][]string
	closed  bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	if v, ok := f.vectors[text]; ok {
		return append([]float32(nil), v...), nil
	}
	return append([]float32(nil), f.query...), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = append([]float32(nil), v...)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Model() string   { return "fake" }
func (f *fakeEmbedder) Close() error {
	f.closed = true
	return nil
}

func (f *fakeEmbedder) embeddedTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

// countingEmbedder records the texts embedded in batches.
type countingEmbedder struct {
	embedding.Embedder
	mu    sync.Mutex
	texts []string
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.texts = append(c.texts, texts...)
	c.mu.Unlock()
	return c.Embedder.EmbedBatch(ctx, texts)
}

type fakeKeyword struct {
	results []models.MatchResult
	indexed []models.RuleEntry
	calls   int
	closed  bool
}

func (f *fakeKeyword) Index(ctx context.Context, rules []models.RuleEntry) error {
	f.indexed = rules
	return nil
}

func (f *fakeKeyword) Match(ctx context.Context, op string, input models.OperationInput) []models.MatchResult {
	f.calls++
	return append([]models.MatchResult(nil), f.results...)
}

func (f *fakeKeyword) Close() error {
	f.closed = true
	return nil
}

func basisRules() []models.RuleEntry {
	return []models.RuleEntry{
		{ID: "ERR-001", Title: "one"},
		{ID: "ERR-002", Title: "two"},
		{ID: "ERR-003", Title: "three"},
		{ID: "ERR-004", Title: "four"},
	}
}

// basisEmbedder maps the four basis rules onto the unit axes.
func basisEmbedder(query []float32) *fakeEmbedder {
	vectors := make(map[string][]float32)
	for i, r := range basisRules() {
		v := make([]float32, 4)
		v[i] = 1
		vectors[embedding.ComposeRuleText(r)] = v
	}
	return &fakeEmbedder{dims: 4, vectors: vectors, query: query}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.IndexType = "memory"
	return opts
}

func newTestMatcher(t *testing.T, e embedding.Embedder, kw keyword.Matcher, cache RuleCache, opts Options) *HybridMatcher {
	t.Helper()
	m, err := New(e, kw, cache, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func ids(results []models.MatchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Rule.ID
	}
	return out
}

func TestMatch_BoundaryValuesAreSemantic(t *testing.T) {
	// Three non-negative hits at exactly 0.5; the fourth rule scores -0.5 and is dropped.
	kw := &fakeKeyword{}
	m := newTestMatcher(t, basisEmbedder([]float32{0.5, 0.5, 0.5, -0.5}), kw, nil, testOptions())
	if err := m.Initialize(context.Background(), basisRules()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	out := m.MatchDetailed(context.Background(), "Edit", nil)
	if out.Path != PathSemantic {
		t.Fatalf("path = %s, want %s (max=%v hits=%d)", out.Path, PathSemantic, out.MaxSemanticScore, out.SemanticHits)
	}
	if kw.calls != 0 {
		t.Errorf("keyword matcher called %d times on the semantic path", kw.calls)
	}
	if got, want := ids(out.Results), []string{"ERR-001", "ERR-002", "ERR-003"}; !reflect.DeepEqual(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
	for _, r := range out.Results {
		if r.Score != 0.5 || r.Provenance != models.ProvenanceSemantic {
			t.Errorf("%s: score=%v provenance=%s", r.Rule.ID, r.Score, r.Provenance)
		}
	}
}

func TestMatch_BelowThresholdMergesKeyword(t *testing.T) {
	kw := &fakeKeyword{results: []models.MatchResult{
		{Rule: models.RuleEntry{ID: "ERR-004", Title: "four"}, Score: 0.49, Provenance: models.ProvenanceKeyword},
		{Rule: models.RuleEntry{ID: "ERR-001", Title: "one"}, Score: 0.3, Provenance: models.ProvenanceKeyword},
	}}
	opts := testOptions()
	opts.SimilarityThreshold = 0.51
	m := newTestMatcher(t, basisEmbedder([]float32{0.5, 0.5, 0.5, -0.5}), kw, nil, opts)
	_ = m.Initialize(context.Background(), basisRules())

	out := m.MatchDetailed(context.Background(), "Edit", nil)
	if out.Path != PathHybrid {
		t.Fatalf("path = %s, want %s", out.Path, PathHybrid)
	}
	if got, want := ids(out.Results), []string{"ERR-001", "ERR-002", "ERR-003", "ERR-004"}; !reflect.DeepEqual(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
	if out.Results[0].Provenance != models.ProvenanceSemantic || out.Results[3].Provenance != models.ProvenanceKeyword {
		t.Errorf("provenance: %+v", out.Results)
	}
}

func TestMatch_TooFewHitsMergesKeyword(t *testing.T) {
	kw := &fakeKeyword{}
	opts := testOptions()
	opts.MinResults = 4
	m := newTestMatcher(t, basisEmbedder([]float32{0.5, 0.5, 0.5, -0.5}), kw, nil, opts)
	_ = m.Initialize(context.Background(), basisRules())

	out := m.MatchDetailed(context.Background(), "Edit", nil)
	if out.Path != PathHybrid || kw.calls != 1 {
		t.Errorf("path = %s, keyword calls = %d", out.Path, kw.calls)
	}
}

func TestMatch_MaxResults(t *testing.T) {
	opts := testOptions()
	opts.MaxResults = 2
	m := newTestMatcher(t, basisEmbedder([]float32{0.5, 0.5, 0.5, 0.5}), &fakeKeyword{}, nil, opts)
	_ = m.Initialize(context.Background(), basisRules())
	if got := m.Match(context.Background(), "Edit", nil); len(got) != 2 {
		t.Errorf("got %d results, want 2", len(got))
	}
}

func catalogRules() []models.RuleEntry {
	return []models.RuleEntry{
		{ID: "ERR-003", Title: "Edit failed", Problem: "Old text missing", Solution: "Read before editing"},
		{ID: "ERR-023", Title: "UTF-16 resource file corrupted", Problem: "Editing .rc files with the wrong encoding", Solution: "Convert rc file encoding before edit"},
		{ID: "ERR-050", Title: "Force push rewrote history", Problem: "git push --force on a shared branch", Solution: "Use git push --force-with-lease"},
	}
}

func TestMatch_FallbackEqualsKeywordOnly(t *testing.T) {
	rules := catalogRules()
	input := models.OperationInput{"file_path": "res/app.rc", "old_string": "a", "new_string": "b"}

	direct := keyword.NewRuleTableMatcher(0.49, nil)
	_ = direct.Index(context.Background(), rules)
	want := truncate(direct.Match(context.Background(), "Edit", input), testOptions().MaxResults)
	if len(want) == 0 {
		t.Fatal("keyword matcher should match the .rc edit")
	}

	emb := &fakeEmbedder{dims: 8, embedErr: fmt.Errorf("slow model: %w", embedding.ErrTimeout)}
	hash := embedding.NewHashEmbedder(8)
	emb.vectors = make(map[string][]float32)
	for _, text := range embedding.ComposeRuleTexts(rules) {
		emb.vectors[text], _ = hash.Embed(context.Background(), text)
	}
	m := newTestMatcher(t, emb, keyword.NewRuleTableMatcher(0.49, nil), nil, testOptions())
	if err := m.Initialize(context.Background(), rules); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !m.SemanticEnabled() {
		t.Fatal("semantic matching should be enabled after a successful build")
	}

	out := m.MatchDetailed(context.Background(), "Edit", input)
	if out.Path != PathKeywordOnly {
		t.Fatalf("path = %s, want %s", out.Path, PathKeywordOnly)
	}
	if !errors.Is(out.Err, embedding.ErrTimeout) {
		t.Errorf("absorbed error = %v, want ErrTimeout", out.Err)
	}
	if !reflect.DeepEqual(out.Results, want) {
		t.Errorf("fallback results differ from keyword-only results:\n got %+v\nwant %+v", out.Results, want)
	}
}

func TestInitialize_UnavailableDisablesSemantic(t *testing.T) {
	emb := &fakeEmbedder{dims: 4, batchErr: fmt.Errorf("load model: %w", embedding.ErrUnavailable)}
	kw := &fakeKeyword{results: []models.MatchResult{
		{Rule: models.RuleEntry{ID: "ERR-001", Title: "one"}, Score: 0.49, Provenance: models.ProvenanceKeyword},
	}}
	m := newTestMatcher(t, emb, kw, nil, testOptions())
	if err := m.Initialize(context.Background(), basisRules()); err != nil {
		t.Fatalf("Initialize should absorb embedder failures: %v", err)
	}
	if m.SemanticEnabled() {
		t.Fatal("semantic matching should be disabled")
	}
	if len(kw.indexed) != len(basisRules()) {
		t.Errorf("keyword matcher indexed %d rules", len(kw.indexed))
	}
	out := m.MatchDetailed(context.Background(), "Edit", nil)
	if out.Path != PathSemanticDisabled || !errors.Is(out.Err, embedding.ErrUnavailable) {
		t.Errorf("path = %s, err = %v", out.Path, out.Err)
	}
	if !reflect.DeepEqual(out.Results, kw.results) {
		t.Errorf("results = %+v", out.Results)
	}
	if st := m.Status(); st.SemanticEnabled || st.DisabledReason == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestInitialize_WarmCacheUnavailableEmbedderDisablesSemantic(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()

	warm := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, newTestCache(t, dir), testOptions())
	if err := warm.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}

	lazy := embedding.NewLazy("hash:test", 16, func() (embedding.Embedder, error) {
		return nil, errors.New("model file missing")
	})
	m := newTestMatcher(t, embedding.WithTimeout(lazy, time.Second), &fakeKeyword{}, newTestCache(t, dir), testOptions())
	if err := m.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	if !lazy.Loaded() {
		t.Error("Initialize should load the embedder")
	}
	if m.SemanticEnabled() {
		t.Fatal("semantic matching should be disabled for the session")
	}
	out := m.MatchDetailed(ctx, "Bash", models.OperationInput{models.InputCommand: "git push"})
	if out.Path != PathSemanticDisabled || !errors.Is(out.Err, embedding.ErrUnavailable) {
		t.Errorf("path = %s, err = %v", out.Path, out.Err)
	}
}

func TestInitialize_InvalidRules(t *testing.T) {
	m := newTestMatcher(t, basisEmbedder(nil), &fakeKeyword{}, nil, testOptions())
	err := m.Initialize(context.Background(), []models.RuleEntry{{ID: "ERR-001"}})
	if !errors.Is(err, models.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
	err = m.Initialize(context.Background(), []models.RuleEntry{{ID: "A", Title: "a"}, {ID: "A", Title: "b"}})
	if !errors.Is(err, models.ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestInitialize_EmptyCatalog(t *testing.T) {
	kw := &fakeKeyword{}
	m := newTestMatcher(t, basisEmbedder(nil), kw, nil, testOptions())
	if err := m.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	out := m.MatchDetailed(context.Background(), "Edit", nil)
	if len(out.Results) != 0 || out.Results == nil {
		t.Errorf("results = %#v, want empty slice", out.Results)
	}
	if out.Path != PathHybrid {
		t.Errorf("path = %s, want %s", out.Path, PathHybrid)
	}
}

func newTestCache(t *testing.T, dir string) *vectorcache.Cache {
	t.Helper()
	return vectorcache.New(dir, "hash:test", time.Hour)
}

func TestInitialize_IncrementalEmbedsOnlyNewRule(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()

	first := &countingEmbedder{Embedder: embedding.NewHashEmbedder(16)}
	m1 := newTestMatcher(t, first, &fakeKeyword{}, newTestCache(t, dir), testOptions())
	if err := m1.Initialize(ctx, rules[:2]); err != nil {
		t.Fatal(err)
	}
	if len(first.texts) != 2 {
		t.Fatalf("first init embedded %d rules, want 2", len(first.texts))
	}
	before, err := newTestCache(t, dir).Valid()
	if err != nil {
		t.Fatalf("cache after first init: %v", err)
	}

	second := &countingEmbedder{Embedder: embedding.NewHashEmbedder(16)}
	m2 := newTestMatcher(t, second, &fakeKeyword{}, newTestCache(t, dir), testOptions())
	if err := m2.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	if want := []string{embedding.ComposeRuleText(rules[2])}; !reflect.DeepEqual(second.texts, want) {
		t.Fatalf("second init embedded %v, want %v", second.texts, want)
	}
	st := m2.Status().LastInit
	if st.Embedded != 1 || st.Reused != 2 || !st.CacheSaved {
		t.Errorf("stats = %+v", st)
	}

	after, err := newTestCache(t, dir).Valid()
	if err != nil {
		t.Fatalf("cache after second init: %v", err)
	}
	if len(after.IDs) != 3 {
		t.Fatalf("cache holds %d ids, want 3", len(after.IDs))
	}
	for _, id := range before.IDs {
		old, _ := before.Vector(id)
		cur, _ := after.Vector(id)
		if !reflect.DeepEqual(old, cur) {
			t.Errorf("vector for %s changed", id)
		}
	}
}

func TestInitialize_ChangedRuleIsReembedded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()

	m1 := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, newTestCache(t, dir), testOptions())
	_ = m1.Initialize(ctx, rules)

	rules[1].Solution = "Save rc files as UTF-16 LE"
	emb := &countingEmbedder{Embedder: embedding.NewHashEmbedder(16)}
	m2 := newTestMatcher(t, emb, &fakeKeyword{}, newTestCache(t, dir), testOptions())
	_ = m2.Initialize(ctx, rules)
	if want := []string{embedding.ComposeRuleText(rules[1])}; !reflect.DeepEqual(emb.texts, want) {
		t.Errorf("embedded %v, want %v", emb.texts, want)
	}
}

func TestInitialize_DimensionChangeReembedsAll(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()

	m1 := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, newTestCache(t, dir), testOptions())
	_ = m1.Initialize(ctx, rules)

	emb := &countingEmbedder{Embedder: embedding.NewHashEmbedder(32)}
	m2 := newTestMatcher(t, emb, &fakeKeyword{}, newTestCache(t, dir), testOptions())
	if err := m2.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	if len(emb.texts) != len(rules) {
		t.Errorf("embedded %d rules, want %d", len(emb.texts), len(rules))
	}
	st := m2.Status()
	if !st.SemanticEnabled || st.Dimensions != 32 || !st.LastInit.FullReembed {
		t.Errorf("status = %+v", st)
	}
}

func TestInitialize_PersistedIndexReused(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()
	opts := testOptions()
	opts.PersistIndex = true

	m1 := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, newTestCache(t, dir), opts)
	if err := m1.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}

	emb := &countingEmbedder{Embedder: embedding.NewHashEmbedder(16)}
	m2 := newTestMatcher(t, emb, &fakeKeyword{}, newTestCache(t, dir), opts)
	if err := m2.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	st := m2.Status().LastInit
	if !st.FromPersistedIndex || st.Reused != len(rules) || len(emb.texts) != 0 {
		t.Errorf("stats = %+v, embedded %d", st, len(emb.texts))
	}

	q := models.OperationInput{"command": "git push --force"}
	got := m2.MatchDetailed(ctx, "Bash", q)
	want := m1.MatchDetailed(ctx, "Bash", q)
	if !reflect.DeepEqual(ids(got.Results), ids(want.Results)) {
		t.Errorf("persisted index results %v, built index results %v", ids(got.Results), ids(want.Results))
	}
}

func TestInitialize_CorruptPersistedIndexIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rules := catalogRules()
	opts := testOptions()
	opts.PersistIndex = true

	m1 := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, newTestCache(t, dir), opts)
	if err := m1.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	cache := newTestCache(t, dir)
	meta, err := cache.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	// Dimension 16 followed by a vector count the file cannot hold.
	corrupt := []byte{16, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	if err := os.WriteFile(cache.IndexPath(meta.Generation), corrupt, 0644); err != nil {
		t.Fatal(err)
	}

	m2 := newTestMatcher(t, embedding.NewHashEmbedder(16), &fakeKeyword{}, cache, opts)
	if err := m2.Initialize(ctx, rules); err != nil {
		t.Fatal(err)
	}
	st := m2.Status()
	if !st.SemanticEnabled || st.LastInit.FromPersistedIndex || st.LastInit.Reused != len(rules) {
		t.Errorf("status = %+v", st)
	}
}

func TestReload(t *testing.T) {
	kw := &fakeKeyword{}
	m := newTestMatcher(t, basisEmbedder([]float32{1, 0, 0, 0}), kw, nil, testOptions())
	ctx := context.Background()
	_ = m.Initialize(ctx, basisRules())
	if err := m.Reload(ctx, basisRules()[1:]); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := len(m.Rules()); n != 3 {
		t.Errorf("rules after reload = %d", n)
	}
	for _, r := range m.Match(ctx, "Edit", nil) {
		if r.Rule.ID == "ERR-001" {
			t.Error("removed rule still matched after reload")
		}
	}
}

func TestClose(t *testing.T) {
	emb := basisEmbedder([]float32{1, 0, 0, 0})
	kw := &fakeKeyword{}
	m, err := New(emb, kw, nil, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = m.Initialize(context.Background(), basisRules())
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !emb.closed || !kw.closed {
		t.Error("Close should release embedder and keyword matcher")
	}
	if m.SemanticEnabled() {
		t.Error("closed matcher reports semantic enabled")
	}
	if got := m.Match(context.Background(), "Edit", nil); got == nil {
		t.Error("Match after Close should return an empty slice")
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.SimilarityThreshold = 1.5
	if _, err := New(basisEmbedder(nil), &fakeKeyword{}, nil, opts, nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("expected ErrInvalidOptions, got %v", err)
	}
	if _, err := New(nil, &fakeKeyword{}, nil, testOptions(), nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("expected ErrInvalidOptions for nil embedder, got %v", err)
	}
}

func TestConcurrentMatchAndReload(t *testing.T) {
	m := newTestMatcher(t, basisEmbedder([]float32{0.5, 0.5, 0.5, 0.5}), keyword.NewRuleTableMatcher(0.49, nil), nil, testOptions())
	ctx := context.Background()
	_ = m.Initialize(ctx, basisRules())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Match(ctx, "Edit", nil)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_ = m.Reload(ctx, basisRules())
	}
	wg.Wait()
}
