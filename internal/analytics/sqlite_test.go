package analytics

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestStore(t *testing.T) (*SQLiteStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "analytics.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestSQLiteStore_RecordAndCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordViews(ctx, []string{"err-001", "ERR-002", " "}, "Edit"); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordViews(ctx, []string{"ERR-001"}, "Write"); err != nil {
		t.Fatal(err)
	}
	n, err := store.ViewCount(ctx, "ERR-001")
	if err != nil || n != 2 {
		t.Errorf("ERR-001 views = %d, %v", n, err)
	}
	if n, _ := store.ViewCount(ctx, "err-002"); n != 1 {
		t.Errorf("ERR-002 views = %d", n)
	}
	if n, _ := store.ViewCount(ctx, "ERR-404"); n != 0 {
		t.Errorf("unknown rule views = %d", n)
	}
	if err := store.RecordViews(ctx, nil, "Edit"); err != nil {
		t.Errorf("empty record: %v", err)
	}
}

func TestSQLiteStore_FrequentAndRecent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = store.RecordViews(ctx, []string{"ERR-001"}, "Edit")
	}
	for i := 0; i < 3; i++ {
		_ = store.RecordViews(ctx, []string{"ERR-002"}, "Edit")
	}
	_ = store.RecordViews(ctx, []string{"ERR-003"}, "Edit")

	frequent, err := store.Frequent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []RuleCount{{"ERR-001", 4}, {"ERR-002", 3}}
	if !reflect.DeepEqual(frequent, want) {
		t.Errorf("Frequent = %v, want %v", frequent, want)
	}

	clock.t = clock.t.Add(2 * time.Hour)
	_ = store.RecordViews(ctx, []string{"ERR-003"}, "Bash")
	recent, err := store.Recent(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if want := []RuleCount{{"ERR-003", 1}}; !reflect.DeepEqual(recent, want) {
		t.Errorf("Recent(1h) = %v, want %v", recent, want)
	}
}

func TestSQLiteStore_RetentionAndHistory(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	_ = store.RecordViews(ctx, []string{"ERR-001"}, "Edit")
	clock.t = clock.t.Add(RetentionDays*24*time.Hour + time.Minute)
	_ = store.RecordViews(ctx, []string{"ERR-001"}, "Edit")

	history, err := store.History(ctx, "ERR-001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || !history[0].Equal(clock.t) {
		t.Errorf("history = %v, want only %v", history, clock.t)
	}
	if n, _ := store.ViewCount(ctx, "ERR-001"); n != 2 {
		t.Errorf("view counts survive retention, got %d", n)
	}

	clock.t = clock.t.Add(RetentionDays * 24 * time.Hour)
	pruned, err := store.Prune(ctx)
	if err != nil || pruned != 1 {
		t.Errorf("Prune = %d, %v", pruned, err)
	}
}

func TestSQLiteStore_HistoryCapped(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < MaxHistory+5; i++ {
		clock.t = clock.t.Add(time.Second)
		_ = store.RecordViews(ctx, []string{"ERR-001"}, "Edit")
	}
	history, _ := store.History(ctx, "ERR-001", 1000)
	if len(history) != MaxHistory {
		t.Errorf("history length = %d, want %d", len(history), MaxHistory)
	}
	if !history[0].Equal(clock.t) {
		t.Errorf("newest entry = %v, want %v", history[0], clock.t)
	}
}

func TestSQLiteStore_SummaryAndReset(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	_ = store.RecordViews(ctx, []string{"ERR-001", "ERR-002"}, "Edit")

	sum, err := store.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalViews != 2 || sum.RulesTracked != 2 || len(sum.MostRecent) != 2 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.LastUpdated == nil || !sum.LastUpdated.Equal(clock.t) {
		t.Errorf("last updated = %v", sum.LastUpdated)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	sum, _ = store.Summary(ctx)
	if sum.TotalViews != 0 || sum.RulesTracked != 0 || sum.LastUpdated != nil {
		t.Errorf("summary after reset = %+v", sum)
	}
}
