package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithRetention overrides the trigger event retention (RetentionDays when <= 0).
func WithRetention(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// Hook invocations run as separate processes; wait on a locked database instead of failing.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, retention: RetentionDays * 24 * time.Hour, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rule_views (
		rule_id TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0,
		last_viewed INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rule_triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		tool TEXT,
		triggered_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_triggers_rule_time ON rule_triggers(rule_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_triggers_time ON rule_triggers(triggered_at);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordViews implements Store. Rule IDs are stored upper-cased.
func (s *SQLiteStore) RecordViews(ctx context.Context, ruleIDs []string, tool string) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range ruleIDs {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_views (rule_id, count, last_viewed) VALUES (?, 1, ?)
			 ON CONFLICT(rule_id) DO UPDATE SET count = count + 1, last_viewed = excluded.last_viewed`,
			id, now,
		); err != nil {
			return fmt.Errorf("failed to count view: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rule_triggers (rule_id, tool, triggered_at) VALUES (?, ?, ?)`,
			id, tool, now,
		); err != nil {
			return fmt.Errorf("failed to record trigger: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rule_triggers WHERE rule_id = ? AND id NOT IN (
				SELECT id FROM rule_triggers WHERE rule_id = ?
				ORDER BY triggered_at DESC, id DESC LIMIT ?)`,
			id, id, MaxHistory,
		); err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_triggers WHERE triggered_at <= ?`, s.cutoff()); err != nil {
		return fmt.Errorf("failed to prune triggers: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) cutoff() int64 {
	return s.now().Add(-s.retention).UnixNano()
}

// ViewCount implements Store.
func (s *SQLiteStore) ViewCount(ctx context.Context, ruleID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rule_views WHERE rule_id = ?`, strings.ToUpper(ruleID),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// Frequent implements Store.
func (s *SQLiteStore) Frequent(ctx context.Context, limit int) ([]RuleCount, error) {
	return s.counts(ctx,
		`SELECT rule_id, count FROM rule_views WHERE count >= ?
		 ORDER BY count DESC, rule_id LIMIT ?`,
		FrequentThreshold, limit,
	)
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, window time.Duration, limit int) ([]RuleCount, error) {
	since := s.now().Add(-window).UnixNano()
	return s.counts(ctx,
		`SELECT rule_id, COUNT(*) AS n FROM rule_triggers WHERE triggered_at > ?
		 GROUP BY rule_id ORDER BY n DESC, rule_id LIMIT ?`,
		since, limit,
	)
}

func (s *SQLiteStore) counts(ctx context.Context, query string, args ...interface{}) ([]RuleCount, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RuleCount{}
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, ruleID string, limit int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT triggered_at FROM rule_triggers WHERE rule_id = ?
		 ORDER BY triggered_at DESC, id DESC LIMIT ?`,
		strings.ToUpper(ruleID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, time.Unix(0, ns))
	}
	return out, rows.Err()
}

// Summary implements Store.
func (s *SQLiteStore) Summary(ctx context.Context) (*Summary, error) {
	var sum Summary
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0), COUNT(*), MAX(last_viewed) FROM rule_views`,
	).Scan(&sum.TotalViews, &sum.RulesTracked, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := time.Unix(0, last.Int64)
		sum.LastUpdated = &t
	}
	if sum.MostFrequent, err = s.Frequent(ctx, 5); err != nil {
		return nil, err
	}
	if sum.MostRecent, err = s.Recent(ctx, 24*time.Hour, 5); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rule_triggers WHERE triggered_at <= ?`, s.cutoff())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rule_triggers; DELETE FROM rule_views;`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
