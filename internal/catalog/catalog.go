// Package catalog reads rule entries from markdown catalog files.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/rulesense/internal/models"
	"go.uber.org/zap"
)

// ErrNoCatalog is returned when none of the configured catalog files exist.
var ErrNoCatalog = errors.New("no catalog found")

var headerRe = regexp.MustCompile(`^###\s+(ERR-\d+):\s*(.+)$`)

// field markers in the order they are checked; the first match on a line wins.
var fieldMarkers = []struct {
	marker string
	set    func(r *models.RuleEntry, v string)
}{
	{"**Problem**:", func(r *models.RuleEntry, v string) { r.Problem = v }},
	{"**Root Cause**:", func(r *models.RuleEntry, v string) { r.RootCause = v }},
	{"**Solution**:", func(r *models.RuleEntry, v string) { r.Solution = v }},
	{"**Prevention**:", func(r *models.RuleEntry, v string) { r.Prevention = v }},
	{"**Category**:", func(r *models.RuleEntry, v string) { r.Category = v }},
}

// Reader loads rules from the first catalog path that exists and yields rules.
type Reader struct {
	paths  []string
	logger *zap.Logger
}

// NewReader returns a Reader over paths, tried in order. logger may be nil.
func NewReader(paths []string, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{paths: paths, logger: logger}
}

// Load returns the rules of the first readable catalog with at least one valid rule,
// and the path it came from. Unreadable files are logged and skipped.
func (r *Reader) Load() ([]models.RuleEntry, string, error) {
	found := false
	for _, p := range r.paths {
		content, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("Failed to read catalog", zap.String("path", p), zap.Error(err))
			}
			continue
		}
		found = true
		rules := r.Parse(content)
		if len(rules) == 0 {
			r.logger.Debug("Catalog has no rules", zap.String("path", p))
			continue
		}
		r.logger.Debug("Loaded catalog", zap.String("path", p), zap.Int("rules", len(rules)))
		return rules, p, nil
	}
	if !found {
		return nil, "", fmt.Errorf("%w: tried %s", ErrNoCatalog, strings.Join(r.paths, ", "))
	}
	return nil, "", nil
}

// Parse extracts rules from markdown content. Entries that fail validation and repeated
// identifiers are skipped with a warning; the first occurrence of an identifier wins.
func (r *Reader) Parse(content []byte) []models.RuleEntry {
	if !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "�"))
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")

	var rules []models.RuleEntry
	seen := make(map[string]struct{})
	for i := 0; i < len(lines); {
		m := headerRe.FindStringSubmatch(strings.TrimRight(lines[i], " \t"))
		if m == nil {
			i++
			continue
		}
		rule := models.RuleEntry{ID: m[1], Title: strings.TrimSpace(m[2])}
		line := i + 1
		for i++; i < len(lines); i++ {
			l := lines[i]
			if strings.HasPrefix(l, "### ERR-") || strings.HasPrefix(l, "## ") {
				break
			}
			for _, f := range fieldMarkers {
				if idx := strings.Index(l, f.marker); idx >= 0 {
					f.set(&rule, strings.TrimSpace(l[idx+len(f.marker):]))
					break
				}
			}
		}
		if err := rule.Validate(); err != nil {
			r.logger.Warn("Skipping malformed rule", zap.Int("line", line), zap.Error(err))
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			r.logger.Warn("Skipping duplicate rule", zap.String("id", rule.ID), zap.Int("line", line))
			continue
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	return rules
}
