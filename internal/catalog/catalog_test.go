package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sample = `# Lessons

## Errors

### ERR-001: TodoWrite Tool Not Available
**Problem**: Tool not available in current environment
**Root Cause**: Tool was renamed
**Solution**: Use Task tool instead
**Prevention**: Check the tool list first
**Category**: tooling

### ERR-004: File Path Not Found
**Problem**: File does not exist at specified path
**Solution**: Use Glob to verify paths

### ERR-004: Duplicate Entry
**Problem**: ignored

## Other Section
**Problem**: not part of any rule
`

func TestParse(t *testing.T) {
	rules := NewReader(nil, nil).Parse([]byte(sample))
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2: %+v", len(rules), rules)
	}
	r := rules[0]
	if r.ID != "ERR-001" || r.Title != "TodoWrite Tool Not Available" {
		t.Errorf("header: got %q %q", r.ID, r.Title)
	}
	if r.Problem != "Tool not available in current environment" || r.Solution != "Use Task tool instead" {
		t.Errorf("fields: %+v", r)
	}
	if r.RootCause != "Tool was renamed" || r.Prevention != "Check the tool list first" || r.Category != "tooling" {
		t.Errorf("optional fields: %+v", r)
	}
	if rules[1].ID != "ERR-004" || rules[1].Title != "File Path Not Found" {
		t.Errorf("first occurrence should win: %+v", rules[1])
	}
	if rules[1].Prevention != "" {
		t.Errorf("prevention should be empty, got %q", rules[1].Prevention)
	}
}

func TestParse_CRLFAndInvalidUTF8(t *testing.T) {
	content := []byte("### ERR-010: Bad\xffbytes\r\n**Solution**: fix it\r\n")
	rules := NewReader(nil, nil).Parse(content)
	if len(rules) != 1 {
		t.Fatalf("got %d rules", len(rules))
	}
	if rules[0].Solution != "fix it" {
		t.Errorf("solution = %q", rules[0].Solution)
	}
	if rules[0].Title != "Bad�bytes" {
		t.Errorf("title = %q", rules[0].Title)
	}
}

func TestLoad_Fallback(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.md")
	project := filepath.Join(dir, "project.md")
	if err := os.WriteFile(global, []byte("# nothing here\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(project, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	rules, src, err := NewReader([]string{filepath.Join(dir, "missing.md"), global, project}, nil).Load()
	if err != nil {
		t.Fatal(err)
	}
	if src != project {
		t.Errorf("source = %s, want %s", src, project)
	}
	if len(rules) != 2 {
		t.Errorf("got %d rules", len(rules))
	}
}

func TestLoad_NoCatalog(t *testing.T) {
	_, _, err := NewReader([]string{filepath.Join(t.TempDir(), "none.md")}, nil).Load()
	if !errors.Is(err, ErrNoCatalog) {
		t.Errorf("expected ErrNoCatalog, got %v", err)
	}
}

func TestLoad_EmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")
	if err := os.WriteFile(path, []byte("# empty\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rules, src, err := NewReader([]string{path}, nil).Load()
	if err != nil || rules != nil || src != "" {
		t.Errorf("got rules=%v src=%q err=%v", rules, src, err)
	}
}
