package keyword

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hyperjump/rulesense/internal/models"
	"go.uber.org/zap"
)

// Score weights of the rule-table matcher.
const (
	weightPatternInput = 10
	weightPatternRule  = 5
	weightKeywordRule  = 2
	weightKeywordBoth  = 3
	weightToolName     = 5
	weightFileMention  = 2
	weightExtension    = 3
	weightGit          = 5
	weightNpm          = 3
	weightPython       = 3
	weightSubagent     = 3
)

// ToolKeywords maps an operation name to the words that tie a rule to it.
var ToolKeywords = map[string][]string{
	"Write": {"file", "write", "create", "save", "path", "directory", "encoding", "utf-8", "utf-16", "charset"},
	"Edit":  {"file", "edit", "modify", "replace", "path", "not found", "encoding", "utf-8", "utf-16", "string", "escape"},
	"Bash":  {"command", "git", "terminal", "shell", "path", "execute", "permissions", "directory"},
	"Task":  {"agent", "subagent", "task", "create", "parameter", "context", "delegate"},
	"Read":  {"file", "read", "path", "not found", "encoding", "permission"},
	"Grep":  {"pattern", "search", "match", "regex", "grep", "find"},
	"Glob":  {"file", "pattern", "path", "find", "wildcard"},
}

// ErrorPattern links a known failure signature to the rules that address it.
type ErrorPattern struct {
	Pattern *regexp.Regexp
	RuleIDs []string
}

// ErrorPatterns are matched case-insensitively against the serialized input and the rule text.
var ErrorPatterns = []ErrorPattern{
	errorPattern(`todo|task`, "ERR-001", "ERR-008"),
	errorPattern(`hook.*not.*found|file.*not.*found`, "ERR-002", "ERR-003", "ERR-004", "ERR-024"),
	errorPattern(`edit.*fail|replace.*fail`, "ERR-003", "ERR-013", "ERR-023"),
	errorPattern(`file.*not.*found|path.*wrong`, "ERR-004", "ERR-022"),
	errorPattern(`port.*direction|input|output`, "ERR-005"),
	errorPattern(`reset|polarity|rst_n`, "ERR-006", "ERR-012"),
	errorPattern(`undriven|driver`, "ERR-007"),
	errorPattern(`parameter.*missing|required`, "ERR-008"),
	errorPattern(`grep.*match|pattern.*not`, "ERR-009"),
	errorPattern(`comment|//|#`, "ERR-014", "ERR-016"),
	errorPattern(`escape|backslash`, "ERR-015"),
	errorPattern(`instruction|command.*not.*follow`, "ERR-022"),
	errorPattern(`utf-?16|encoding|rc.*file|res.*file`, "ERR-023"),
	errorPattern(`hook.*directory|moai.*hook`, "ERR-024"),
	errorPattern(`OnInitDialog|MFC|control`, "ERR-600"),
	errorPattern(`dll.*architecture|x64|x86`, "ERR-601"),
	errorPattern(`CFile.*uninitialized`, "ERR-602"),
}

func errorPattern(expr string, ids ...string) ErrorPattern {
	return ErrorPattern{Pattern: regexp.MustCompile(`(?i)` + expr), RuleIDs: ids}
}

type tableRule struct {
	text     string
	patterns []int
}

// RuleTableMatcher scores rules with per-operation keyword tables and known error patterns.
type RuleTableMatcher struct {
	mu      sync.RWMutex
	rules   []models.RuleEntry
	table   []tableRule
	ceiling float64
	logger  *zap.Logger
}

// NewRuleTableMatcher creates a rule-table matcher whose scores are scaled into [0, ceiling].
func NewRuleTableMatcher(ceiling float64, logger *zap.Logger) *RuleTableMatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleTableMatcher{ceiling: ceiling, logger: logger}
}

// Index implements Matcher.
func (m *RuleTableMatcher) Index(ctx context.Context, rules []models.RuleEntry) error {
	byID := make(map[string][]int)
	for i, p := range ErrorPatterns {
		for _, id := range p.RuleIDs {
			byID[id] = append(byID[id], i)
		}
	}
	table := make([]tableRule, len(rules))
	for i, r := range rules {
		table[i] = tableRule{
			text:     strings.ToLower(fmt.Sprintf("%s %s %s %s", r.ID, r.Title, r.Problem, r.Solution)),
			patterns: byID[r.ID],
		}
	}
	m.mu.Lock()
	m.rules = append([]models.RuleEntry(nil), rules...)
	m.table = table
	m.mu.Unlock()
	m.logger.Debug("Keyword rule table indexed", zap.Int("rules", len(rules)))
	return nil
}

// Match implements Matcher.
func (m *RuleTableMatcher) Match(ctx context.Context, op string, input models.OperationInput) []models.MatchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.rules) == 0 {
		return []models.MatchResult{}
	}

	inputText := strings.ToLower(input.JSON())
	inputHits := make([]bool, len(ErrorPatterns))
	for i, p := range ErrorPatterns {
		inputHits[i] = p.Pattern.MatchString(inputText)
	}
	keywords := ToolKeywords[op]
	lowerOp := strings.ToLower(op)

	var ext string
	hasFile := input.Has(models.InputFilePath)
	if hasFile {
		p, _ := input.String(models.InputFilePath)
		ext = models.Extension(strings.ToLower(p))
	}
	var command, subagent string
	if op == "Bash" {
		command, _ = input.String(models.InputCommand)
		command = strings.ToLower(command)
	}
	if op == "Task" {
		subagent, _ = input.String(models.InputSubagentType)
		subagent = strings.ToLower(subagent)
	}

	scores := make([]rawScore, 0, len(m.rules))
	for i, tr := range m.table {
		if err := ctx.Err(); err != nil {
			m.logger.Warn("Keyword match interrupted", zap.Error(err))
			return []models.MatchResult{}
		}
		score := 0
		for _, pi := range tr.patterns {
			if inputHits[pi] {
				score += weightPatternInput
			}
			if ErrorPatterns[pi].Pattern.MatchString(tr.text) {
				score += weightPatternRule
			}
		}
		for _, kw := range keywords {
			if strings.Contains(tr.text, kw) {
				score += weightKeywordRule
				if strings.Contains(inputText, kw) {
					score += weightKeywordBoth
				}
			}
		}
		if lowerOp != "" && strings.Contains(tr.text, lowerOp) {
			score += weightToolName
		}
		if hasFile {
			if strings.Contains(tr.text, "file") {
				score += weightFileMention
			}
			if ext != "" && strings.Contains(tr.text, ext) {
				score += weightExtension
			}
		}
		if command != "" {
			score += commandScore(command, tr.text)
		}
		if subagent != "" && strings.Contains(tr.text, subagent) {
			score += weightSubagent
		}
		scores = append(scores, rawScore{pos: i, score: float64(score)})
	}
	return normalize(m.rules, scores, m.ceiling)
}

func commandScore(command, text string) int {
	score := 0
	if strings.Contains(command, "git") && strings.Contains(text, "git") {
		score += weightGit
	}
	if strings.Contains(command, "npm") && strings.Contains(text, "npm") {
		score += weightNpm
	}
	if strings.Contains(command, "python") && strings.Contains(text, "python") {
		score += weightPython
	}
	return score
}

// Close implements Matcher.
func (m *RuleTableMatcher) Close() error {
	m.mu.Lock()
	m.rules, m.table = nil, nil
	m.mu.Unlock()
	return nil
}
