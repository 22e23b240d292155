package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/rulesense/internal/models"
)

// DefaultHookRules is the number of rules shown by the hook.
const DefaultHookRules = 5

// HookInput is the tool call read from the hook's stdin.
type HookInput struct {
	Tool  string                `json:"tool"`
	Input models.OperationInput `json:"input"`
}

// HookSpecificOutput reports what the hook matched.
type HookSpecificOutput struct {
	Tool               string `json:"tool"`
	RelevantRulesCount int    `json:"relevant_rules_count"`
	ShownRules         int    `json:"shown_rules"`
}

// HookOutput is written to the hook's stdout. Continue is always true.
type HookOutput struct {
	Continue           bool                `json:"continue"`
	SystemMessage      *string             `json:"systemMessage,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// ReadHookInput decodes the hook payload. Blank input yields a zero HookInput.
func ReadHookInput(r io.Reader) (HookInput, error) {
	var in HookInput
	data, err := io.ReadAll(r)
	if err != nil {
		return in, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return HookInput{}, fmt.Errorf("parse hook input: %w", err)
	}
	in.Tool = strings.TrimSpace(in.Tool)
	return in, nil
}

// ContinueOnly is the output when there is nothing to report.
func ContinueOnly() HookOutput {
	return HookOutput{Continue: true}
}

// BuildHookOutput formats up to maxShown results as the hook's system message.
func BuildHookOutput(tool string, results []models.MatchResult, maxShown int) HookOutput {
	if maxShown <= 0 {
		maxShown = DefaultHookRules
	}
	shown := results
	if len(shown) > maxShown {
		shown = shown[:maxShown]
	}
	var msg string
	if len(shown) > 0 {
		lines := make([]string, 0, len(shown)+2)
		lines = append(lines, fmt.Sprintf("\n🔒 Relevant ERR Rules for %s:", tool))
		for _, r := range shown {
			lines = append(lines, fmt.Sprintf("  • %s: %s", r.Rule.ID, r.Rule.Title))
		}
		lines = append(lines, fmt.Sprintf("\n  (Showing %d of %d relevant rules)", len(shown), len(results)))
		msg = strings.Join(lines, "\n")
	}
	return HookOutput{
		Continue:      true,
		SystemMessage: &msg,
		HookSpecificOutput: &HookSpecificOutput{
			Tool:               tool,
			RelevantRulesCount: len(results),
			ShownRules:         len(shown),
		},
	}
}

// WriteHookOutput writes out as one JSON line to stdout and echoes a non-empty system message
// to stderr.
func WriteHookOutput(stdout, stderr io.Writer, out HookOutput) error {
	if stderr != nil && out.SystemMessage != nil && *out.SystemMessage != "" {
		fmt.Fprintln(stderr, *out.SystemMessage)
	}
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}
