// Package cli provides output writers for the rulesense commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hyperjump/rulesense/internal/analytics"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"github.com/hyperjump/rulesense/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat returns the format named by s. Empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return OutputText, nil
	case "json":
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// WriteMatchResults writes a match response to w in the given format.
func WriteMatchResults(w io.Writer, response *models.MatchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	writeMatchResultsText(w, response)
	return nil
}

func writeMatchResultsText(w io.Writer, response *models.MatchResponse) {
	fmt.Fprintf(w, "\nMatched %d rules for %s in %dms (path: %s)\n\n",
		len(response.Results), response.Tool, response.QueryTime, response.Path)
	for i, result := range response.Results {
		fmt.Fprintf(w, "%2d. %s  %.4f  %s\n", i+1, result.Rule.ID, result.Score, result.Provenance)
		fmt.Fprintf(w, "    %s\n", result.Rule.Title)
		if result.Rule.Solution != "" {
			fmt.Fprintf(w, "    → %s\n", utils.Truncate(result.Rule.Solution, 100))
		}
	}
}

// PrintMatchResults prints a match response to stdout in text format.
func PrintMatchResults(response *models.MatchResponse) {
	_ = WriteMatchResults(os.Stdout, response, OutputText)
}

// WriteCacheInfo writes the vector cache summary.
func WriteCacheInfo(w io.Writer, info vectorcache.Info, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, info)
	}
	fmt.Fprintf(w, "Cache directory: %s\n", info.Dir)
	if !info.Exists {
		fmt.Fprintln(w, "Status:          empty")
		return nil
	}
	status := "valid"
	if !info.Valid {
		status = "invalid (" + info.Reason + ")"
	}
	fmt.Fprintf(w, "Status:          %s\n", status)
	fmt.Fprintf(w, "Model:           %s\n", info.Model)
	fmt.Fprintf(w, "Rules:           %d\n", info.Count)
	fmt.Fprintf(w, "Dimensions:      %d\n", info.Dimensions)
	fmt.Fprintf(w, "Age:             %s (validity %gh)\n",
		(time.Duration(info.AgeSeconds) * time.Second).String(), info.ValidityHours)
	fmt.Fprintf(w, "Generation:      %s\n", info.Generation)
	fmt.Fprintf(w, "Disk usage:      %s\n", FormatBytes(info.DiskUsageBytes))
	return nil
}

// WriteSummary writes the rule analytics summary.
func WriteSummary(w io.Writer, summary *analytics.Summary, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, summary)
	}
	fmt.Fprintf(w, "Total views:   %d\n", summary.TotalViews)
	fmt.Fprintf(w, "Rules tracked: %d\n", summary.RulesTracked)
	if summary.LastUpdated != nil {
		fmt.Fprintf(w, "Last updated:  %s\n", summary.LastUpdated.Format(time.RFC3339))
	}
	writeCounts(w, "Most frequent", summary.MostFrequent)
	writeCounts(w, "Recent (24h)", summary.MostRecent)
	return nil
}

func writeCounts(w io.Writer, title string, counts []analytics.RuleCount) {
	fmt.Fprintf(w, "\n%s:\n", title)
	if len(counts) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, c := range counts {
		fmt.Fprintf(w, "  %-10s %d\n", c.RuleID, c.Count)
	}
}

// FormatBytes returns n in a human-readable binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
