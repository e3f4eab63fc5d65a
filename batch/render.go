package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gleitzeit/gleitzeit/core"
)

// JSON renders the batch result as indented JSON.
func (r *BatchResult) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Markdown renders the batch result as a human-readable report. Files
// are listed in sorted order, successes first with their content,
// failures after with their errors.
func (r *BatchResult) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Batch Results\n\n")
	fmt.Fprintf(&b, "- Total: %d\n", r.Total)
	fmt.Fprintf(&b, "- Successful: %d\n", r.Successful)
	fmt.Fprintf(&b, "- Failed: %d\n", r.Failed)
	fmt.Fprintf(&b, "- Duration: %s\n", r.Duration.Round(10*time.Millisecond))

	files := make([]string, 0, len(r.Results))
	for f := range r.Results {
		files = append(files, f)
	}
	sort.Strings(files)

	wroteHeader := false
	for _, f := range files {
		outcome := r.Results[f]
		if outcome.Status != core.TaskStatusCompleted {
			continue
		}
		if !wroteHeader {
			fmt.Fprintf(&b, "\n## Completed\n")
			wroteHeader = true
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", f, renderContent(outcome.Content))
	}

	wroteHeader = false
	for _, f := range files {
		outcome := r.Results[f]
		if outcome.Status == core.TaskStatusCompleted {
			continue
		}
		if !wroteHeader {
			fmt.Fprintf(&b, "\n## Failed\n")
			wroteHeader = true
		}
		fmt.Fprintf(&b, "\n### %s\n\n- Status: %s\n", f, outcome.Status)
		if outcome.Error != "" {
			fmt.Fprintf(&b, "- Error: %s\n", outcome.Error)
		}
	}
	return b.String()
}

func renderContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return "(no content)"
	case string:
		return v
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
