// Package listing formats block index records for the CLI.
package listing

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/quire/pkg/ledger"
)

// FormatTable writes the blocks of one QueryBlocksByParent window as a table
// with columns ID, TYPE, CREATED BY, AGE and PAGE. Returns the number of
// blocks formatted.
func FormatTable(w io.Writer, page *ledger.BlockPage, parentID string) int {
	if len(page.Blocks) == 0 {
		fmt.Fprintf(w, "No blocks found under '%s'\n", parentID)
		return 0
	}

	fmt.Fprintf(w, "Blocks created under '%s':\n\n", parentID)

	fmt.Fprintf(w, "%-36s %-13s %-10s %-8s %s\n",
		"ID", "TYPE", "BY", "AGE", "PAGE")
	fmt.Fprintf(w, "%-36s %-13s %-10s %-8s %s\n",
		"------------------------------------", "-------------", "----------", "--------", "----------")

	for _, b := range page.Blocks {
		fmt.Fprintf(w, "%-36s %-13s %-10s %-8s %s\n",
			b.ID,
			b.Type,
			formatShortID(b.CreatedBy),
			formatTimestamp(b.CreatedAtMs),
			formatShortID(b.PageID),
		)
	}

	countMsg := "block"
	if len(page.Blocks) != 1 {
		countMsg = "blocks"
	}
	fmt.Fprintf(w, "\n%d %s shown\n", len(page.Blocks), countMsg)
	if page.NextCursor != "" {
		fmt.Fprintf(w, "More results: --cursor=%s\n", page.NextCursor)
	}

	return len(page.Blocks)
}

// FormatJSONL writes each block as a single JSON object on its own line.
func FormatJSONL(w io.Writer, page *ledger.BlockPage) error {
	for _, b := range page.Blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal block to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one value as indented JSON followed by a newline.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatShortID truncates an id to its first 8 characters. Empty ids are
// shown as "-".
func formatShortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatTimestamp renders a millisecond timestamp relative to now, like
// "2m ago".
func formatTimestamp(timestampMs int64) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := time.Since(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
