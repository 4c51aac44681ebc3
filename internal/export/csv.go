package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"
)

// renderCSV writes the todo list as a spreadsheet-friendly CSV file.
func renderCSV(items []Item, filename string) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "title", "completed", "owner", "assignees", "created_at", "completed_at", "comments"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	for _, item := range items {
		completedAt := ""
		if item.CompletedAt != nil {
			completedAt = item.CompletedAt.Format(time.RFC3339)
		}
		if err := w.Write([]string{
			item.ID,
			item.Title,
			fmt.Sprintf("%t", item.Completed),
			item.OwnerName,
			strings.Join(item.Assignees, "; "),
			item.CreatedAt.Format(time.RFC3339),
			completedAt,
			fmt.Sprintf("%d", len(item.Comments)),
		}); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: filename + ".csv",
		MimeType: "text/csv",
	}, nil
}
