package util

import (
	"strings"

	"github.com/gofrs/uuid/v5"
)

// NewID returns a prefixed identifier such as "todo_5f3a...". The prefix makes
// IDs self-describing in logs and API payloads.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.Must(uuid.NewV4()).String(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
