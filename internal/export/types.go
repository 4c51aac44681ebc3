// Package export renders a user's todo list as a downloadable PDF or CSV.
package export

import (
	"context"
	"errors"
	"time"
)

// Format is the export output format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatCSV Format = "csv"
)

// Request describes one export run.
type Request struct {
	UserID          string
	UserName        string
	Format          Format
	IncludeComments bool
}

// Result is the generated file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Item is a todo prepared for export.
type Item struct {
	ID          string
	Title       string
	OwnerName   string
	Assignees   []string
	Completed   bool
	CreatedAt   time.Time
	CompletedAt *time.Time
	Comments    []CommentItem
}

// CommentItem is a comment prepared for export.
type CommentItem struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// DataStore is the data access the exporter needs.
type DataStore interface {
	ListExportItems(ctx context.Context, userID string) ([]Item, error)
	ListExportComments(ctx context.Context, todoID string) ([]CommentItem, error)
}

// ErrPDFDependencyMissing indicates the headless browser needed for PDF
// rendering is not installed.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
