package export

import (
	"context"
	"fmt"
	"time"
)

// Service generates exports of a user's visible todos.
type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export builds the requested file. Comments are fetched per todo only when
// the caller asked for them.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	items, err := s.store.ListExportItems(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}

	if req.IncludeComments {
		for i := range items {
			comments, err := s.store.ListExportComments(ctx, items[i].ID)
			if err != nil {
				return nil, fmt.Errorf("list comments for %s: %w", items[i].ID, err)
			}
			items[i].Comments = comments
		}
	}

	filename := sanitizeFilename(req.UserName + " todos")

	switch req.Format {
	case FormatCSV:
		return renderCSV(items, filename)
	case FormatPDF:
		html, err := RenderListHTML(TemplateData{
			UserName:    req.UserName,
			GeneratedAt: time.Now(),
			Todos:       items,
		})
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return renderPDF(html, filename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
