package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxTodos    = "todo_items"
	idxComments = "todo_comments"
)

// Meili implements Searcher via Meilisearch. It tracks its own health so the
// facade can fall back to Postgres when the engine goes away.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the indexes. A failed
// initial connection is not fatal; the health loop keeps retrying.
func NewMeili(url, apiKey string, log *zap.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxTodos,
			filterable: []string{"visibleTo", "ownerId", "completed"},
			searchable: []string{"title"},
		},
		{
			uid:        idxComments,
			filterable: []string{"visibleTo", "todoId"},
			searchable: []string{"body"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.log.Debug("create index", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.log.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) restricted to entries
// visible to the querying user, and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targets := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxTodos, ResultTodo},
		{idxComments, ResultComment},
	}

	for _, target := range targets {
		if q.FilterType != "" && q.FilterType != target.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              target.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                []string{fmt.Sprintf("visibleTo = %q", q.UserID)},
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxTodos:
		return ResultTodo
	case idxComments:
		return ResultComment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.OwnerID = decodeString(hit, "ownerId")

	switch rtyp {
	case ResultTodo:
		r.TodoID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	case ResultComment:
		r.TodoID = decodeString(hit, "todoId")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexTodo adds or updates a todo in the search index.
func (m *Meili) IndexTodo(rec TodoRecord) error {
	_, err := m.client.Index(idxTodos).AddDocuments([]TodoRecord{rec}, nil)
	return err
}

// IndexComment adds or updates a comment in the search index.
func (m *Meili) IndexComment(rec CommentRecord) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{rec}, nil)
	return err
}

// DeleteTodo removes a todo and leaves its comments to the next reindex.
func (m *Meili) DeleteTodo(id string) error {
	_, err := m.client.Index(idxTodos).DeleteDocument(id, nil)
	return err
}

// DeleteComment removes a comment from the search index.
func (m *Meili) DeleteComment(id string) error {
	_, err := m.client.Index(idxComments).DeleteDocument(id, nil)
	return err
}

// IndexTodos bulk-indexes todos.
func (m *Meili) IndexTodos(records []TodoRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTodos).AddDocuments(records, nil)
	return err
}

// IndexComments bulk-indexes comments.
func (m *Meili) IndexComments(records []CommentRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComments).AddDocuments(records, nil)
	return err
}
