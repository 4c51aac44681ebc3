package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/therings/todo-backend/internal/store"
)

// PgFTS implements Searcher with PostgreSQL full-text search as the fallback
// engine. The tsvectors are computed per query, which is fine at this scale.
type PgFTS struct {
	pool store.PgxPool
}

func NewPgFTS(pool store.PgxPool) *PgFTS {
	return &PgFTS{pool: pool}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const visibleTodos = `(t.owner_id = $2 OR EXISTS (
	SELECT 1 FROM todo_assignees ta WHERE ta.todo_id = t.id AND ta.user_id = $2))`

// Search runs a UNION ALL over todos and comments the user can see, ranked by
// ts_rank with ts_headline snippets for comment bodies.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultTodo {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'todo'::text AS type, t.id, t.title, ''::text AS snippet,
				t.id AS todo_id, t.owner_id,
				ts_rank(to_tsvector('english', t.title), %s) AS rank
			FROM todos t
			WHERE to_tsvector('english', t.title) @@ %s AND %s`, tsQuery, tsQuery, visibleTodos))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, ''::text AS title,
				ts_headline('english', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.todo_id, t.owner_id,
				ts_rank(to_tsvector('english', c.content), %s) AS rank
			FROM comments c
			JOIN todos t ON t.id = c.todo_id
			WHERE to_tsvector('english', c.content) @@ %s AND %s`, tsQuery, tsQuery, tsQuery, visibleTodos))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, todo_id, owner_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()
	args := []any{q.Text, q.UserID}

	var total int
	if err := p.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.TodoID, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every todo and comment with its visibility list, for
// full reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TodoRecord, []CommentRecord, error) {
	todoRows, err := p.pool.Query(ctx, `
		SELECT t.id, t.title, t.owner_id, t.completed,
			ARRAY(SELECT ta.user_id FROM todo_assignees ta WHERE ta.todo_id = t.id) AS assignees
		FROM todos t
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load todos: %w", err)
	}
	defer todoRows.Close()

	todos := make([]TodoRecord, 0)
	for todoRows.Next() {
		var rec TodoRecord
		var assignees []string
		if err := todoRows.Scan(&rec.ID, &rec.Title, &rec.OwnerID, &rec.Completed, &assignees); err != nil {
			return nil, nil, fmt.Errorf("scan todo: %w", err)
		}
		rec.VisibleTo = append([]string{rec.OwnerID}, assignees...)
		todos = append(todos, rec)
	}
	if err := todoRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate todos: %w", err)
	}

	commentRows, err := p.pool.Query(ctx, `
		SELECT c.id, c.content, c.todo_id, t.owner_id,
			ARRAY(SELECT ta.user_id FROM todo_assignees ta WHERE ta.todo_id = t.id) AS assignees
		FROM comments c
		JOIN todos t ON t.id = c.todo_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var rec CommentRecord
		var assignees []string
		if err := commentRows.Scan(&rec.ID, &rec.Body, &rec.TodoID, &rec.OwnerID, &assignees); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		rec.VisibleTo = append([]string{rec.OwnerID}, assignees...)
		comments = append(comments, rec)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return todos, comments, nil
}
