// Package search provides full-text search over todos and comments, scoped to
// what the searching user may see.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTodo    ResultType = "todo"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet,omitempty"`
	TodoID  string     `json:"todoId"`
	OwnerID string     `json:"ownerId,omitempty"`
}

// Query describes a search request. UserID scopes results to todos the user
// owns or is assigned to.
type Query struct {
	Text       string
	UserID     string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TodoRecord is the data we index for a todo. VisibleTo holds the owner plus
// every assignee so the engine can filter per user.
type TodoRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	OwnerID   string   `json:"ownerId"`
	Completed bool     `json:"completed"`
	VisibleTo []string `json:"visibleTo"`
}

// CommentRecord is the data we index for a comment. Visibility follows the
// parent todo.
type CommentRecord struct {
	ID        string   `json:"id"`
	Body      string   `json:"body"`
	TodoID    string   `json:"todoId"`
	OwnerID   string   `json:"ownerId"`
	VisibleTo []string `json:"visibleTo"`
}
